package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pager"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestSize limits JSON request bodies.
const maxRequestSize = 64 << 10

type Server struct {
	httpServer *http.Server
	sessions   *sessions

	// navigationTimeout limits the wait for a page render. The current state is returned
	// with 202 Accepted after it.
	navigationTimeout time.Duration
	// eventsKeepAlive is the interval of keep-alive comments in event streams.
	eventsKeepAlive time.Duration

	pngEncoder png.Encoder
}

func NewServer(cfg a7comix.Config, newSession SessionFactory) *Server {
	s := &Server{
		sessions: newSessions(newSession, cfg.MaxSessions, cfg.SessionIdleTimeout),
		//
		navigationTimeout: 10 * time.Second,
		eventsKeepAlive:   15 * time.Second,
		//
		pngEncoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/sessions", s.handleCreateSession)
	api.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	api.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	api.HandleFunc("POST /api/sessions/{id}/open", s.handleOpen)
	api.HandleFunc("POST /api/sessions/{id}/goto", s.handleGoto)
	api.HandleFunc("POST /api/sessions/{id}/next", s.handleNext)
	api.HandleFunc("POST /api/sessions/{id}/previous", s.handlePrevious)
	api.HandleFunc("POST /api/sessions/{id}/zoom", s.handleZoom)
	api.HandleFunc("POST /api/sessions/{id}/retry", s.handleRetry)
	api.HandleFunc("GET /api/sessions/{id}/page.png", s.handlePage)
	api.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)

	mux := http.NewServeMux()
	mux.Handle("/api/", noCacheMiddleware(api))

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and closes all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	serverErr := s.httpServer.Shutdown(ctx)
	sessionsErr := s.sessions.shutdownAll(ctx)
	return errors.Join(serverErr, sessionsErr)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	sess, err := s.sessions.create()
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "couldn't create session: %s", err)
		return
	}

	if !s.openDocument(w, r, sess, req.Source) {
		if err := s.sessions.remove(r.Context(), sess.id); err != nil {
			rlog.Errorf("couldn't remove session: %s", err)
		}
		return
	}

	s.waitNavigation(w, r, sess, http.StatusCreated, sess.ctrl.Goto(0))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}
	s.writeSession(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.remove(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "%s", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "%s", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}

	var req OpenRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !s.openDocument(w, r, sess, req.Source) {
		return
	}
	s.waitNavigation(w, r, sess, http.StatusOK, sess.ctrl.Goto(0))
}

func (s *Server) openDocument(w http.ResponseWriter, r *http.Request, sess *session, source string) bool {
	if source == "" {
		writeError(w, http.StatusBadRequest, "source can't be empty")
		return false
	}

	err := sess.ctrl.Open(r.Context(), source)
	if err != nil {
		var loadErr *a7comix.LoadError
		if errors.As(err, &loadErr) {
			writeError(w, http.StatusUnprocessableEntity, "%s", err)
		} else {
			writeError(w, http.StatusInternalServerError, "couldn't open document: %s", err)
		}
		return false
	}
	return true
}

func (s *Server) handleGoto(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}

	var req GotoRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Page == nil {
		writeError(w, http.StatusBadRequest, "page is required")
		return
	}
	s.waitNavigation(w, r, sess, http.StatusOK, sess.ctrl.Goto(*req.Page))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}
	s.waitNavigation(w, r, sess, http.StatusOK, sess.ctrl.Next())
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}
	s.waitNavigation(w, r, sess, http.StatusOK, sess.ctrl.Previous())
}

func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}

	var req ZoomRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Zoom == nil || *req.Zoom <= 0 {
		writeError(w, http.StatusBadRequest, "zoom must be > 0")
		return
	}
	s.waitNavigation(w, r, sess, http.StatusOK, sess.ctrl.SetZoom(a7comix.Zoom(*req.Zoom)))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}
	s.waitNavigation(w, r, sess, http.StatusOK, sess.ctrl.Retry())
}

// waitNavigation writes the session state after the navigation is finished. Render errors
// are a part of the state, so they are not reported as request errors.
func (s *Server) waitNavigation(w http.ResponseWriter, r *http.Request, sess *session, code int, nav *pager.Navigation) {
	ctx, cancel := context.WithTimeout(r.Context(), s.navigationTimeout)
	defer cancel()

	err := nav.Wait(ctx)
	switch {
	case errors.Is(err, pager.ErrNotReady):
		writeError(w, http.StatusConflict, "%s", err)
		return

	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusAccepted
	}
	s.writeSession(w, code, sess)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}

	page, ok := sess.ctrl.Displayed()
	if !ok {
		writeError(w, http.StatusNotFound, "no page is displayed")
		return
	}

	var buf bytes.Buffer
	if err := s.pngEncoder.Encode(&buf, page.Image); err != nil {
		writeError(w, http.StatusInternalServerError, "couldn't encode page: %s", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	copyResponse(w, &buf)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	sess, err := s.sessions.get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "%s", err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeSession(w http.ResponseWriter, code int, sess *session) {
	_, hasPage := sess.ctrl.Displayed()
	writeJSON(w, code, newSessionResponse(sess.id, sess.ctrl.State(), hasPage))
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %s", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rlog.Warnf("couldn't write response: %s", err)
	}
}

func copyResponse(w http.ResponseWriter, src io.Reader) {
	_, err := io.Copy(w, src)
	if err != nil {
		rlog.Warnf("couldn't write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	writeJSON(w, code, ErrorResponse{Error: fmt.Sprintf(format, a...)})
}
