package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/a7comix/a7comix/pager"
	"github.com/a7comix/a7comix/pkg/rlog"
)

// eventsBufferSize is the number of events a slow client can fall behind by. Older
// events are dropped after it: every event carries the full state anyway.
const eventsBufferSize = 32

// handleEvents streams state transitions of the session as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}

	defer s.sessions.openStream(sess)()

	rc := http.NewResponseController(w)

	eventsCh := make(chan pager.Event, eventsBufferSize)
	unsubscribe := sess.ctrl.Subscribe(func(e pager.Event) {
		select {
		case eventsCh <- e:
		default:
			rlog.Debugf("drop event of session %q: client is too slow", sess.id)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(snapshot pager.Snapshot, hasPage bool) error {
		if err := writeEvent(w, "state", newSessionResponse(sess.id, snapshot, hasPage)); err != nil {
			return err
		}
		return rc.Flush()
	}

	_, hasPage := sess.ctrl.Displayed()
	if err := send(sess.ctrl.State(), hasPage); err != nil {
		rlog.Debugf("couldn't send event: %s", err)
		return
	}

	keepAlive := time.NewTicker(s.eventsKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case e := <-eventsCh:
			switch {
			case e.Rendered != nil:
				hasPage = true
			case e.Document == nil:
				hasPage = false
			}
			if err := send(e.Snapshot, hasPage); err != nil {
				rlog.Debugf("couldn't send event: %s", err)
				return
			}

		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("couldn't marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
