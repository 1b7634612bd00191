package web

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/a7comix/a7comix/pager"
	"github.com/a7comix/a7comix/pkg/metrics"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// idleSessionShutdownTimeout limits the shutdown of a single idle session.
const idleSessionShutdownTimeout = 30 * time.Second

var (
	ErrTooManySessions = errors.New("too many open sessions")
	ErrSessionNotFound = errors.New("session not found")
)

// SessionFactory creates a controller with its own page cache and render workers.
// The returned function must release all resources of the controller.
type SessionFactory func() (ctrl *pager.Controller, shutdown func(context.Context) error)

type session struct {
	id        string
	ctrl      *pager.Controller
	shutdown  func(context.Context) error
	createdAt time.Time

	// Fields below are guarded by sessions.mu.

	lastUsedAt time.Time
	// streams is the number of open event streams. Sessions with streams are never idle.
	streams int
}

// sessions keeps independent viewers, one per client. Sessions without requests for
// idleTimeout are removed on schedule.
type sessions struct {
	newSession  SessionFactory
	max         int
	idleTimeout time.Duration

	cron *cron.Cron

	mu sync.Mutex
	m  map[string]*session
}

func newSessions(newSession SessionFactory, maxSessions int, idleTimeout time.Duration) *sessions {
	s := &sessions{
		newSession:  newSession,
		max:         maxSessions,
		idleTimeout: idleTimeout,
		m:           make(map[string]*session),
	}

	if idleTimeout > 0 {
		logger := rlog.CronLogger{}
		s.cron = cron.New(cron.WithLogger(logger))
		s.cron.Schedule(
			cron.Every(min(max(idleTimeout/4, time.Second), time.Minute)),
			cron.NewChain(
				cron.Recover(logger),
				cron.SkipIfStillRunning(logger),
			).Then(cron.FuncJob(func() {
				s.removeIdle(time.Now())
			})),
		)
		s.cron.Start()
	}

	return s
}

func (s *sessions) create() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.m) >= s.max {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, s.max)
	}

	ctrl, shutdown := s.newSession()
	now := time.Now()
	sess := &session{
		id:         ulid.Make().String(),
		ctrl:       ctrl,
		shutdown:   shutdown,
		createdAt:  now,
		lastUsedAt: now,
	}
	s.m[sess.id] = sess
	metrics.OpenSessions.Set(float64(len(s.m)))

	rlog.Debugf("session %q is created", sess.id)

	return sess, nil
}

func (s *sessions) get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.m[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.lastUsedAt = time.Now()
	return sess, nil
}

// openStream keeps the session alive until the returned function is called.
func (s *sessions) openStream(sess *session) (closeStream func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.streams++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			sess.streams--
			sess.lastUsedAt = time.Now()
		})
	}
}

// removeIdle removes sessions that were not used for idleTimeout before now. It returns
// the number of removed sessions.
func (s *sessions) removeIdle(now time.Time) int {
	s.mu.Lock()
	var ids []string
	for id, sess := range s.m {
		if sess.streams == 0 && now.Sub(sess.lastUsedAt) >= s.idleTimeout {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var removed int
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), idleSessionShutdownTimeout)
		err := s.remove(ctx, id)
		cancel()

		switch {
		case errors.Is(err, ErrSessionNotFound):
			// Removed by a client.
		case err != nil:
			rlog.Errorf("couldn't remove idle session: %s", err)
			removed++
		default:
			removed++
		}
	}
	if removed > 0 {
		rlog.Infof("%d idle session(s) are removed", removed)
	}
	return removed
}

// remove shuts the session down.
func (s *sessions) remove(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.m[id]
	delete(s.m, id)
	metrics.OpenSessions.Set(float64(len(s.m)))
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	rlog.Debugf("session %q is removed after %s", id, time.Since(sess.createdAt).Round(time.Second))

	if err := sess.shutdown(ctx); err != nil {
		return fmt.Errorf("couldn't shutdown session %q: %w", id, err)
	}
	return nil
}

// shutdownAll stops the removal of idle sessions and removes all sessions.
func (s *sessions) shutdownAll(ctx context.Context) error {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.remove(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
