package render

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pkg/metrics"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrTaskCanceled     = errors.New("render task is canceled")
	ErrSchedulerStopped = errors.New("render scheduler is stopped")
)

// maxAttempts is the number of render attempts before a [a7comix.RenderError] is returned.
const maxAttempts = 2

type Cache interface {
	Peek(key a7comix.PageKey) (*a7comix.RenderedPage, bool)
	Put(page *a7comix.RenderedPage) error
}

// Scheduler renders pages with a fixed number of workers. Foreground tasks are always
// started before background ones. Requests of the same page share a single task.
type Scheduler struct {
	source        a7comix.DocumentSource
	cache         Cache
	workersCount  int
	renderTimeout time.Duration

	mu   sync.Mutex
	cond *sync.Cond
	// queues are indexed by [Priority].
	queues  [2][]*Task
	tasks   map[a7comix.PageKey]*Task
	stopped bool
	// oversized pages can't be cached, so background renders of them are useless.
	oversized map[a7comix.PageKey]struct{}

	workersDoneCh chan struct{}
}

func NewScheduler(
	source a7comix.DocumentSource, cache Cache, workersCount int, renderTimeout time.Duration,
) *Scheduler {

	s := &Scheduler{
		source:        source,
		cache:         cache,
		workersCount:  workersCount,
		renderTimeout: renderTimeout,
		//
		tasks:     make(map[a7comix.PageKey]*Task),
		oversized: make(map[a7comix.PageKey]struct{}),
		//
		workersDoneCh: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.startWorkers()

	return s
}

// Submit requests a page render. If the page is already queued or rendering, the existing
// task is returned: its priority is raised if needed, and a canceled task is revived.
// Background requests of pages that exceed the cache budget fail with [a7comix.ErrCacheOverflow].
func (s *Scheduler) Submit(key a7comix.PageKey, priority Priority) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return newFinishedTask(key, ErrSchedulerStopped)
	}
	if _, ok := s.oversized[key]; ok && priority == Background {
		return newFinishedTask(key, fmt.Errorf("%w: page %s", a7comix.ErrCacheOverflow, key))
	}

	if t, ok := s.tasks[key]; ok && !t.dropped {
		t.canceled = false
		if priority > t.priority {
			if !t.running {
				s.queues[t.priority] = slices.DeleteFunc(s.queues[t.priority], func(v *Task) bool { return v == t })
				s.queues[priority] = append(s.queues[priority], t)
			}
			t.priority = priority
			s.updateQueueMetrics()
		}
		return t
	}

	t := newTask(key, priority)
	s.tasks[key] = t
	s.queues[priority] = append(s.queues[priority], t)
	s.updateQueueMetrics()
	s.cond.Signal()

	return t
}

// CancelBackground cancels all background tasks. Queued tasks are finished immediately,
// results of running ones are discarded. It returns the number of canceled tasks.
func (s *Scheduler) CancelBackground() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	canceled := len(s.queues[Background])
	for _, t := range s.queues[Background] {
		s.finishTask(t, nil, ErrTaskCanceled)
	}
	s.queues[Background] = nil

	for _, t := range s.tasks {
		if t.running && t.priority == Background && !t.canceled {
			t.canceled = true
			canceled++
		}
	}
	s.updateQueueMetrics()

	return canceled
}

// CancelDocument cancels all tasks of the document regardless of their priority.
// Running tasks can't be revived: a new request of the same page starts a new task.
func (s *Scheduler) CancelDocument(doc a7comix.DocumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.queues {
		s.queues[p] = slices.DeleteFunc(s.queues[p], func(t *Task) bool {
			if t.key.Doc != doc {
				return false
			}
			s.finishTask(t, nil, ErrTaskCanceled)
			return true
		})
	}
	for _, t := range s.tasks {
		if t.running && t.key.Doc == doc {
			t.dropped = true
		}
	}
	for key := range s.oversized {
		if key.Doc == doc {
			delete(s.oversized, key)
		}
	}
	s.updateQueueMetrics()
}

// Shutdown finishes queued tasks with [ErrSchedulerStopped] and waits for running ones.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for p := range s.queues {
		for _, t := range s.queues[p] {
			s.finishTask(t, nil, ErrSchedulerStopped)
		}
		s.queues[p] = nil
	}
	s.updateQueueMetrics()
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.workersDoneCh:
		return nil
	}
}

func (s *Scheduler) startWorkers() {
	var wg sync.WaitGroup
	for range s.workersCount {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				t, ok := s.next()
				if !ok {
					return
				}
				s.runTask(t)
			}
		}()
	}
	wg.Wait()

	close(s.workersDoneCh)
}

// next blocks until there is a task to run. It returns false when the scheduler is stopped.
func (s *Scheduler) next() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.stopped && len(s.queues[Foreground]) == 0 && len(s.queues[Background]) == 0 {
		s.cond.Wait()
	}
	if s.stopped {
		return nil, false
	}

	p := Foreground
	if len(s.queues[Foreground]) == 0 {
		p = Background
	}
	t := s.queues[p][0]
	s.queues[p][0] = nil
	s.queues[p] = s.queues[p][1:]

	t.running = true
	s.updateQueueMetrics()

	return t, true
}

func (s *Scheduler) runTask(t *Task) {
	now := time.Now()
	page, err := s.process(t)
	dur := time.Since(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	priority := t.priority
	if t.canceled || t.dropped {
		rlog.Debugf("discard result of canceled render of %s", t.key)
		s.finishTask(t, nil, ErrTaskCanceled)
		return
	}

	switch {
	case err != nil:
		kind := "decode"
		var renderErr *a7comix.RenderError
		if errors.As(err, &renderErr) && renderErr.Timeout() {
			kind = "timeout"
		}
		metrics.RenderErrors.With(prometheus.Labels{"kind": kind}).Inc()
		rlog.Error(err)

	case page != nil:
		metrics.RenderDuration.With(prometheus.Labels{"priority": priority.String()}).Observe(dur.Seconds())

		// The cache is updated under the scheduler lock, so canceled results never get there.
		if putErr := s.cache.Put(page); putErr != nil {
			rlog.Warnf("page was rendered, but not cached: %s", putErr)
			if errors.Is(putErr, a7comix.ErrCacheOverflow) {
				s.oversized[t.key] = struct{}{}
			}
		}
	}

	s.finishTask(t, page, err)
}

// process returns a cached page or renders a new one.
func (s *Scheduler) process(t *Task) (*a7comix.RenderedPage, error) {
	if page, ok := s.cache.Peek(t.key); ok {
		return page, nil
	}

	for attempt := 1; ; attempt++ {
		page, err := s.render(t.key)
		if err == nil {
			metrics.RenderPageSizes.Observe(float64(page.Cost))
			return page, nil
		}
		if attempt >= maxAttempts || !isRetryable(err) || s.isCanceled(t) {
			return nil, err
		}

		metrics.RenderRetries.Inc()
		rlog.Debugf("retry render of %s after error: %s", t.key, err)
	}
}

func (s *Scheduler) render(key a7comix.PageKey) (*a7comix.RenderedPage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.renderTimeout)
	defer cancel()

	type result struct {
		page *a7comix.RenderedPage
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		page, err := s.source.Render(ctx, key)
		resCh <- result{page, err}
	}()

	timeoutErr := func() error {
		return &a7comix.RenderError{
			Key: key,
			Err: fmt.Errorf("%w: no result after %s", a7comix.ErrRenderTimeout, s.renderTimeout),
		}
	}

	select {
	case res := <-resCh:
		switch {
		case res.err == nil:
			return res.page, nil
		case errors.Is(res.err, context.DeadlineExceeded):
			return nil, timeoutErr()
		}

		var renderErr *a7comix.RenderError
		if errors.As(res.err, &renderErr) {
			return nil, res.err
		}
		return nil, &a7comix.RenderError{Key: key, Err: res.err}

	case <-ctx.Done():
		return nil, timeoutErr()
	}
}

func (s *Scheduler) isCanceled(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return t.canceled || t.dropped
}

// finishTask must be called with s.mu held.
func (s *Scheduler) finishTask(t *Task, page *a7comix.RenderedPage, err error) {
	if s.tasks[t.key] == t {
		delete(s.tasks, t.key)
	}
	t.finish(page, err)
}

// updateQueueMetrics must be called with s.mu held.
func (s *Scheduler) updateQueueMetrics() {
	for _, p := range []Priority{Foreground, Background} {
		metrics.RenderQueueLength.With(prometheus.Labels{"priority": p.String()}).Set(float64(len(s.queues[p])))
	}
}

// isRetryable reports whether another render attempt can succeed.
func isRetryable(err error) bool {
	return !errors.Is(err, a7comix.ErrPageOutOfRange) && !errors.Is(err, a7comix.ErrDocumentClosed)
}
