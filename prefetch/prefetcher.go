package prefetch

import (
	"sync"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pkg/metrics"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/a7comix/a7comix/render"
)

type Scheduler interface {
	Submit(key a7comix.PageKey, priority render.Priority) *render.Task
	CancelBackground() int
}

type Cache interface {
	Contains(key a7comix.PageKey) bool
}

// Prefetcher renders pages next to the current one in the background, so they are already
// cached when the reader gets to them.
type Prefetcher struct {
	scheduler Scheduler
	cache     Cache
	window    int

	mu sync.Mutex
	// pending is the last submitted window.
	pending []*render.Task
}

// New returns a prefetcher of the passed window size. A zero window disables prefetching.
func New(scheduler Scheduler, cache Cache, window int) *Prefetcher {
	return &Prefetcher{
		scheduler: scheduler,
		cache:     cache,
		window:    max(window, 0),
	}
}

// OnNavigate replaces the previous window with the pages after current in the passed direction.
func (p *Prefetcher) OnNavigate(doc a7comix.Document, current int, dir a7comix.Direction, zoom a7comix.Zoom) {
	p.CancelAll()

	keys := Window(doc, current, dir, zoom, p.window)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range keys {
		if p.cache.Contains(key) {
			continue
		}
		p.pending = append(p.pending, p.scheduler.Submit(key, render.Background))
		metrics.PrefetchRequests.Inc()
	}
	if len(p.pending) > 0 {
		rlog.Debugf("prefetch %d pages %s from %d of %q", len(p.pending), dir, current, doc.ID)
	}
}

// CancelAll cancels all background renders. Results of running renders are discarded.
func (p *Prefetcher) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = nil
	if n := p.scheduler.CancelBackground(); n > 0 {
		metrics.PrefetchCanceled.Add(float64(n))
		rlog.Debugf("%d prefetch renders were canceled", n)
	}
}

// pendingTasks returns tasks of the current window.
func (p *Prefetcher) pendingTasks() []*render.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*render.Task(nil), p.pending...)
}

// Window returns keys of up to size pages after current in the passed direction. Pages
// out of the document are skipped.
func Window(doc a7comix.Document, current int, dir a7comix.Direction, zoom a7comix.Zoom, size int) []a7comix.PageKey {
	step := 1
	if dir == a7comix.Backward {
		step = -1
	}

	var res []a7comix.PageKey
	for i := 1; i <= size; i++ {
		index := current + i*step
		if index < 0 || index >= doc.PageCount {
			break
		}
		res = append(res, a7comix.NewPageKey(doc.ID, index, zoom))
	}
	return res
}
