package pager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pkg/metrics"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/a7comix/a7comix/render"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrSuperseded = errors.New("navigation is superseded by a newer one")
	ErrNotReady   = errors.New("no document is open")
)

type Cache interface {
	Get(key a7comix.PageKey) (*a7comix.RenderedPage, bool)
	Invalidate(doc a7comix.DocumentID) int
}

type Scheduler interface {
	Submit(key a7comix.PageKey, priority render.Priority) *render.Task
	CancelDocument(doc a7comix.DocumentID)
}

type Prefetcher interface {
	OnNavigate(doc a7comix.Document, current int, dir a7comix.Direction, zoom a7comix.Zoom)
	CancelAll()
}

// Controller owns the navigation state of a single viewer. All methods are safe for
// concurrent use. Navigation methods don't block: they return a [Navigation] that is
// finished when the page is displayed.
//
// The last navigation always wins: a render result is displayed only if no other navigation
// was issued after it.
type Controller struct {
	source     a7comix.DocumentSource
	cache      Cache
	scheduler  Scheduler
	prefetcher Prefetcher
	dispatcher *dispatcher

	// openMu serializes Open and Close calls.
	openMu sync.Mutex

	mu        sync.Mutex
	state     State
	doc       *a7comix.Document
	page      int
	zoom      a7comix.Zoom
	displayed *a7comix.RenderedPage
	target    *target
	token     uint64
	// failed is the page that couldn't be rendered, see [Controller.Retry].
	failed *a7comix.PageKey
	err    error
}

type target struct {
	key   a7comix.PageKey
	dir   a7comix.Direction
	token uint64
	nav   *Navigation
}

func NewController(
	source a7comix.DocumentSource, cache Cache, scheduler Scheduler, prefetcher Prefetcher,
	zoom a7comix.Zoom,
) *Controller {

	return &Controller{
		source:     source,
		cache:      cache,
		scheduler:  scheduler,
		prefetcher: prefetcher,
		dispatcher: newDispatcher(),
		//
		state: Closed,
		page:  -1,
		zoom:  a7comix.QuantizeZoom(float64(zoom)),
	}
}

// Open loads a new document and starts rendering of its first page. The previous document
// is closed, and all its renders are canceled. Open returns [*a7comix.LoadError] if the
// document can't be loaded.
func (c *Controller) Open(ctx context.Context, source string) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	c.dropDocument()
	c.setState(Loading)
	c.mu.Unlock()

	doc, err := c.source.Open(ctx, source)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		var loadErr *a7comix.LoadError
		if !errors.As(err, &loadErr) {
			err = &a7comix.LoadError{Source: source, Err: err}
		}
		metrics.DocumentLoadErrors.Inc()
		rlog.Errorf("couldn't open document: %s", err)

		c.err = err
		c.setState(Error)
		return err
	}

	rlog.Infof("document %q (%s) with %d pages is opened", doc.Title, doc.ID, doc.PageCount)

	c.doc = &doc
	c.page = 0
	c.setState(Ready)

	c.startNavigation(a7comix.NewPageKey(doc.ID, 0, c.zoom), a7comix.Forward)

	return nil
}

// Close closes the open document. It is safe to call Close multiple times.
func (c *Controller) Close() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.dropDocument()
	c.setState(Closed)
	c.mu.Unlock()

	if err := c.source.Close(); err != nil {
		return fmt.Errorf("couldn't close document: %w", err)
	}
	return nil
}

// Shutdown closes the document and stops event delivery. Queued events are delivered.
func (c *Controller) Shutdown(ctx context.Context) error {
	closeErr := c.Close()
	stopErr := c.dispatcher.stop(ctx)
	return errors.Join(closeErr, stopErr)
}

// Goto navigates to the page with the passed index. The index is clamped to the document
// page range. Navigation to the displayed page is a no-op.
func (c *Controller) Goto(index int) *Navigation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc == nil {
		return newFinishedNavigation(a7comix.PageKey{}, ErrNotReady)
	}
	_, zoom := c.base()
	return c.navigate(index, zoom)
}

// Next navigates to the page after the pending or the displayed one.
func (c *Controller) Next() *Navigation {
	return c.step(1)
}

// Previous navigates to the page before the pending or the displayed one.
func (c *Controller) Previous() *Navigation {
	return c.step(-1)
}

func (c *Controller) step(delta int) *Navigation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc == nil {
		return newFinishedNavigation(a7comix.PageKey{}, ErrNotReady)
	}
	index, zoom := c.base()
	return c.navigate(index+delta, zoom)
}

// SetZoom renders the pending or the displayed page at the new zoom. The zoom is quantized
// with [a7comix.QuantizeZoom].
func (c *Controller) SetZoom(zoom a7comix.Zoom) *Navigation {
	c.mu.Lock()
	defer c.mu.Unlock()

	zoom = a7comix.QuantizeZoom(float64(zoom))
	if c.doc == nil {
		// Will be used for the next document.
		c.zoom = zoom
		return newFinishedNavigation(a7comix.PageKey{}, ErrNotReady)
	}
	index, _ := c.base()
	return c.navigate(index, zoom)
}

// Retry renders the failed page again. If there is no failed page, it is a no-op.
func (c *Controller) Retry() *Navigation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc == nil {
		return newFinishedNavigation(a7comix.PageKey{}, ErrNotReady)
	}
	if c.failed == nil {
		return newFinishedNavigation(a7comix.NewPageKey(c.doc.ID, c.page, c.zoom), nil)
	}
	return c.startNavigation(*c.failed, a7comix.Forward)
}

// State returns the current navigation state.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshot()
}

// Displayed returns the displayed page.
func (c *Controller) Displayed() (*a7comix.RenderedPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.displayed, c.displayed != nil
}

// Subscribe registers an observer of state transitions. Events are delivered in order
// in a separate goroutine.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.dispatcher.subscribe(fn)
}

// base returns the page and zoom the relative navigation starts from.
//
// Must be called with c.mu held.
func (c *Controller) base() (int, a7comix.Zoom) {
	if c.target != nil {
		return c.target.key.Index, c.target.key.Zoom
	}
	return c.page, c.zoom
}

// navigate must be called with c.mu held.
func (c *Controller) navigate(index int, zoom a7comix.Zoom) *Navigation {
	index = max(0, min(index, c.doc.PageCount-1))
	key := a7comix.NewPageKey(c.doc.ID, index, zoom)

	if c.target != nil && c.target.key == key {
		return c.target.nav
	}
	if c.target == nil && c.state == Ready && index == c.page && key.Zoom == c.zoom {
		metrics.Navigations.With(prometheus.Labels{"result": "noop"}).Inc()
		return newFinishedNavigation(key, nil)
	}

	from, _ := c.base()
	dir := a7comix.Forward
	if index < from {
		dir = a7comix.Backward
	}
	return c.startNavigation(key, dir)
}

// startNavigation supersedes the pending navigation. The page is displayed immediately if
// it is cached, otherwise a foreground render is submitted.
//
// Must be called with c.mu held.
func (c *Controller) startNavigation(key a7comix.PageKey, dir a7comix.Direction) *Navigation {
	c.supersede()

	c.token++
	nav := newNavigation(key)

	if page, ok := c.cache.Get(key); ok {
		rlog.Debugf("page %s is cached", key)
		c.commit(page, dir)
		nav.finish(nil)
		return nav
	}

	// Submit goes first: a background render of the same page is upgraded and not canceled.
	task := c.scheduler.Submit(key, render.Foreground)

	// Stale prefetches must not delay the foreground render.
	c.prefetcher.CancelAll()

	c.target = &target{
		key:   key,
		dir:   dir,
		token: c.token,
		nav:   nav,
	}
	c.setState(Navigating)

	go c.waitRender(task, c.token)

	return nav
}

func (c *Controller) waitRender(task *render.Task, token uint64) {
	<-task.Done()
	page, err := task.Result()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.target == nil || c.target.token != token {
		// Superseded. The page is cached anyway.
		return
	}
	t := c.target
	c.target = nil

	if err != nil {
		var renderErr *a7comix.RenderError
		if !errors.As(err, &renderErr) {
			err = &a7comix.RenderError{Key: t.key, Err: err}
		}
		metrics.Navigations.With(prometheus.Labels{"result": "failed"}).Inc()

		c.failed = &t.key
		c.err = err
		c.setState(Error)
		t.nav.finish(err)
		return
	}

	c.commit(page, t.dir)
	t.nav.finish(nil)
}

// commit displays the page and starts prefetching of the next ones.
//
// Must be called with c.mu held.
func (c *Controller) commit(page *a7comix.RenderedPage, dir a7comix.Direction) {
	metrics.Navigations.With(prometheus.Labels{"result": "applied"}).Inc()

	c.page = page.Key.Index
	c.zoom = page.Key.Zoom
	c.displayed = page
	c.failed = nil
	c.err = nil
	c.state = Ready

	c.publish(page)

	c.prefetcher.OnNavigate(*c.doc, c.page, dir, c.zoom)
}

// supersede must be called with c.mu held.
func (c *Controller) supersede() {
	if c.target == nil {
		return
	}
	metrics.Navigations.With(prometheus.Labels{"result": "superseded"}).Inc()

	c.target.nav.finish(ErrSuperseded)
	c.target = nil
}

// dropDocument cancels all work of the open document and resets the navigation state.
//
// Must be called with c.mu held.
func (c *Controller) dropDocument() {
	c.supersede()
	c.token++

	if c.doc != nil {
		c.prefetcher.CancelAll()
		c.scheduler.CancelDocument(c.doc.ID)
		if n := c.cache.Invalidate(c.doc.ID); n > 0 {
			rlog.Debugf("%d cached pages of %q are dropped", n, c.doc.ID)
		}
	}

	c.doc = nil
	c.page = -1
	c.displayed = nil
	c.failed = nil
	c.err = nil
}

// setState must be called with c.mu held.
func (c *Controller) setState(state State) {
	c.state = state
	c.publish(nil)
}

// publish must be called with c.mu held, so events are queued in the commit order.
func (c *Controller) publish(rendered *a7comix.RenderedPage) {
	c.dispatcher.publish(Event{
		Snapshot: c.snapshot(),
		Rendered: rendered,
	})
}

// snapshot must be called with c.mu held.
func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		State: c.state,
		Page:  c.page,
		Zoom:  c.zoom,
		Err:   c.err,
	}
	if c.doc != nil {
		doc := *c.doc
		s.Document = &doc
	}
	if c.target != nil {
		pending := c.target.key.Index
		s.Pending = &pending
	}
	if c.err != nil {
		s.ErrorMsg = c.err.Error()
	}
	return s
}
