package pager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/a7comix/a7comixtest"
	"github.com/a7comix/a7comix/pkg/cache"
	"github.com/a7comix/a7comix/prefetch"
	"github.com/a7comix/a7comix/render"
	"github.com/stretchr/testify/require"
)

const (
	testDoc     = "comic.pdf"
	testDocID   = a7comix.DocumentID(testDoc)
	testPageCnt = 10
)

type testEnv struct {
	c     *Controller
	src   *a7comixtest.Source
	cache *cache.MemoryCache
	rec   *recorder
}

func newTestController(t *testing.T, prefetchWindow int) testEnv {
	t.Helper()

	src := a7comixtest.NewSource()
	src.AddDocument(testDoc, testPageCnt)
	src.AddDocument("other.cbz", 3)

	c := cache.NewMemoryCache(1 << 20)
	s := render.NewScheduler(src, c, 2, time.Minute)
	p := prefetch.New(s, c, prefetchWindow)
	ctrl := NewController(src, c, s, p, 1)

	rec := &recorder{}
	ctrl.Subscribe(rec.record)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, ctrl.Shutdown(ctx))
		require.NoError(t, s.Shutdown(ctx))
	})

	return testEnv{c: ctrl, src: src, cache: c, rec: rec}
}

func (env testEnv) open(t *testing.T) {
	t.Helper()

	require.NoError(t, env.c.Open(context.Background(), testDoc))
	require.NoError(t, wait(t, env.c.Goto(0)))
}

func wait(t *testing.T, nav *Navigation) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := nav.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "navigation to %s is not finished", nav.Key())
	return err
}

func key(index int, zoom a7comix.Zoom) a7comix.PageKey {
	return a7comix.NewPageKey(testDocID, index, zoom)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// RenderedPages returns indexes of displayed pages in the order of events.
func (r *recorder) RenderedPages() []int {
	var res []int
	for _, e := range r.Events() {
		if e.Rendered != nil {
			res = append(res, e.Rendered.Key.Index)
		}
	}
	return res
}

func TestController_Open(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)

	state := env.c.State()
	r.Equal(Closed, state.State)
	r.Equal(-1, state.Page)
	r.Nil(state.Document)

	env.open(t)

	state = env.c.State()
	r.Equal(Ready, state.State)
	r.Equal(0, state.Page)
	r.Equal(a7comix.Zoom(1), state.Zoom)
	r.Nil(state.Pending)
	r.NoError(state.Err)
	r.Equal(testDocID, state.Document.ID)
	r.Equal(testPageCnt, state.Document.PageCount)

	page, ok := env.c.Displayed()
	r.True(ok)
	r.Equal(key(0, 1), page.Key)

	r.Eventually(func() bool {
		return len(env.rec.Events()) == 4
	}, 5*time.Second, time.Millisecond)

	var states []State
	for _, e := range env.rec.Events() {
		states = append(states, e.State)
	}
	r.Equal([]State{Loading, Ready, Navigating, Ready}, states)
	r.Equal([]int{0}, env.rec.RenderedPages())
}

func TestController_OpenError(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)

	err := env.c.Open(context.Background(), "missing.pdf")
	var loadErr *a7comix.LoadError
	r.ErrorAs(err, &loadErr)
	r.Equal("missing.pdf", loadErr.Source)

	state := env.c.State()
	r.Equal(Error, state.State)
	r.ErrorAs(state.Err, &loadErr)
	r.Contains(state.ErrorMsg, "missing.pdf")

	r.ErrorIs(wait(t, env.c.Goto(1)), ErrNotReady)
	r.ErrorIs(wait(t, env.c.Next()), ErrNotReady)

	// Recover with a new document.
	env.open(t)
	r.Equal(Ready, env.c.State().State)
}

func TestController_GotoEveryPage(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 2)
	env.open(t)

	for _, i := range []int{0, 5, 1, 9, 2, 8, 3, 7, 4, 6} {
		r.NoError(wait(t, env.c.Goto(i)))

		page, ok := env.c.Displayed()
		r.True(ok)
		r.Equal(i, page.Key.Index)
		r.Equal(i, env.c.State().Page)
	}
}

func TestController_GotoClamp(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	nav := env.c.Goto(100)
	r.Equal(key(testPageCnt-1, 1), nav.Key())
	r.NoError(wait(t, nav))
	r.Equal(testPageCnt-1, env.c.State().Page)

	nav = env.c.Goto(-5)
	r.Equal(key(0, 1), nav.Key())
	r.NoError(wait(t, nav))
	r.Equal(0, env.c.State().Page)
}

func TestController_GotoCurrent(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	r.NoError(wait(t, env.c.Goto(3)))
	calls := env.src.TotalCalls()

	r.NoError(wait(t, env.c.Goto(3)))
	r.Equal(calls, env.src.TotalCalls())
	r.Equal(3, env.c.State().Page)
}

func TestController_LastNavigationWins(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	release := env.src.Hold(3)
	defer release()

	nav3 := env.c.Goto(3)
	nav7 := env.c.Goto(7)

	r.ErrorIs(wait(t, nav3), ErrSuperseded)
	r.NoError(wait(t, nav7))
	r.Equal(7, env.c.State().Page)

	release()

	// The superseded render is still cached, but never displayed.
	r.Eventually(func() bool {
		return env.cache.Contains(key(3, 1))
	}, 5*time.Second, time.Millisecond)

	r.Equal(7, env.c.State().Page)
	page, _ := env.c.Displayed()
	r.Equal(7, page.Key.Index)

	r.Eventually(func() bool {
		pages := env.rec.RenderedPages()
		return len(pages) > 0 && pages[len(pages)-1] == 7
	}, 5*time.Second, time.Millisecond)
	r.NotContains(env.rec.RenderedPages(), 3)
}

func TestController_PrefetchSuppression(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 3)
	env.open(t)

	release := env.src.Hold(5)
	defer release()

	// Pages 5, 6, 7 are prefetched after the navigation.
	r.NoError(wait(t, env.c.Goto(4)))
	r.Eventually(func() bool {
		return env.src.Calls(key(5, 1)) > 0
	}, 5*time.Second, time.Millisecond)

	nav := env.c.Goto(5)
	release()

	r.NoError(wait(t, nav))
	r.Equal(5, env.c.State().Page)
	r.Equal(1, env.src.Calls(key(5, 1)))
}

func TestController_Next(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 3)
	env.open(t)

	for i := 1; i < testPageCnt; i++ {
		r.NoError(wait(t, env.c.Next()))
		r.Equal(i, env.c.State().Page)
	}

	calls := env.src.TotalCalls()
	nav := env.c.Next()
	r.NoError(wait(t, nav))
	r.Equal(key(testPageCnt-1, 1), nav.Key())
	r.Equal(testPageCnt-1, env.c.State().Page)
	r.Equal(calls, env.src.TotalCalls())

	for i := testPageCnt - 2; i >= 0; i-- {
		r.NoError(wait(t, env.c.Previous()))
		r.Equal(i, env.c.State().Page)
	}

	nav = env.c.Previous()
	r.NoError(wait(t, nav))
	r.Equal(0, env.c.State().Page)
}

func TestController_RapidNext(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	var releases []func()
	for i := 1; i <= 3; i++ {
		release := env.src.Hold(i)
		defer release()
		releases = append(releases, release)
	}

	nav1 := env.c.Next()
	nav2 := env.c.Next()
	nav3 := env.c.Next()
	r.Equal(1, nav1.Key().Index)
	r.Equal(2, nav2.Key().Index)
	r.Equal(3, nav3.Key().Index)

	state := env.c.State()
	r.Equal(Navigating, state.State)
	r.Equal(0, state.Page)
	r.Equal(3, *state.Pending)

	for _, release := range releases {
		release()
	}

	r.NoError(wait(t, nav3))
	r.ErrorIs(wait(t, nav1), ErrSuperseded)
	r.ErrorIs(wait(t, nav2), ErrSuperseded)
	r.Equal(3, env.c.State().Page)
}

func TestController_SetZoom(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	r.NoError(wait(t, env.c.Goto(4)))
	r.True(env.cache.Contains(key(4, 1)))

	nav := env.c.SetZoom(2)
	r.Equal(key(4, 2), nav.Key())
	r.NoError(wait(t, nav))

	r.Equal(1, env.src.Calls(key(4, 2)))
	page, _ := env.c.Displayed()
	r.Equal(key(4, 2), page.Key)

	state := env.c.State()
	r.Equal(4, state.Page)
	r.Equal(a7comix.Zoom(2), state.Zoom)

	// The same zoom is a no-op.
	calls := env.src.TotalCalls()
	r.NoError(wait(t, env.c.SetZoom(2.1)))
	r.Equal(calls, env.src.TotalCalls())

	// Next pages are rendered at the new zoom.
	r.NoError(wait(t, env.c.Next()))
	page, _ = env.c.Displayed()
	r.Equal(key(5, 2), page.Key)

	// The previous zoom is still cached.
	r.NoError(wait(t, env.c.SetZoom(1)))
	r.NoError(wait(t, env.c.Goto(4)))
	r.Equal(1, env.src.Calls(key(4, 1)))
}

func TestController_RenderError(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	r.NoError(wait(t, env.c.Goto(2)))

	env.src.Fail(3, -1, errors.New("corrupted page"))

	err := wait(t, env.c.Goto(3))
	var renderErr *a7comix.RenderError
	r.ErrorAs(err, &renderErr)
	r.Equal(key(3, 1), renderErr.Key)

	// The last good page is still displayed.
	state := env.c.State()
	r.Equal(Error, state.State)
	r.Equal(2, state.Page)
	r.Contains(state.ErrorMsg, "corrupted page")
	r.Equal(testDocID, state.Document.ID)
	page, _ := env.c.Displayed()
	r.Equal(2, page.Key.Index)

	env.src.Fail(3, 0, nil)

	r.NoError(wait(t, env.c.Retry()))
	state = env.c.State()
	r.Equal(Ready, state.State)
	r.Equal(3, state.Page)
	r.NoError(state.Err)

	// Nothing to retry.
	calls := env.src.TotalCalls()
	r.NoError(wait(t, env.c.Retry()))
	r.Equal(calls, env.src.TotalCalls())
}

func TestController_RenderErrorNavigation(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	env.src.Fail(1, -1, errors.New("corrupted page"))

	r.Error(wait(t, env.c.Next()))
	r.Equal(Error, env.c.State().State)

	// Navigation is allowed after a page error.
	r.NoError(wait(t, env.c.Goto(5)))
	r.Equal(Ready, env.c.State().State)
	r.Equal(5, env.c.State().Page)
}

func TestController_ReplaceDocument(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	r.NoError(wait(t, env.c.Goto(4)))

	release := env.src.Hold(6)
	defer release()

	nav := env.c.Goto(6)

	r.NoError(env.c.Open(context.Background(), "other.cbz"))
	r.ErrorIs(wait(t, nav), ErrSuperseded)
	r.NoError(wait(t, env.c.Goto(0)))

	release()

	state := env.c.State()
	r.Equal(a7comix.DocumentID("other.cbz"), state.Document.ID)
	r.Equal(0, state.Page)

	// Pages of the previous document are dropped and the canceled render is not cached.
	r.Never(func() bool {
		return env.cache.Contains(key(6, 1))
	}, 50*time.Millisecond, time.Millisecond)
	r.False(env.cache.Contains(key(4, 1)))
	r.True(env.cache.Contains(a7comix.NewPageKey("other.cbz", 0, 1)))

	r.NoError(wait(t, env.c.Goto(100)))
	r.Equal(2, env.c.State().Page)
}

func TestController_Close(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)
	env.open(t)

	r.NoError(env.c.Close())
	r.NoError(env.c.Close())
	r.Equal(1, env.src.ClosedCount())

	state := env.c.State()
	r.Equal(Closed, state.State)
	r.Equal(-1, state.Page)
	r.Nil(state.Document)
	r.Zero(env.cache.Stats().Len)

	_, ok := env.c.Displayed()
	r.False(ok)
	r.ErrorIs(wait(t, env.c.Goto(0)), ErrNotReady)
	r.ErrorIs(wait(t, env.c.Retry()), ErrNotReady)
}

func TestController_Subscribe(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	env := newTestController(t, 0)

	// Observers can call the controller.
	states := make(chan Snapshot, 100)
	unsubscribe := env.c.Subscribe(func(Event) {
		states <- env.c.State()
	})

	env.open(t)
	r.Eventually(func() bool {
		return len(states) == 4
	}, 5*time.Second, time.Millisecond)

	unsubscribe()
	unsubscribe()

	r.NoError(wait(t, env.c.Goto(1)))
	r.Eventually(func() bool {
		return len(env.rec.Events()) == 6
	}, 5*time.Second, time.Millisecond)
	r.Len(states, 4)
}
