package render

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/a7comix/a7comixtest"
	"github.com/a7comix/a7comix/pkg/cache"
	"github.com/stretchr/testify/require"
)

const testDoc = a7comix.DocumentID("doc")

func newTestScheduler(t *testing.T, workers int, timeout time.Duration) (*Scheduler, *a7comixtest.Source, *cache.MemoryCache) {
	t.Helper()

	src := a7comixtest.NewSource()
	src.AddDocument(string(testDoc), 10)
	_, err := src.Open(context.Background(), string(testDoc))
	require.NoError(t, err)

	c := cache.NewMemoryCache(1 << 20)
	s := NewScheduler(src, c, workers, timeout)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, s.Shutdown(ctx))
	})
	return s, src, c
}

func key(index int) a7comix.PageKey {
	return a7comix.NewPageKey(testDoc, index, 1)
}

func waitStarted(t *testing.T, src *a7comixtest.Source, k a7comix.PageKey) {
	t.Helper()

	require.Eventually(t, func() bool {
		return src.Calls(k) > 0
	}, 5*time.Second, time.Millisecond, "render of %s is not started", k)
}

func wait(t *testing.T, task *Task) (*a7comix.RenderedPage, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task %s is not finished", task.Key())
	return page, err
}

func TestScheduler_Priority(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, src, c := newTestScheduler(t, 1, time.Minute)

	release := src.Hold(0)
	defer release()

	first := s.Submit(key(0), Foreground)
	waitStarted(t, src, key(0))

	tasks := []*Task{
		first,
		s.Submit(key(1), Background),
		s.Submit(key(2), Background),
		s.Submit(key(3), Foreground),
		s.Submit(key(4), Background),
		s.Submit(key(5), Foreground),
	}
	release()

	for _, task := range tasks {
		page, err := wait(t, task)
		r.NoError(err)
		r.Equal(task.Key(), page.Key)
		r.True(c.Contains(task.Key()))
	}
	r.Equal(
		[]a7comix.PageKey{key(0), key(3), key(5), key(1), key(2), key(4)},
		src.Started(),
	)
}

func TestScheduler_Deduplication(t *testing.T) {
	t.Parallel()

	t.Run("running background task", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, _ := newTestScheduler(t, 2, time.Minute)

		release := src.Hold(5)
		defer release()

		bg := s.Submit(key(5), Background)
		waitStarted(t, src, key(5))

		fg := s.Submit(key(5), Foreground)
		r.Same(bg, fg)

		release()

		page, err := wait(t, fg)
		r.NoError(err)
		r.Equal(5, page.Key.Index)
		r.Equal(1, src.Calls(key(5)))
	})

	t.Run("queued background task is upgraded", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, _ := newTestScheduler(t, 1, time.Minute)

		release := src.Hold(0)
		defer release()

		s.Submit(key(0), Foreground)
		waitStarted(t, src, key(0))

		bg1 := s.Submit(key(1), Background)
		bg2 := s.Submit(key(2), Background)
		r.Same(bg2, s.Submit(key(2), Foreground))

		release()

		_, err := wait(t, bg1)
		r.NoError(err)
		_, err = wait(t, bg2)
		r.NoError(err)

		r.Equal([]a7comix.PageKey{key(0), key(2), key(1)}, src.Started())
	})

	t.Run("different zooms", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, _ := newTestScheduler(t, 2, time.Minute)

		t1 := s.Submit(a7comix.NewPageKey(testDoc, 1, 1), Foreground)
		t2 := s.Submit(a7comix.NewPageKey(testDoc, 1, 2), Foreground)
		r.NotSame(t1, t2)

		page1, err := wait(t, t1)
		r.NoError(err)
		page2, err := wait(t, t2)
		r.NoError(err)
		r.Greater(page2.Cost, page1.Cost)
		r.Equal(2, src.TotalCalls())
	})
}

func TestScheduler_CancelBackground(t *testing.T) {
	t.Parallel()

	t.Run("queued", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, _ := newTestScheduler(t, 1, time.Minute)

		release := src.Hold(0)
		defer release()

		fg := s.Submit(key(0), Foreground)
		waitStarted(t, src, key(0))
		bg := s.Submit(key(1), Background)

		r.Equal(1, s.CancelBackground())

		_, err := wait(t, bg)
		r.ErrorIs(err, ErrTaskCanceled)

		release()

		_, err = wait(t, fg)
		r.NoError(err)
		r.Zero(src.Calls(key(1)))
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, c := newTestScheduler(t, 1, time.Minute)

		release := src.Hold(1)
		defer release()

		bg := s.Submit(key(1), Background)
		waitStarted(t, src, key(1))

		r.Equal(1, s.CancelBackground())
		release()

		_, err := wait(t, bg)
		r.ErrorIs(err, ErrTaskCanceled)
		r.False(c.Contains(key(1)))
	})

	t.Run("foreground tasks are not affected", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, c := newTestScheduler(t, 1, time.Minute)

		release := src.Hold(1)
		defer release()

		fg := s.Submit(key(1), Foreground)
		waitStarted(t, src, key(1))

		r.Zero(s.CancelBackground())
		release()

		_, err := wait(t, fg)
		r.NoError(err)
		r.True(c.Contains(key(1)))
	})

	t.Run("revive", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, c := newTestScheduler(t, 1, time.Minute)

		release := src.Hold(1)
		defer release()

		bg := s.Submit(key(1), Background)
		waitStarted(t, src, key(1))

		s.CancelBackground()
		fg := s.Submit(key(1), Foreground)
		r.Same(bg, fg)

		release()

		page, err := wait(t, fg)
		r.NoError(err)
		r.Equal(key(1), page.Key)
		r.True(c.Contains(key(1)))
		r.Equal(1, src.Calls(key(1)))
	})
}

func TestScheduler_CancelDocument(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, src, c := newTestScheduler(t, 1, time.Minute)

	release := src.Hold(0)
	defer release()

	running := s.Submit(key(0), Foreground)
	waitStarted(t, src, key(0))
	queued := s.Submit(key(1), Foreground)

	s.CancelDocument(testDoc)

	_, err := wait(t, queued)
	r.ErrorIs(err, ErrTaskCanceled)

	// A new request must not revive the task of the closed document.
	next := s.Submit(key(0), Foreground)
	r.NotSame(running, next)

	release()

	_, err = wait(t, running)
	r.ErrorIs(err, ErrTaskCanceled)

	page, err := wait(t, next)
	r.NoError(err)
	r.Equal(key(0), page.Key)
	r.True(c.Contains(key(0)))
	r.Zero(src.Calls(key(1)))
}

func TestScheduler_Errors(t *testing.T) {
	t.Parallel()

	t.Run("retry", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, _ := newTestScheduler(t, 1, time.Minute)
		src.Fail(3, 1, errors.New("broken page"))

		page, err := wait(t, s.Submit(key(3), Foreground))
		r.NoError(err)
		r.Equal(key(3), page.Key)
		r.Equal(2, src.Calls(key(3)))
	})

	t.Run("retry once", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, c := newTestScheduler(t, 1, time.Minute)
		src.Fail(3, -1, errors.New("broken page"))

		_, err := wait(t, s.Submit(key(3), Foreground))
		var renderErr *a7comix.RenderError
		r.ErrorAs(err, &renderErr)
		r.Equal(key(3), renderErr.Key)
		r.False(renderErr.Timeout())
		r.ErrorContains(err, "broken page")
		r.Equal(1, strings.Count(err.Error(), "couldn't render page"), err.Error())
		r.Equal(2, src.Calls(key(3)))
		r.False(c.Contains(key(3)))

		// Other pages are not affected.
		_, err = wait(t, s.Submit(key(4), Foreground))
		r.NoError(err)
	})

	t.Run("out of range", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, _ := newTestScheduler(t, 1, time.Minute)

		_, err := wait(t, s.Submit(key(10), Foreground))
		r.ErrorIs(err, a7comix.ErrPageOutOfRange)
		r.Equal(1, src.Calls(key(10)))
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		s, src, _ := newTestScheduler(t, 1, 20*time.Millisecond)

		release := src.Hold(2)
		defer release()

		_, err := wait(t, s.Submit(key(2), Foreground))
		r.ErrorIs(err, a7comix.ErrRenderTimeout)

		var renderErr *a7comix.RenderError
		r.ErrorAs(err, &renderErr)
		r.True(renderErr.Timeout())
		r.Equal(2, src.Calls(key(2)))

		// The error is logged as is, so it must name the page once.
		r.Equal(1, strings.Count(err.Error(), "couldn't render page"), err.Error())
	})
}

func TestScheduler_CachedPage(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, src, c := newTestScheduler(t, 1, time.Minute)

	page, err := wait(t, s.Submit(key(1), Foreground))
	r.NoError(err)

	// The page is already cached, it must not be rendered again.
	got, err := wait(t, s.Submit(key(1), Background))
	r.NoError(err)
	r.Same(page, got)
	r.Equal(1, src.Calls(key(1)))
	r.Equal(1, c.Stats().Len)
}

func TestScheduler_OversizedPage(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	src := a7comixtest.NewSource()
	src.AddDocument(string(testDoc), 10)
	_, err := src.Open(context.Background(), string(testDoc))
	r.NoError(err)

	// Pages at zoom 1 take 64 bytes, at zoom 2 - 256 bytes.
	c := cache.NewMemoryCache(100)
	s := NewScheduler(src, c, 1, time.Minute)
	defer func() {
		r.NoError(s.Shutdown(context.Background()))
	}()

	big := a7comix.NewPageKey(testDoc, 3, 2)

	// The first render is delivered, but not cached.
	page, err := wait(t, s.Submit(big, Background))
	r.NoError(err)
	r.NotNil(page)
	r.False(c.Contains(big))

	// Prefetching the page again is useless.
	_, err = wait(t, s.Submit(big, Background))
	r.ErrorIs(err, a7comix.ErrCacheOverflow)
	r.Equal(1, src.Calls(big))

	// The page is still rendered for display.
	page, err = wait(t, s.Submit(big, Foreground))
	r.NoError(err)
	r.Equal(big, page.Key)
	r.Equal(2, src.Calls(big))

	// Pages that fit are not affected.
	_, err = wait(t, s.Submit(key(3), Background))
	r.NoError(err)
	r.True(c.Contains(key(3)))

	// Records are dropped with the document.
	s.CancelDocument(testDoc)
	_, err = wait(t, s.Submit(big, Background))
	r.NoError(err)
	r.Equal(3, src.Calls(big))
}

func TestScheduler_Shutdown(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	src := a7comixtest.NewSource()
	src.AddDocument(string(testDoc), 10)
	_, err := src.Open(context.Background(), string(testDoc))
	r.NoError(err)

	s := NewScheduler(src, cache.NewMemoryCache(1<<20), 1, time.Minute)

	release := src.Hold(0)
	running := s.Submit(key(0), Foreground)
	waitStarted(t, src, key(0))
	queued := s.Submit(key(1), Background)

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		shutdownErr <- s.Shutdown(ctx)
	}()

	_, err = wait(t, queued)
	r.ErrorIs(err, ErrSchedulerStopped)

	release()
	r.NoError(<-shutdownErr)

	// Running tasks are finished.
	_, err = wait(t, running)
	r.NoError(err)

	_, err = wait(t, s.Submit(key(2), Foreground))
	r.ErrorIs(err, ErrSchedulerStopped)
}
