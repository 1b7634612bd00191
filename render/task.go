package render

import (
	"context"

	"github.com/a7comix/a7comix/a7comix"
)

type Priority int

const (
	Background Priority = iota
	Foreground
)

func (p Priority) String() string {
	if p == Foreground {
		return "foreground"
	}
	return "background"
}

// Task is a pending page render. The same task is shared by all requests of the same page.
type Task struct {
	key a7comix.PageKey

	// Fields below are guarded by Scheduler.mu.

	priority Priority
	running  bool
	// canceled tasks are finished with [ErrTaskCanceled] and their results are not cached.
	// A running canceled task can be revived by a new request for the same page.
	canceled bool
	// dropped is like canceled, but it can't be revived: the document was closed.
	dropped bool

	done chan struct{}
	page *a7comix.RenderedPage
	err  error
}

func newTask(key a7comix.PageKey, priority Priority) *Task {
	return &Task{
		key:      key,
		priority: priority,
		done:     make(chan struct{}),
	}
}

func newFinishedTask(key a7comix.PageKey, err error) *Task {
	t := newTask(key, Foreground)
	t.finish(nil, err)
	return t
}

func (t *Task) Key() a7comix.PageKey {
	return t.key
}

// Done is closed when the task is finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the render result. It must be called only after Done is closed.
func (t *Task) Result() (*a7comix.RenderedPage, error) {
	return t.page, t.err
}

// Wait waits for the task, but no longer than the context allows.
func (t *Task) Wait(ctx context.Context) (*a7comix.RenderedPage, error) {
	select {
	case <-t.done:
		return t.page, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) finish(page *a7comix.RenderedPage, err error) {
	t.page = page
	t.err = err
	close(t.done)
}
