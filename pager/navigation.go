package pager

import (
	"context"

	"github.com/a7comix/a7comix/a7comix"
)

// Navigation is the result of a navigation command. It is finished when the target page
// is displayed, the navigation is superseded by a newer one, or the render fails.
type Navigation struct {
	key  a7comix.PageKey
	done chan struct{}
	err  error
}

func newNavigation(key a7comix.PageKey) *Navigation {
	return &Navigation{
		key:  key,
		done: make(chan struct{}),
	}
}

func newFinishedNavigation(key a7comix.PageKey, err error) *Navigation {
	n := newNavigation(key)
	n.finish(err)
	return n
}

// Key returns the target page.
func (n *Navigation) Key() a7comix.PageKey {
	return n.key
}

func (n *Navigation) Done() <-chan struct{} {
	return n.done
}

// Err must be called only after Done is closed.
func (n *Navigation) Err() error {
	return n.err
}

// Wait returns nil when the target page is displayed, [ErrSuperseded] when a newer navigation
// has won, or [*a7comix.RenderError] when the page can't be rendered.
func (n *Navigation) Wait(ctx context.Context) error {
	select {
	case <-n.done:
		return n.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Navigation) finish(err error) {
	n.err = err
	close(n.done)
}
