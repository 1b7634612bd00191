package pager

import (
	"fmt"

	"github.com/a7comix/a7comix/a7comix"
)

type State int

const (
	Closed State = iota
	Loading
	Ready
	Navigating
	Error
)

var stateNames = [...]string{
	Closed:     "closed",
	Loading:    "loading",
	Ready:      "ready",
	Navigating: "navigating",
	Error:      "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the navigation state of a [Controller].
type Snapshot struct {
	State    State             `json:"state"`
	Document *a7comix.Document `json:"document,omitempty"`
	// Page is the index of the displayed page, -1 if no document is open.
	Page int          `json:"page"`
	Zoom a7comix.Zoom `json:"zoom"`
	// Pending is the index of the page being rendered for display.
	Pending *int `json:"pending,omitempty"`

	Err      error  `json:"-"`
	ErrorMsg string `json:"error,omitempty"`
}

// Event is sent to observers on every state transition. Rendered is set when a new page
// is displayed.
type Event struct {
	Snapshot

	Rendered *a7comix.RenderedPage `json:"-"`
}
