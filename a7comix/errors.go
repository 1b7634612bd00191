package a7comix

import (
	"errors"
	"fmt"
)

var (
	ErrCacheMiss      = errors.New("cache miss")
	ErrCacheOverflow  = errors.New("page cost exceeds cache budget")
	ErrRenderTimeout  = errors.New("render timeout")
	ErrDocumentClosed = errors.New("document is closed")
	ErrPageOutOfRange = errors.New("page index out of range")
)

// LoadError is returned when a document can't be opened. The document should be opened again
// to recover.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("couldn't load %q: %s", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// RenderError is returned when a single page can't be rendered. It doesn't affect
// other pages of the document.
type RenderError struct {
	Key PageKey
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("couldn't render page %s: %s", e.Key, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the render was aborted because it took too long.
func (e *RenderError) Timeout() bool {
	return errors.Is(e.Err, ErrRenderTimeout)
}
