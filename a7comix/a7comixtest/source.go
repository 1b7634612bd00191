// Package a7comixtest provides an in-memory [a7comix.DocumentSource] for tests.
package a7comixtest

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/a7comix/a7comix/a7comix"
)

// Source renders solid-color pages of documents registered with [Source.AddDocument].
// Renders of held pages block until released, so tests can control the render order.
type Source struct {
	// PageSize is the size of a page at zoom 1.
	PageSize int

	mu       sync.Mutex
	docs     map[string]int
	open     *a7comix.Document
	closed   int
	calls    map[a7comix.PageKey]int
	started  []a7comix.PageKey
	held     map[int]chan struct{}
	failures map[int]failure
}

type failure struct {
	left int
	err  error
}

func NewSource() *Source {
	return &Source{
		PageSize: 4,
		docs:     make(map[string]int),
		calls:    make(map[a7comix.PageKey]int),
		held:     make(map[int]chan struct{}),
		failures: make(map[int]failure),
	}
}

// AddDocument registers a document with the passed number of pages. Its id is the source.
func (s *Source) AddDocument(source string, pageCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[source] = pageCount
}

func (s *Source) Open(_ context.Context, source string) (a7comix.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageCount, ok := s.docs[source]
	if !ok {
		return a7comix.Document{}, &a7comix.LoadError{Source: source, Err: os.ErrNotExist}
	}
	s.open = &a7comix.Document{
		ID:        a7comix.DocumentID(source),
		Source:    source,
		Title:     source,
		PageCount: pageCount,
	}
	return *s.open, nil
}

func (s *Source) Render(ctx context.Context, key a7comix.PageKey) (*a7comix.RenderedPage, error) {
	s.mu.Lock()
	s.calls[key]++
	s.started = append(s.started, key)
	holdCh := s.held[key.Index]
	s.mu.Unlock()

	if holdCh != nil {
		select {
		case <-holdCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.failures[key.Index]; ok && f.left != 0 {
		f.left--
		s.failures[key.Index] = f
		return nil, &a7comix.RenderError{Key: key, Err: f.err}
	}
	if s.open == nil || s.open.ID != key.Doc {
		return nil, &a7comix.RenderError{Key: key, Err: a7comix.ErrDocumentClosed}
	}
	if key.Index < 0 || key.Index >= s.open.PageCount {
		return nil, &a7comix.RenderError{
			Key: key,
			Err: fmt.Errorf("%w: %d not in [0, %d)", a7comix.ErrPageOutOfRange, key.Index, s.open.PageCount),
		}
	}

	size := max(1, int(float64(s.PageSize)*float64(key.Zoom)))
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = uint8(key.Index)
	}
	return a7comix.NewRenderedPage(key, img), nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open != nil {
		s.open = nil
		s.closed++
	}
	return nil
}

// Hold blocks renders of the page with the passed index (of any document and zoom) until
// the returned function is called.
func (s *Source) Hold(index int) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	s.held[index] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.held[index] == ch {
				delete(s.held, index)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Fail makes the next n renders of the page fail with err. Negative n means all renders.
func (s *Source) Fail(index int, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[index] = failure{left: n, err: err}
}

// Calls returns the number of Render calls for the key.
func (s *Source) Calls(key a7comix.PageKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[key]
}

// TotalCalls returns the number of all Render calls.
func (s *Source) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.started)
}

// Started returns keys in the order renders were started.
func (s *Source) Started() []a7comix.PageKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]a7comix.PageKey(nil), s.started...)
}

// ClosedCount returns how many times an open document was closed.
func (s *Source) ClosedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
