package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pkg/rlog"
)

// Source is an [a7comix.DocumentSource] of local files. Only one document can be open.
type Source struct {
	openFn OpenFunc

	mu      sync.Mutex
	current *openDecoder
}

// openDecoder is shared by the source and running renders. The decoder is closed when
// the last reference is released, so Close and Open never wait for a slow render.
type openDecoder struct {
	Decoder

	doc  a7comix.Document
	refs atomic.Int32
}

func newOpenDecoder(decoder Decoder, doc a7comix.Document) *openDecoder {
	d := &openDecoder{
		Decoder: decoder,
		doc:     doc,
	}
	d.refs.Store(1)
	return d
}

func (d *openDecoder) acquire() {
	d.refs.Add(1)
}

func (d *openDecoder) release() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}
	if err := d.Close(); err != nil {
		return fmt.Errorf("couldn't close decoder of %q: %w", d.doc.ID, err)
	}
	return nil
}

var _ a7comix.DocumentSource = (*Source)(nil)

// New returns a source that supports all formats of [SupportedExts].
func New(renderDPI float64) *Source {
	return NewWithOpenFunc(NewOpenFunc(renderDPI))
}

func NewWithOpenFunc(openFn OpenFunc) *Source {
	return &Source{
		openFn: openFn,
	}
}

func (s *Source) Open(ctx context.Context, source string) (a7comix.Document, error) {
	loadErr := func(err error) error {
		return &a7comix.LoadError{Source: source, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return a7comix.Document{}, loadErr(err)
	}

	path, err := filepath.Abs(source)
	if err != nil {
		return a7comix.Document{}, loadErr(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return a7comix.Document{}, loadErr(err)
	}
	if info.IsDir() {
		return a7comix.Document{}, loadErr(errors.New("source is a directory"))
	}

	decoder, err := s.openFn(path)
	if err != nil {
		return a7comix.Document{}, loadErr(err)
	}
	if decoder.PageCount() <= 0 {
		if err := decoder.Close(); err != nil {
			rlog.Warnf("couldn't close document without pages: %s", err)
		}
		return a7comix.Document{}, loadErr(errors.New("document has no pages"))
	}

	doc := a7comix.Document{
		ID:        NewDocumentID(path, info.ModTime(), info.Size()),
		Source:    path,
		Title:     decoder.Title(),
		PageCount: decoder.PageCount(),
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	s.mu.Lock()
	prev := s.current
	s.current = newOpenDecoder(decoder, doc)
	s.mu.Unlock()

	if prev != nil {
		if err := prev.release(); err != nil {
			rlog.Warnf("couldn't close previous document: %s", err)
		}
	}
	return doc, nil
}

// Render renders the page of the open document. The document can be closed or replaced
// during the render: its decoder is released after the last render.
func (s *Source) Render(ctx context.Context, key a7comix.PageKey) (*a7comix.RenderedPage, error) {
	d, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := d.release(); err != nil {
			rlog.Warnf("couldn't close document after render: %s", err)
		}
	}()

	img, err := d.RenderPage(ctx, key.Index, float64(key.Zoom))
	if err != nil {
		return nil, &a7comix.RenderError{Key: key, Err: err}
	}
	return a7comix.NewRenderedPage(key, img), nil
}

func (s *Source) acquire(key a7comix.PageKey) (*openDecoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(key); err != nil {
		return nil, err
	}
	s.current.acquire()
	return s.current, nil
}

// Check returns [*a7comix.RenderError] if the page doesn't belong to the open document.
func (s *Source) Check(key a7comix.PageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.check(key)
}

// check must be called with s.mu held.
func (s *Source) check(key a7comix.PageKey) error {
	if s.current == nil || s.current.doc.ID != key.Doc {
		return &a7comix.RenderError{Key: key, Err: a7comix.ErrDocumentClosed}
	}
	if pageCount := s.current.doc.PageCount; key.Index < 0 || key.Index >= pageCount {
		return &a7comix.RenderError{
			Key: key,
			Err: fmt.Errorf("%w: %d not in [0, %d)", a7comix.ErrPageOutOfRange, key.Index, pageCount),
		}
	}
	return nil
}

// Document returns the open document.
func (s *Source) Document() (a7comix.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return a7comix.Document{}, false
	}
	return s.current.doc, true
}

// Close closes the open document. If renders of the document are still running, the decoder
// is closed after them.
func (s *Source) Close() error {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	if prev == nil {
		return nil
	}
	return prev.release()
}
