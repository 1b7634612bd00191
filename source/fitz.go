package source

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// fitzDecoder renders PDF, XPS, EPUB and FB2 documents with MuPDF.
type fitzDecoder struct {
	mu        sync.Mutex
	doc       *fitz.Document
	title     string
	pageCount int
	dpi       float64
}

func openFitz(path string, dpi float64) (*fitzDecoder, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open document: %w", err)
	}

	return &fitzDecoder{
		doc:       doc,
		title:     strings.TrimSpace(doc.Metadata()["title"]),
		pageCount: doc.NumPage(),
		dpi:       dpi,
	}, nil
}

func (d *fitzDecoder) Title() string {
	return d.title
}

func (d *fitzDecoder) PageCount() int {
	return d.pageCount
}

func (d *fitzDecoder) RenderPage(ctx context.Context, index int, scale float64) (image.Image, error) {
	// MuPDF context is not safe for concurrent use.
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := d.doc.ImageDPI(index, d.dpi*scale)
	if err != nil {
		return nil, fmt.Errorf("couldn't render page %d: %w", index, err)
	}
	return img, nil
}

func (d *fitzDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doc.Close()
}
