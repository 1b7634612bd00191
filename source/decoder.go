package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"slices"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported document format")

// Decoder decodes pages of a single document. RenderPage can be called concurrently.
type Decoder interface {
	// Title returns the document title from its metadata. It can be empty.
	Title() string
	PageCount() int
	// RenderPage renders the page with the passed scale, 1 is the natural page size.
	RenderPage(ctx context.Context, index int, scale float64) (image.Image, error)
	Close() error
}

type OpenFunc func(path string) (Decoder, error)

var (
	fitzExts    = []string{".pdf", ".xps", ".oxps", ".epub", ".fb2"}
	archiveExts = []string{".cbz", ".zip"}
)

// SupportedExts returns extensions of all supported document formats.
func SupportedExts() []string {
	return append(append([]string(nil), fitzExts...), archiveExts...)
}

// NewOpenFunc returns an [OpenFunc] that chooses a decoder by the file extension.
// Documents like PDF are rendered at renderDPI for zoom 1.
func NewOpenFunc(renderDPI float64) OpenFunc {
	return func(path string) (Decoder, error) {
		ext := strings.ToLower(filepath.Ext(path))

		var (
			d   Decoder
			err error
		)
		switch {
		case slices.Contains(fitzExts, ext):
			d, err = openFitz(path, renderDPI)
		case slices.Contains(archiveExts, ext):
			d, err = openArchive(path)
		default:
			err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
		}
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}
