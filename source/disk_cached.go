package source

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pkg/rlog"
)

type DiskCache interface {
	Open(key a7comix.PageKey) (io.ReadCloser, error)
	Write(key a7comix.PageKey, r io.Reader) error
	Remove(key a7comix.PageKey) error
}

// DiskCached saves rendered pages to a disk cache as PNG and uses them instead of rendering.
// Document ids change with the file, so cached pages never go stale.
type DiskCached struct {
	*Source

	cache   DiskCache
	encoder png.Encoder
}

func NewDiskCached(source *Source, cache DiskCache) *DiskCached {
	return &DiskCached{
		Source:  source,
		cache:   cache,
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

func (s *DiskCached) Render(ctx context.Context, key a7comix.PageKey) (*a7comix.RenderedPage, error) {
	if err := s.Source.Check(key); err != nil {
		return nil, err
	}
	if page, ok := s.load(key); ok {
		return page, nil
	}

	page, err := s.Source.Render(ctx, key)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := s.encoder.Encode(&buf, page.Image); err != nil {
		rlog.Warnf("couldn't encode page %s: %s", key, err)
		return page, nil
	}
	if err := s.cache.Write(key, &buf); err != nil {
		rlog.Warnf("couldn't save page %s to disk cache: %s", key, err)
	}
	return page, nil
}

func (s *DiskCached) load(key a7comix.PageKey) (*a7comix.RenderedPage, bool) {
	rc, err := s.cache.Open(key)
	if err != nil {
		if !errors.Is(err, a7comix.ErrCacheMiss) {
			rlog.Warnf("couldn't open cached page %s: %s", key, err)
		}
		return nil, false
	}
	defer rc.Close()

	img, err := png.Decode(rc)
	if err != nil {
		rlog.Warnf("cached page %s is corrupted, remove it: %s", key, err)
		if err := s.cache.Remove(key); err != nil {
			rlog.Warnf("couldn't remove cached page %s: %s", key, err)
		}
		return nil, false
	}

	rlog.Debugf("page %s is loaded from disk cache", key)
	return a7comix.NewRenderedPage(key, img), true
}
