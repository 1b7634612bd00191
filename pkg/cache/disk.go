package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pkg/metrics"
)

// DiskCache keeps encoded page renders on disk. Use [Cleaner] to control the total size.
type DiskCache struct {
	absDir string
	ext    string
}

func NewDiskCache(dir string, ext string) (*DiskCache, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	return &DiskCache{
		absDir: absDir,
		ext:    ext,
	}, nil
}

func (c *DiskCache) Dir() string {
	return c.absDir
}

// Open return an [io.ReadCloser] with cache content. If the page is not cached, it returns [a7comix.ErrCacheMiss].
func (c *DiskCache) Open(key a7comix.PageKey) (io.ReadCloser, error) {
	path := c.generateFilepath(key)

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.DiskCacheMisses.Inc()
			return nil, a7comix.ErrCacheMiss
		}

		metrics.DiskCacheErrors.Inc()
		return nil, err
	}

	metrics.DiskCacheHits.Inc()
	return file, nil
}

// Write copies the content of the passed [io.Reader] to the cache file associated with [a7comix.PageKey].
// The content is written to a temporary file first, so readers never see a partially written file.
func (c *DiskCache) Write(key a7comix.PageKey, r io.Reader) (err error) {
	path := c.generateFilepath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("couldn't create dir %q: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("couldn't create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("couldn't write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("couldn't close file: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("couldn't rename temp file: %w", err)
	}
	return nil
}

// Remove removes the cache file associated with passed [a7comix.PageKey]. To remove
// cache files over time use [Cleaner], cache files should be manually removed only
// in case of an error.
func (c *DiskCache) Remove(key a7comix.PageKey) error {
	return os.Remove(c.generateFilepath(key))
}

// generateFilepath generates a filepath of pattern '<dir>/<id[:2]>/<id>/<index>_<zoom><ext>'.
func (c *DiskCache) generateFilepath(key a7comix.PageKey) string {
	doc := string(key.Doc)

	subdir := "_"
	if len(doc) >= 2 {
		subdir = doc[:2]
	}
	filename := strconv.Itoa(key.Index) + "_" + key.Zoom.String() + c.ext

	return filepath.Join(c.absDir, subdir, filepath.Base(doc), filename)
}
