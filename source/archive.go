package source

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	pkgPath "path"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/maruel/natural"

	_ "golang.org/x/image/webp" // register webp decoder
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// archiveDecoder renders comic archives: every image is a page, pages are sorted by name
// in natural order ("2.jpg" goes before "10.jpg").
type archiveDecoder struct {
	r     *zip.ReadCloser
	pages []*zip.File
}

func openArchive(path string) (*archiveDecoder, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open archive: %w", err)
	}

	pages := archivePages(r.File)
	if len(pages) == 0 {
		r.Close()
		return nil, errors.New("archive has no images")
	}

	return &archiveDecoder{
		r:     r,
		pages: pages,
	}, nil
}

func archivePages(files []*zip.File) []*zip.File {
	var pages []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}

		name := f.Name
		if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(pkgPath.Base(name), ".") {
			continue
		}
		if !slices.Contains(imageExts, strings.ToLower(pkgPath.Ext(name))) {
			continue
		}
		pages = append(pages, f)
	}

	slices.SortFunc(pages, func(a, b *zip.File) int {
		switch {
		case natural.Less(a.Name, b.Name):
			return -1
		case natural.Less(b.Name, a.Name):
			return 1
		default:
			return 0
		}
	})
	return pages
}

// Title returns the archive comment.
func (d *archiveDecoder) Title() string {
	return strings.TrimSpace(d.r.Comment)
}

func (d *archiveDecoder) PageCount() int {
	return len(d.pages)
}

func (d *archiveDecoder) RenderPage(ctx context.Context, index int, scale float64) (image.Image, error) {
	if index < 0 || index >= len(d.pages) {
		return nil, fmt.Errorf("invalid page index %d", index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := d.pages[index]
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("couldn't open %q: %w", f.Name, err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("couldn't decode %q: %w", f.Name, err)
	}

	if scale != 1 {
		width := max(1, int(math.Round(float64(img.Bounds().Dx())*scale)))
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	return img, nil
}

func (d *archiveDecoder) Close() error {
	return d.r.Close()
}
