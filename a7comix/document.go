package a7comix

import (
	"context"
	"fmt"
	"image"
	"math"
	"strconv"
)

// DocumentID identifies an opened document. It is derived from the document source,
// so the same unchanged file always gets the same id.
type DocumentID string

type Document struct {
	ID        DocumentID `json:"id"`
	Source    string     `json:"source"`
	Title     string     `json:"title,omitempty"`
	PageCount int        `json:"page_count"`
}

// Zoom is a render scale. Only the values of [SupportedZooms] are valid, use [QuantizeZoom]
// to convert an arbitrary scale.
type Zoom float64

const DefaultZoom Zoom = 1

// SupportedZooms is sorted in ascending order.
var SupportedZooms = [...]Zoom{0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 3, 4}

// QuantizeZoom returns the supported zoom closest to z. Ties go to the smaller zoom.
// Non-positive values and NaN are converted to [DefaultZoom].
func QuantizeZoom(z float64) Zoom {
	if math.IsNaN(z) || z <= 0 {
		return DefaultZoom
	}
	if last := SupportedZooms[len(SupportedZooms)-1]; z >= float64(last) {
		return last
	}

	res := SupportedZooms[0]
	minDiff := math.Abs(z - float64(res))
	for _, v := range SupportedZooms[1:] {
		if diff := math.Abs(z - float64(v)); diff < minDiff {
			res = v
			minDiff = diff
		}
	}
	return res
}

func (z Zoom) String() string {
	return strconv.FormatFloat(float64(z), 'f', -1, 64)
}

func (z Zoom) MarshalText() (text []byte, err error) {
	return []byte(z.String()), nil
}

func (z *Zoom) UnmarshalText(text []byte) error {
	v, err := strconv.ParseFloat(string(text), 64)
	if err != nil {
		return fmt.Errorf("invalid zoom: %w", err)
	}
	if v <= 0 {
		return fmt.Errorf("zoom must be > 0, got %s", text)
	}
	*z = QuantizeZoom(v)
	return nil
}

// PageKey identifies a page rendered at a specific zoom.
type PageKey struct {
	Doc   DocumentID
	Index int
	Zoom  Zoom
}

func NewPageKey(doc DocumentID, index int, zoom Zoom) PageKey {
	return PageKey{
		Doc:   doc,
		Index: index,
		Zoom:  QuantizeZoom(float64(zoom)),
	}
}

func (k PageKey) String() string {
	return fmt.Sprintf("%s/%d@%s", k.Doc, k.Index, k.Zoom)
}

// RenderedPage is a decoded page bitmap. Cost is an approximate memory cost in bytes.
type RenderedPage struct {
	Key   PageKey
	Image image.Image
	Cost  int64
}

func NewRenderedPage(key PageKey, img image.Image) *RenderedPage {
	return &RenderedPage{
		Key:   key,
		Image: img,
		Cost:  ImageCost(img),
	}
}

// ImageCost returns the size of an RGBA buffer of the image bounds.
func ImageCost(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// DocumentSource is a wrapper over a document decoder. Render can be called concurrently.
type DocumentSource interface {
	// Open opens a new document and closes the previous one. It returns [*LoadError]
	// if the document can't be opened.
	Open(ctx context.Context, source string) (Document, error)
	// Render renders a page of the open document. It returns [*RenderError] on failure.
	Render(ctx context.Context, key PageKey) (*RenderedPage, error)
	// Close releases the open document. It is safe to call Close multiple times.
	Close() error
}
