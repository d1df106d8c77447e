// Package imaging decodes unmasked page bytes into bitmaps and scales them to
// a viewport.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned when the bytes do not match any registered
// image format. A wrong mask key also ends up here.
var ErrUnsupportedFormat = errors.New("imaging: unsupported image format")

// Decoder turns raw page bytes into an image. It satisfies the page store's
// bitmap decoder capability.
type Decoder struct {
	// MaxPixels rejects images whose width*height exceeds the limit before
	// decoding the pixel data. Zero disables the check.
	MaxPixels int
}

// DefaultMaxPixels bounds a single page to roughly 64 megapixels.
const DefaultMaxPixels = 64 << 20

// NewDecoder returns a Decoder with DefaultMaxPixels.
func NewDecoder() Decoder {
	return Decoder{MaxPixels: DefaultMaxPixels}
}

// Decode decodes data as PNG, JPEG, GIF, WebP, BMP or TIFF.
func (d Decoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedFormat)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedFormat
		}
		return nil, fmt.Errorf("imaging: read header: %w", err)
	}
	if d.MaxPixels > 0 && cfg.Width*cfg.Height > d.MaxPixels {
		return nil, fmt.Errorf("imaging: %s image %dx%d exceeds %d pixels", format, cfg.Width, cfg.Height, d.MaxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode %s: %w", format, err)
	}
	return img, nil
}

// FitScale returns the factor that fits a w x h image inside a maxW x maxH
// viewport without enlarging it: min(maxW/w, maxH/h, 1).
func FitScale(w, h, maxW, maxH int) float64 {
	if w <= 0 || h <= 0 {
		return 1
	}
	scale := 1.0
	if maxW > 0 {
		scale = min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 {
		scale = min(scale, float64(maxH)/float64(h))
	}
	return scale
}

// Fit scales img down to fit the viewport. Images already inside it are
// returned unchanged.
func Fit(img image.Image, maxW, maxH int) image.Image {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	scale := FitScale(b.Dx(), b.Dy(), maxW, maxH)
	if scale >= 1 {
		return img
	}
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
