// Package imaging decodes fetched image bytes into a canonical RGB pixel grid.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode marks bytes that could not be turned into an image.
var ErrDecode = errors.New("cannot identify image")

// Limits bounds the work a single decode may do.
type Limits struct {
	MaxPixels int64 // <= 0 disables the check
	// MaxAspectRatio caps long edge / short edge. Resizing scales the short
	// edge to a fixed size, so a thin strip would otherwise blow up into a
	// huge intermediate. <= 0 disables the check.
	MaxAspectRatio float64
}

// Decode sniffs the container format from data, checks the declared
// dimensions against limits before decoding, and returns the image as opaque
// RGB together with the detected format name.
func Decode(data []byte, limits Limits) (*image.NRGBA, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); limits.MaxPixels > 0 && pixels > limits.MaxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, limits.MaxPixels)
	}
	if limits.MaxAspectRatio > 0 && AspectRatio(cfg.Width, cfg.Height) > limits.MaxAspectRatio {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds aspect ratio %g", ErrDecode, cfg.Width, cfg.Height, limits.MaxAspectRatio)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %v", ErrDecode, format, err)
	}
	return ToRGB(img), format, nil
}

// AspectRatio returns long edge / short edge.
func AspectRatio(w, h int) float64 {
	if w < h {
		w, h = h, w
	}
	return float64(w) / float64(h)
}

// ToRGB copies img into a zero-origin NRGBA with every alpha forced to 255.
// Color channels keep their straight (non-premultiplied) values, so
// transparency is dropped rather than composited.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*b.Dx()], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	} else {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
