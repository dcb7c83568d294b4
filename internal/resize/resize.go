// Package resize scales encoded video frames to a terminal-sized grayscale
// raster.
package resize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// MaxDimension bounds either side of a requested raster.
const MaxDimension = 4096

var ErrInvalidSize = errors.New("resize: width and height must be positive")

// Resizer produces a row-major grayscale buffer of exactly width*height bytes.
// With keepAspectRatio the frame is letterboxed on black instead of stretched.
type Resizer interface {
	Resize(frame []byte, width, height int, keepAspectRatio bool) ([]byte, error)
}

// ImageResizer decodes PNG or JPEG frames and scales them with a bilinear
// kernel.
type ImageResizer struct {
	Scaler draw.Scaler
}

// NewImageResizer returns an ImageResizer using draw.ApproxBiLinear, which is
// cheap enough to run once per tick per session.
func NewImageResizer() *ImageResizer {
	return &ImageResizer{Scaler: draw.ApproxBiLinear}
}

func (r *ImageResizer) Resize(frame []byte, width, height int, keepAspectRatio bool) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidSize
	}
	if width > MaxDimension || height > MaxDimension {
		return nil, fmt.Errorf("resize: %dx%d exceeds %d", width, height, MaxDimension)
	}

	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("resize: decode frame: %w", err)
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	target := dst.Bounds()
	if keepAspectRatio {
		target = Fit(src.Bounds().Dx(), src.Bounds().Dy(), width, height)
	}
	r.Scaler.Scale(dst, target, src, src.Bounds(), draw.Src, nil)

	return dst.Pix, nil
}

// Fit returns the largest rectangle with the source aspect ratio that fits in
// a width x height box, centered. Pixels outside it stay black.
func Fit(srcW, srcH, width, height int) image.Rectangle {
	if srcW <= 0 || srcH <= 0 {
		return image.Rect(0, 0, width, height)
	}

	w, h := width, srcH*width/srcW
	if h > height {
		w, h = srcW*height/srcH, height
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	x0 := (width - w) / 2
	y0 := (height - h) / 2
	return image.Rect(x0, y0, x0+w, y0+h)
}
