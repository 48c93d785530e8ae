package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/nfnt/resize"
)

// Encoder turns an image into wire bytes at a 1-100 quality.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(img image.Image, quality int) ([]byte, error)

func (f EncoderFunc) Encode(img image.Image, quality int) ([]byte, error) {
	return f(img, quality)
}

// JPEGEncoder encodes baseline JPEG. A frame larger than MaxWidth x MaxHeight
// is scaled down first, keeping its aspect ratio. Zero means unbounded.
type JPEGEncoder struct {
	MaxWidth  int
	MaxHeight int
}

func (e JPEGEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	img = e.downscale(img)

	buf := getBuffer()
	defer putBuffer(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: clampQuality(quality)}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (e JPEGEncoder) downscale(img image.Image) image.Image {
	if e.MaxWidth <= 0 && e.MaxHeight <= 0 {
		return img
	}
	b := img.Bounds()
	maxW, maxH := e.MaxWidth, e.MaxHeight
	if maxW <= 0 {
		maxW = b.Dx()
	}
	if maxH <= 0 {
		maxH = b.Dy()
	}
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return resize.Thumbnail(uint(maxW), uint(maxH), img, resize.Bilinear)
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// QualityPreset maps a quality-change preset to a JPEG quality.
func QualityPreset(preset string) (int, bool) {
	switch preset {
	case "low":
		return 40, true
	case "medium":
		return 60, true
	case "high":
		return 85, true
	}
	return 0, false
}

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 512*1024 {
		return
	}
	bufferPool.Put(buf)
}
