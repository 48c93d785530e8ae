package pipeline

import (
	"image"
	"image/draw"
)

// RawFrame is a capture handle. Image may alias the capture buffer, so the
// result is only valid until Release.
type RawFrame interface {
	Image() (image.Image, error)
	Release()
}

// FrameSink receives raw frames from a capture source. OnFrameReady releases
// the frame before it returns.
type FrameSink interface {
	OnFrameReady(frame RawFrame)
}

// ownedCopy detaches img from any capture buffer.
func ownedCopy(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
