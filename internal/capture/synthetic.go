package capture

import (
	"context"
	"image"
	"image/color"
	"time"

	"github.com/breeze-rmm/guest-agent/internal/pipeline"
)

// SyntheticSource renders a moving test pattern. It needs no display, so it
// serves headless hosts and tests.
type SyntheticSource struct {
	Width    int
	Height   int
	Interval time.Duration
	Slots    int
}

func (s *SyntheticSource) Start(ctx context.Context, sink pipeline.FrameSink) error {
	w, h := orDefault(s.Width, 640), orDefault(s.Height, 360)
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	slots := &slotted{limit: int32(orDefault(s.Slots, DefaultSlots))}

	tick := 0
	grab := func() (*image.RGBA, error) {
		tick++
		return pattern(w, h, tick), nil
	}
	return loop(ctx, "synthetic", interval, slots, grab, sink)
}

// pattern draws a gradient with a vertical bar that advances each tick.
func pattern(w, h, tick int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := (tick * 4) % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
