package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/breeze-rmm/guest-agent/internal/pipeline"
)

// DisplaySource captures one physical display.
type DisplaySource struct {
	Display  int
	Interval time.Duration
	Slots    int
}

func (d *DisplaySource) Start(ctx context.Context, sink pipeline.FrameSink) error {
	bounds, err := DisplayBounds(d.Display)
	if err != nil {
		return err
	}

	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	slots := &slotted{limit: int32(orDefault(d.Slots, DefaultSlots))}

	grab := func() (*image.RGBA, error) {
		return screenshot.CaptureRect(bounds)
	}
	return loop(ctx, fmt.Sprintf("display-%d", d.Display), interval, slots, grab, sink)
}

// DisplayBounds returns the rectangle of display n.
func DisplayBounds(n int) (image.Rectangle, error) {
	count := screenshot.NumActiveDisplays()
	if count == 0 {
		return image.Rectangle{}, ErrNoDisplays
	}
	if n < 0 || n >= count {
		return image.Rectangle{}, fmt.Errorf("%w: index %d of %d", ErrDisplayNotFound, n, count)
	}
	return screenshot.GetDisplayBounds(n), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
