// Package capture produces raw frames for the pipeline. Sources push frames
// at their own cadence and own a fixed number of buffer slots; a frame that
// is never released holds its slot and stalls the source.
package capture

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/guest-agent/internal/logging"
	"github.com/breeze-rmm/guest-agent/internal/pipeline"
)

var log = logging.L("capture")

var (
	ErrDisplayNotFound = errors.New("display not found")
	ErrNoDisplays      = errors.New("no active displays")
)

const (
	DefaultInterval = time.Second / 60
	DefaultSlots    = 2
)

// Source pushes raw frames into sink until ctx is cancelled. Start blocks.
type Source interface {
	Start(ctx context.Context, sink pipeline.FrameSink) error
}

// grabFunc produces one image. The result is owned by the caller.
type grabFunc func() (*image.RGBA, error)

// slotted tracks outstanding frames against a fixed buffer budget.
type slotted struct {
	limit    int32
	inFlight atomic.Int32
	stalled  atomic.Uint64
}

func (s *slotted) acquire() bool {
	for {
		n := s.inFlight.Load()
		if n >= s.limit {
			s.stalled.Add(1)
			return false
		}
		if s.inFlight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// frame is a RawFrame that returns its slot exactly once.
type frame struct {
	img      *image.RGBA
	slots    *slotted
	released atomic.Bool
}

func (f *frame) Image() (image.Image, error) {
	if f.released.Load() {
		return nil, errors.New("frame already released")
	}
	return f.img, nil
}

func (f *frame) Release() {
	if f.released.CompareAndSwap(false, true) {
		f.img = nil
		f.slots.inFlight.Add(-1)
	}
}

// loop calls grab every interval and hands the result to sink.
func loop(ctx context.Context, name string, interval time.Duration, slots *slotted, grab grabFunc, sink pipeline.FrameSink) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("capture started", "source", name, "interval", interval)
	defer log.Info("capture stopped", "source", name, "stalled", slots.stalled.Load())

	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !slots.acquire() {
			continue
		}
		img, err := grab()
		if err != nil {
			slots.inFlight.Add(-1)
			if !failing {
				log.Warn("capture failed", "source", name, logging.KeyError, err)
				failing = true
			}
			continue
		}
		if failing {
			log.Info("capture recovered", "source", name)
			failing = false
		}
		sink.OnFrameReady(&frame{img: img, slots: slots})
	}
}
