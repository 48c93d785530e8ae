// Package pipeline throttles raw capture frames to a target rate, encodes the
// survivors and publishes them on the frame bus.
package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/guest-agent/internal/eventbus"
	"github.com/breeze-rmm/guest-agent/internal/logging"
	"github.com/breeze-rmm/guest-agent/internal/protocol"
	"github.com/breeze-rmm/guest-agent/internal/workerpool"
)

var log = logging.L("pipeline")

const (
	DefaultTargetFPS = 30
	DefaultQuality   = 75
)

// Options configures a Pipeline. Zero values fall back to the defaults.
type Options struct {
	TargetFPS int
	Quality   int

	// Workers is the size of the encode pool. Zero encodes inline on the
	// capture callback.
	Workers   int
	QueueSize int

	Encoder Encoder

	// Now is the clock used for throttling. Tests inject a fake.
	Now func() time.Time
}

// Pipeline implements FrameSink.
type Pipeline struct {
	bus      *eventbus.Bus
	enc      Encoder
	pool     *workerpool.Pool
	interval time.Duration
	quality  atomic.Int32

	now   func() time.Time
	epoch time.Time
	// lastFrame is nanoseconds since epoch of the last accepted frame.
	lastFrame atomic.Int64

	// publishMu orders publishes; lastPublished is the capture time of the
	// newest frame handed to the bus.
	publishMu     sync.Mutex
	lastPublished time.Time

	metrics *Metrics
}

func New(bus *eventbus.Bus, opts Options) *Pipeline {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = DefaultTargetFPS
	}
	if opts.Quality <= 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Encoder == nil {
		opts.Encoder = JPEGEncoder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{
		bus:      bus,
		enc:      opts.Encoder,
		interval: time.Second / time.Duration(opts.TargetFPS),
		now:      opts.Now,
		epoch:    opts.Now(),
		metrics:  newMetrics(),
	}
	p.quality.Store(int32(clampQuality(opts.Quality)))
	// The first frame always passes.
	p.lastFrame.Store(-int64(p.interval))

	if opts.Workers > 0 {
		p.pool = workerpool.New("encode", opts.Workers, opts.QueueSize)
	}
	return p
}

// Interval is the minimum spacing between accepted frames.
func (p *Pipeline) Interval() time.Duration {
	return p.interval
}

// OnFrameReady is the capture callback.
func (p *Pipeline) OnFrameReady(frame RawFrame) {
	release := sync.OnceFunc(frame.Release)
	defer release()
	p.metrics.captured.Add(1)

	now := p.now()
	if !p.admit(now) {
		p.metrics.throttled.Add(1)
		return
	}

	img, err := frame.Image()
	if err != nil {
		p.metrics.failed.Add(1)
		log.Warn("raw frame decode failed", logging.KeyError, err)
		return
	}

	if p.pool == nil {
		p.encodeAndPublish(img, now)
		return
	}

	owned := ownedCopy(img)
	release()
	if !p.pool.Submit(func() { p.encodeAndPublish(owned, now) }) {
		p.metrics.droppedSaturated.Add(1)
		log.Debug("encode pool saturated, frame dropped")
	}
}

// admit applies the frame-interval throttle and records the accepted time.
func (p *Pipeline) admit(now time.Time) bool {
	elapsed := int64(now.Sub(p.epoch))
	for {
		last := p.lastFrame.Load()
		if elapsed-last < int64(p.interval) {
			return false
		}
		if p.lastFrame.CompareAndSwap(last, elapsed) {
			return true
		}
	}
}

func (p *Pipeline) encodeAndPublish(img image.Image, capturedAt time.Time) {
	start := time.Now()
	data, err := p.enc.Encode(img, int(p.quality.Load()))
	if err != nil {
		p.metrics.failed.Add(1)
		log.Warn("frame encode failed", logging.KeyError, err)
		return
	}
	p.metrics.lastEncodeNanos.Store(int64(time.Since(start)))
	p.metrics.encoded.Add(1)

	p.publish(protocol.EncodedFrame{Data: data, CapturedAt: capturedAt})
}

// publish hands f to the bus unless a newer frame already went out. With
// more than one encode worker a slow encode can finish after a later frame;
// that frame is stale and is dropped.
func (p *Pipeline) publish(f protocol.EncodedFrame) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	if !p.lastPublished.IsZero() && !f.CapturedAt.After(p.lastPublished) {
		p.metrics.droppedStale.Add(1)
		log.Debug("stale frame dropped", "capturedAt", f.CapturedAt, "lastPublished", p.lastPublished)
		return
	}
	p.lastPublished = f.CapturedAt

	if !p.bus.Frame.Publish(f) {
		p.metrics.unclaimed.Add(1)
		return
	}
	p.metrics.published.Add(1)
	p.metrics.bytesOut.Add(uint64(len(f.Data)))
}

// SetQuality changes the encode quality for subsequent frames.
func (p *Pipeline) SetQuality(q int) {
	p.quality.Store(int32(clampQuality(q)))
}

func (p *Pipeline) Quality() int {
	return int(p.quality.Load())
}

// HandleQualityChange applies a low/medium/high preset. Unknown presets are
// ignored.
func (p *Pipeline) HandleQualityChange(preset string) {
	q, ok := QualityPreset(preset)
	if !ok {
		log.Warn("unknown quality preset", "preset", preset)
		return
	}
	p.SetQuality(q)
	log.Info("encode quality changed", "preset", preset, "quality", q)
}

func (p *Pipeline) Metrics() MetricsSnapshot {
	return p.metrics.snapshot(p.Quality())
}

// RunMetrics logs a metrics line every interval until ctx is done.
func (p *Pipeline) RunMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var lastCaptured uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.Metrics()
			if snap.Captured == lastCaptured {
				continue
			}
			lastCaptured = snap.Captured
			log.Info("frame pipeline metrics",
				"captured", snap.Captured,
				"throttled", snap.Throttled,
				"encoded", snap.Encoded,
				"published", snap.Published,
				"unclaimed", snap.Unclaimed,
				"failed", snap.Failed,
				"droppedSaturated", snap.DroppedSaturated,
				"droppedStale", snap.DroppedStale,
				"encodeMs", snap.EncodeMs,
				"bandwidthKBps", snap.BandwidthKBps,
				"quality", snap.Quality,
			)
		}
	}
}

// Close waits for queued encodes to finish, bounded by ctx.
func (p *Pipeline) Close(ctx context.Context) {
	if p.pool != nil {
		p.pool.Shutdown(ctx)
	}
}
