package pipeline

import (
	"sync/atomic"
	"time"
)

// Metrics counts what happened to each raw frame.
type Metrics struct {
	captured         atomic.Uint64
	throttled        atomic.Uint64
	encoded          atomic.Uint64
	published        atomic.Uint64
	unclaimed        atomic.Uint64
	failed           atomic.Uint64
	droppedSaturated atomic.Uint64
	droppedStale     atomic.Uint64
	bytesOut         atomic.Uint64
	lastEncodeNanos  atomic.Int64
	startTime        time.Time
}

func newMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time copy for logging and status output.
type MetricsSnapshot struct {
	Captured         uint64
	Throttled        uint64
	Encoded          uint64
	Published        uint64
	Unclaimed        uint64
	Failed           uint64
	DroppedSaturated uint64
	DroppedStale     uint64
	EncodeMs         float64
	BandwidthKBps    float64
	Quality          int
	Uptime           time.Duration
}

func (m *Metrics) snapshot(quality int) MetricsSnapshot {
	uptime := time.Since(m.startTime)
	bytesOut := m.bytesOut.Load()
	bw := float64(0)
	if uptime.Seconds() > 0 {
		bw = float64(bytesOut) / uptime.Seconds() / 1024.0
	}
	return MetricsSnapshot{
		Captured:         m.captured.Load(),
		Throttled:        m.throttled.Load(),
		Encoded:          m.encoded.Load(),
		Published:        m.published.Load(),
		Unclaimed:        m.unclaimed.Load(),
		Failed:           m.failed.Load(),
		DroppedSaturated: m.droppedSaturated.Load(),
		DroppedStale:     m.droppedStale.Load(),
		EncodeMs:         float64(time.Duration(m.lastEncodeNanos.Load()).Microseconds()) / 1000.0,
		BandwidthKBps:    bw,
		Quality:          quality,
		Uptime:           uptime,
	}
}
