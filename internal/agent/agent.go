// Package agent assembles the streaming subsystem: one event bus and one
// session store, injected into the pipeline, the connection manager and the
// control dispatcher.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/guest-agent/internal/capture"
	"github.com/breeze-rmm/guest-agent/internal/config"
	"github.com/breeze-rmm/guest-agent/internal/control"
	"github.com/breeze-rmm/guest-agent/internal/device"
	"github.com/breeze-rmm/guest-agent/internal/eventbus"
	"github.com/breeze-rmm/guest-agent/internal/logging"
	"github.com/breeze-rmm/guest-agent/internal/notify"
	"github.com/breeze-rmm/guest-agent/internal/pipeline"
	"github.com/breeze-rmm/guest-agent/internal/protocol"
	"github.com/breeze-rmm/guest-agent/internal/session"
	"github.com/breeze-rmm/guest-agent/internal/signaling"
	"github.com/breeze-rmm/guest-agent/internal/websocket"
)

var log = logging.L("agent")

const (
	metricsInterval = 10 * time.Second
	shutdownTimeout = 2 * time.Second
)

// Options supplies the external collaborators. Nil collaborators get the
// headless defaults: display capture, logging injector and notifier, and a
// file-backed session store at cfg.SessionStorePath.
type Options struct {
	Config   *config.Config
	Source   capture.Source
	Injector control.Injector
	Notifier notify.Notifier
	KV       session.KV
	Signals  signaling.Sink

	// DeviceInfo skips host detection when set.
	DeviceInfo *protocol.DeviceInfo
}

type Agent struct {
	cfg        *config.Config
	bus        *eventbus.Bus
	store      *session.Store
	pipeline   *pipeline.Pipeline
	conn       *websocket.Manager
	dispatcher *control.Dispatcher
	notifier   *notify.Async
	source     capture.Source

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// Status is a point-in-time view for the CLI and logs.
type Status struct {
	Connection websocket.Stats
	Session    session.Snapshot
	Pipeline   pipeline.MetricsSnapshot
	Control    control.Stats
}

func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("agent: config is required")
	}

	kv := opts.KV
	if kv == nil {
		fs, err := session.OpenFileStore(cfg.SessionStorePath)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		kv = fs
	}
	store := session.NewStore(kv)

	src := opts.Source
	if src == nil {
		src = &capture.DisplaySource{Display: cfg.CaptureDisplay}
	}
	injector := opts.Injector
	if injector == nil {
		injector = control.LogInjector{}
	}
	var inner notify.Notifier = notify.LogNotifier{}
	if opts.Notifier != nil {
		inner = opts.Notifier
	}

	var info protocol.DeviceInfo
	if opts.DeviceInfo != nil {
		info = *opts.DeviceInfo
	} else {
		info = device.Collect(context.Background(), device.Overrides{
			Model:        cfg.DeviceModel,
			Manufacturer: cfg.DeviceManufacturer,
		})
	}

	bus := eventbus.New()
	notifier := notify.NewAsync(inner, notify.DefaultQueueSize)

	a := &Agent{
		cfg:   cfg,
		bus:   bus,
		store: store,
		pipeline: pipeline.New(bus, pipeline.Options{
			TargetFPS: cfg.TargetFPS,
			Quality:   cfg.JPEGQuality,
			Workers:   cfg.EncodeWorkers,
			QueueSize: cfg.EncodeQueueSize,
			Encoder:   pipeline.JPEGEncoder{MaxWidth: cfg.MaxWidth, MaxHeight: cfg.MaxHeight},
		}),
		conn: websocket.New(websocket.Config{
			ServerURL:      cfg.ServerURL,
			ReconnectDelay: time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
			DeviceInfo:     info,
		}, bus, store, notifier, opts.Signals),
		dispatcher: control.NewDispatcher(injector),
		notifier:   notifier,
		source:     src,
	}
	return a, nil
}

// Bus exposes the event bus, e.g. for a quality-change subscriber.
func (a *Agent) Bus() *eventbus.Bus {
	return a.bus
}

func (a *Agent) Session() *session.Store {
	return a.store
}

// Start wires subscribers, connects and begins capture. It returns once
// everything is running; capture and connection failures are handled in the
// background.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("agent: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.dispatcher.Attach(a.bus)
	if a.cfg.AdaptiveQuality {
		a.bus.QualityChange.Subscribe(a.pipeline.HandleQualityChange)
	}

	log.Info("starting guest agent",
		"server", a.cfg.ServerURL,
		"targetFps", a.cfg.TargetFPS,
		"quality", a.cfg.JPEGQuality,
		"encodeWorkers", a.cfg.EncodeWorkers,
		"session", a.store.Snapshot().String(),
	)

	a.conn.Start(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.source.Start(ctx, a.pipeline); err != nil {
			log.Error("capture source stopped", logging.KeyError, err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.pipeline.RunMetrics(ctx, metricsInterval)
	}()
	return nil
}

// Stop shuts down in reverse order: capture first so no frame is mid-flight
// when the socket closes. An agent is not restartable.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	a.pipeline.Close(ctx)

	a.conn.Stop()
	a.bus.ControlEvent.Unsubscribe()
	a.bus.QualityChange.Unsubscribe()
	a.notifier.Close()

	log.Info("guest agent stopped", "session", a.store.Snapshot().String())
}

func (a *Agent) Status() Status {
	return Status{
		Connection: a.conn.Stats(),
		Session:    a.store.Snapshot(),
		Pipeline:   a.pipeline.Metrics(),
		Control:    a.dispatcher.Stats(),
	}
}
