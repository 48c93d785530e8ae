// Package notify carries session lifecycle notifications to the UI. The
// connection calls into an Async notifier, which queues and returns at once
// so a slow UI never holds up network reads.
package notify

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/guest-agent/internal/logging"
)

var log = logging.L("notify")

// Notifier is the UI sink.
type Notifier interface {
	OnSessionCode(code string)
	OnControllerJoined(id string)
}

// SessionEndedNotifier is implemented by notifiers that want session-ended.
type SessionEndedNotifier interface {
	OnSessionEnded()
}

// ControllerLeftNotifier is implemented by notifiers that want
// peer-disconnected.
type ControllerLeftNotifier interface {
	OnControllerLeft(id string)
}

const DefaultQueueSize = 16

// Async delivers to an inner Notifier on its own goroutine. When the queue
// is full the notification is dropped.
type Async struct {
	inner    Notifier
	queue    chan func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Uint64
}

func NewAsync(inner Notifier, queueSize int) *Async {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	a := &Async{
		inner: inner,
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) OnSessionCode(code string) {
	a.enqueue("sessionCode", func() { a.inner.OnSessionCode(code) })
}

func (a *Async) OnControllerJoined(id string) {
	a.enqueue("controllerJoined", func() { a.inner.OnControllerJoined(id) })
}

func (a *Async) OnSessionEnded() {
	n, ok := a.inner.(SessionEndedNotifier)
	if !ok {
		return
	}
	a.enqueue("sessionEnded", n.OnSessionEnded)
}

func (a *Async) OnControllerLeft(id string) {
	n, ok := a.inner.(ControllerLeftNotifier)
	if !ok {
		return
	}
	a.enqueue("controllerLeft", func() { n.OnControllerLeft(id) })
}

// Dropped returns how many notifications were lost to a full queue.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops the delivery goroutine after the queued notifications run.
func (a *Async) Close() {
	a.stopOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
}

func (a *Async) enqueue(name string, fn func()) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.queue <- fn:
	default:
		a.dropped.Add(1)
		log.Warn("notification queue full, dropping", "notification", name)
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case fn := <-a.queue:
			a.deliver(fn)
		case <-a.done:
			for {
				select {
				case fn := <-a.queue:
					a.deliver(fn)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("notifier panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// LogNotifier writes notifications to the log. It is the default for the
// headless CLI.
type LogNotifier struct{}

func (LogNotifier) OnSessionCode(code string) {
	log.Info("session code assigned, share it with the controller", logging.KeySessionCode, code)
}

func (LogNotifier) OnControllerJoined(id string) {
	log.Info("controller joined", "controllerId", id)
}

func (LogNotifier) OnSessionEnded() {
	log.Info("session ended")
}

func (LogNotifier) OnControllerLeft(id string) {
	log.Info("controller left", "controllerId", id)
}
