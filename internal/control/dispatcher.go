// Package control turns decoded control events into injector calls.
package control

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/breeze-rmm/guest-agent/internal/eventbus"
	"github.com/breeze-rmm/guest-agent/internal/logging"
	"github.com/breeze-rmm/guest-agent/internal/protocol"
)

var log = logging.L("control")

// Key codes the dispatcher maps to global actions.
const (
	KeyCodeHome = 3
	KeyCodeBack = 4
	KeyCodeMenu = 82
)

type GlobalAction int

const (
	ActionBack GlobalAction = iota + 1
	ActionHome
	ActionRecents
)

func (a GlobalAction) String() string {
	switch a {
	case ActionBack:
		return "back"
	case ActionHome:
		return "home"
	case ActionRecents:
		return "recents"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Injector performs gestures on the device. Both calls report whether the
// platform accepted the request.
type Injector interface {
	Tap(x, y float32) bool
	PerformGlobalAction(action GlobalAction) bool
}

// Stats counts dispatched events by outcome.
type Stats struct {
	Touch     uint64
	Key       uint64
	Scroll    uint64
	Ignored   uint64
	Unhandled uint64
	Failed    uint64
}

type Dispatcher struct {
	injector Injector

	touch     atomic.Uint64
	key       atomic.Uint64
	scroll    atomic.Uint64
	ignored   atomic.Uint64
	unhandled atomic.Uint64
	failed    atomic.Uint64
}

func NewDispatcher(injector Injector) *Dispatcher {
	return &Dispatcher{injector: injector}
}

// Attach makes d the control-event subscriber on bus.
func (d *Dispatcher) Attach(bus *eventbus.Bus) {
	bus.ControlEvent.Subscribe(d.Dispatch)
}

// Dispatch handles one event. It runs on the caller's goroutine and never
// panics.
func (d *Dispatcher) Dispatch(ev protocol.ControlEvent) {
	switch ev.Kind {
	case protocol.KindTouch:
		d.dispatchTouch(ev.Touch)
	case protocol.KindKey:
		d.dispatchKey(ev.Key)
	case protocol.KindScroll:
		d.scroll.Add(1)
		log.Debug("scroll event", "x", ev.Scroll.X, "y", ev.Scroll.Y, "dx", ev.Scroll.DeltaX, "dy", ev.Scroll.DeltaY)
	default:
		d.unhandled.Add(1)
		log.Warn("control event of unknown kind", "kind", ev.Kind)
	}
}

func (d *Dispatcher) dispatchTouch(t protocol.Touch) {
	d.touch.Add(1)
	switch t.Action {
	case protocol.TouchDown, protocol.TouchUp:
		d.invoke("tap", func() bool { return d.injector.Tap(t.X, t.Y) })
	case protocol.TouchMove:
		d.ignored.Add(1)
		log.Debug("touch move not injected", "x", t.X, "y", t.Y)
	}
}

// Global actions fire on every key event for the mapped codes, down and up alike.
func (d *Dispatcher) dispatchKey(k protocol.Key) {
	d.key.Add(1)
	action, ok := globalActionFor(k.KeyCode)
	if !ok {
		d.unhandled.Add(1)
		log.Warn("unhandled key code", "keyCode", k.KeyCode, "action", k.Action)
		return
	}
	d.invoke(action.String(), func() bool { return d.injector.PerformGlobalAction(action) })
}

func globalActionFor(keyCode int) (GlobalAction, bool) {
	switch keyCode {
	case KeyCodeBack:
		return ActionBack, true
	case KeyCodeHome:
		return ActionHome, true
	case KeyCodeMenu:
		return ActionRecents, true
	}
	return 0, false
}

// invoke runs one injector call, turning a panic or a refusal into a counted
// failure.
func (d *Dispatcher) invoke(name string, call func() bool) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			log.Error("injector panicked", "call", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if !call() {
		d.failed.Add(1)
		log.Warn("injector rejected gesture", "call", name)
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Touch:     d.touch.Load(),
		Key:       d.key.Load(),
		Scroll:    d.scroll.Load(),
		Ignored:   d.ignored.Load(),
		Unhandled: d.unhandled.Load(),
		Failed:    d.failed.Load(),
	}
}
