// Package eventbus decouples frame producers, the network connection and the
// input dispatcher. Each channel is a single-slot mailbox: at most one
// subscriber, replaced on every Subscribe, and a Publish with no subscriber
// is a silent no-op. Nothing is buffered.
package eventbus

import (
	"sync/atomic"

	"github.com/breeze-rmm/guest-agent/internal/protocol"
)

// Handler receives published values. It runs synchronously on the
// publisher's goroutine and must return quickly.
type Handler[T any] func(T)

// Slot holds the current subscriber for one channel.
type Slot[T any] struct {
	handler   atomic.Pointer[Handler[T]]
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Subscribe installs h, replacing any previous subscriber. A nil h clears
// the slot.
func (s *Slot[T]) Subscribe(h Handler[T]) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}

// Unsubscribe clears the slot.
func (s *Slot[T]) Unsubscribe() {
	s.handler.Store(nil)
}

// Publish delivers v to the current subscriber. Returns false when the
// slot was empty and v was dropped.
func (s *Slot[T]) Publish(v T) bool {
	h := s.handler.Load()
	if h == nil {
		s.dropped.Add(1)
		return false
	}
	(*h)(v)
	s.delivered.Add(1)
	return true
}

// Subscribed reports whether a subscriber is registered.
func (s *Slot[T]) Subscribed() bool {
	return s.handler.Load() != nil
}

// Counts returns how many publishes were delivered and dropped.
func (s *Slot[T]) Counts() (delivered, dropped uint64) {
	return s.delivered.Load(), s.dropped.Load()
}

// Bus groups the three fixed channels.
type Bus struct {
	Frame         Slot[protocol.EncodedFrame]
	ControlEvent  Slot[protocol.ControlEvent]
	QualityChange Slot[string]
}

// New returns an empty bus. Construct one per process and pass it to each
// component.
func New() *Bus {
	return &Bus{}
}
