package canif

import (
	"sync/atomic"
	"time"
)

// Software receive queue depth shared by backend families that drain
// hardware ahead of the consumer. Sized above the largest hardware burst
// (companion chips buffer two frames) with generous headroom.
const backendQueueLen = 64

// Base carries the state every backend family shares: the lifecycle state
// machine, the event slot and a bounded software receive queue. Families
// embed it and keep their hardware specifics to themselves, mirroring how
// each family's producer goroutine is the only writer of its queue.
type Base struct {
	name    string
	state   atomic.Int32
	events  Events
	rxq     chan Frame
	dropped atomic.Uint64
}

// NewBase initializes the shared backend state.
func NewBase(name string) Base {
	return Base{name: name, rxq: make(chan Frame, backendQueueLen)}
}

func (b *Base) Name() string { return b.name }

// State returns the current lifecycle state.
func (b *Base) State() DeviceState { return DeviceState(b.state.Load()) }

// SetState moves the lifecycle state machine.
func (b *Base) SetState(s DeviceState) { b.state.Store(int32(s)) }

// Enqueue adds a drained frame to the software queue without blocking. When
// the queue is full the newest frame is dropped and counted.
func (b *Base) Enqueue(f Frame) bool {
	select {
	case b.rxq <- f:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dequeue pops the oldest queued frame without blocking.
func (b *Base) Dequeue(f *Frame) bool {
	select {
	case q := <-b.rxq:
		*f = q
		return true
	default:
		return false
	}
}

// QueuedDrops reports how many frames the software queue has discarded.
func (b *Base) QueuedDrops() uint64 { return b.dropped.Load() }

// PostEvent accumulates event bits and wakes waiters.
func (b *Base) PostEvent(events EventMask) { b.events.Post(events) }

// SetEventCallback registers the event callback; last registration wins.
func (b *Base) SetEventCallback(cb EventCallback, user any) {
	b.events.SetCallback(cb, user)
}

// WaitForEvent blocks up to timeout for pending events; zero on timeout.
func (b *Base) WaitForEvent(timeout time.Duration) EventMask {
	return b.events.Wait(timeout)
}
