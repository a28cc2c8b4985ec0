package canif

import (
	"sync"
	"time"
)

// EventMask is an OR-combination of backend event bits. Zero means no event.
type EventMask uint32

const (
	// EventRxReady signals that at least one frame is ready to be read.
	EventRxReady EventMask = 1 << 0
	// EventError signals a controller-reported error condition.
	EventError EventMask = 1 << 1
)

// EventCallback receives accumulated event bits together with the user
// context supplied at registration.
type EventCallback func(events EventMask, user any)

// Events is the per-device event slot shared by all backend families: a
// single callback registration (last one wins) and a mask that waiters can
// block on. Backends post bits from their producer goroutines; interrupt
// shims must go through a Notifier and never post directly.
type Events struct {
	mu   sync.Mutex
	mask EventMask
	cb   EventCallback
	user any
	wake chan struct{}
}

func (e *Events) init() {
	if e.wake == nil {
		e.wake = make(chan struct{}, 1)
	}
}

// SetCallback registers or replaces the event callback.
func (e *Events) SetCallback(cb EventCallback, user any) {
	e.mu.Lock()
	e.init()
	e.cb = cb
	e.user = user
	e.mu.Unlock()
}

// Post accumulates event bits, wakes any waiter and invokes the registered
// callback. Posting a zero mask is a no-op.
func (e *Events) Post(events EventMask) {
	if events == 0 {
		return
	}
	e.mu.Lock()
	e.init()
	e.mask |= events
	cb, user := e.cb, e.user
	select {
	case e.wake <- struct{}{}:
	default:
	}
	e.mu.Unlock()
	if cb != nil {
		cb(events, user)
	}
}

// Wait blocks until at least one event bit is pending or the timeout
// elapses. It returns the accumulated mask and clears it; on timeout it
// returns zero, which is not an error.
func (e *Events) Wait(timeout time.Duration) EventMask {
	e.mu.Lock()
	e.init()
	if m := e.take(); m != 0 {
		e.mu.Unlock()
		return m
	}
	wake := e.wake
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-wake:
			e.mu.Lock()
			m := e.take()
			e.mu.Unlock()
			if m != 0 {
				return m
			}
		case <-timer.C:
			return 0
		}
	}
}

func (e *Events) take() EventMask {
	m := e.mask
	e.mask = 0
	return m
}
