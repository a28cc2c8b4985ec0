package canif

import (
	"context"
	"sync"
	"time"
)

// fakeBackend is an in-memory Backend for exercising the registry, dispatch
// and pump layers. Each device's wiring payload carries its own instance.
type fakeBackend struct {
	Base
	mu      sync.Mutex
	openErr error
	opened  bool
	closes  int
	sent    []Frame
	rx      []Frame
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{Base: NewBase("fake")}
}

func (b *fakeBackend) Open(ctx context.Context) error {
	if b.openErr != nil {
		return b.openErr
	}
	b.mu.Lock()
	b.opened = true
	b.mu.Unlock()
	b.SetState(StateNormal)
	return nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	b.opened = false
	b.closes++
	b.mu.Unlock()
	b.SetState(StateUninitialized)
	return nil
}

func (b *fakeBackend) Send(f Frame) error {
	if f.DLC > MaxDataLen {
		return ErrTooLong
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opened {
		return ErrNotOpen
	}
	b.sent = append(b.sent, f)
	return nil
}

func (b *fakeBackend) Receive(f *Frame) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opened {
		return false, ErrNotOpen
	}
	if len(b.rx) == 0 {
		return false, nil
	}
	*f = b.rx[0]
	b.rx = b.rx[1:]
	return true, nil
}

// feed queues frames for Receive to yield.
func (b *fakeBackend) feed(frames ...Frame) {
	b.mu.Lock()
	b.rx = append(b.rx, frames...)
	b.mu.Unlock()
}

func (b *fakeBackend) sentFrames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.sent...)
}

func (b *fakeBackend) SetBitrate(speed Speed, clock Clock) error { return nil }
func (b *fakeBackend) SetMode(m Mode) error                      { return nil }

func (b *fakeBackend) SetFilter(index uint8, extended bool, id uint32) error { return nil }
func (b *fakeBackend) SetMask(index uint8, extended bool, mask uint32) error { return nil }

func (b *fakeBackend) ErrorFlags() uint8    { return 0 }
func (b *fakeBackend) ClearRxOverrun()      {}
func (b *fakeBackend) ClearErrorInterrupt() {}

func init() {
	if err := RegisterBackend(&BackendInfo{
		Name:        "fake",
		Description: "test double",
		New: func(bus *BusConfig, dev *DeviceConfig) (Backend, error) {
			b, ok := dev.Wiring.(*fakeBackend)
			if !ok {
				return nil, ErrConfig
			}
			return b, nil
		},
	}); err != nil {
		panic(err)
	}
}

// fakeLink records Up/Down calls for managed bus lifetime tests.
type fakeLink struct {
	mu   sync.Mutex
	ups  int
	down int
}

func (l *fakeLink) Up() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ups++
	return nil
}

func (l *fakeLink) Down() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down++
	return nil
}

func (l *fakeLink) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ups, l.down
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
