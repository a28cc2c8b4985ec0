// Package sim implements an in-memory backend family. A Fabric stands in for
// the physical wire: every frame sent by one attached device is delivered to
// all others, crossing as its binary image the way real frames cross a
// transceiver. Loopback mode echoes sends into the sender's own queue
// instead. Useful for development hosts and integration tests without
// hardware.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

func init() {
	if err := canif.RegisterBackend(&canif.BackendInfo{
		Name:        "sim",
		Description: "in-memory simulated bus",
		New:         New,
	}); err != nil {
		panic(err)
	}
}

// Fabric is the shared medium. Attach devices by handing the same Fabric as
// their wiring payload.
type Fabric struct {
	mu      sync.Mutex
	members []*Backend
}

// NewFabric creates an empty medium.
func NewFabric() *Fabric { return &Fabric{} }

func (fab *Fabric) attach(b *Backend) {
	fab.mu.Lock()
	defer fab.mu.Unlock()
	fab.members = append(fab.members, b)
}

func (fab *Fabric) detach(b *Backend) {
	fab.mu.Lock()
	defer fab.mu.Unlock()
	for i, m := range fab.members {
		if m == b {
			fab.members = append(fab.members[:i], fab.members[i+1:]...)
			return
		}
	}
}

// broadcast delivers a frame to every member except the sender.
func (fab *Fabric) broadcast(from *Backend, f canif.Frame) error {
	wire, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	fab.mu.Lock()
	members := append([]*Backend(nil), fab.members...)
	fab.mu.Unlock()
	for _, m := range members {
		if m == from || !m.open.Load() {
			continue
		}
		var rx canif.Frame
		if err := rx.UnmarshalBinary(wire); err != nil {
			continue
		}
		if m.Enqueue(rx) {
			m.PostEvent(canif.EventRxReady)
		}
	}
	return nil
}

// Backend is one simulated device on a Fabric.
type Backend struct {
	canif.Base
	fab      *Fabric
	cfg      canif.DeviceConfig
	mode     canif.Mode
	open     atomic.Bool
	errFlags atomic.Uint32
}

// New builds a simulated device. The wiring payload must be a *Fabric.
func New(bus *canif.BusConfig, dev *canif.DeviceConfig) (canif.Backend, error) {
	fab, ok := dev.Wiring.(*Fabric)
	if !ok || fab == nil {
		return nil, fmt.Errorf("sim: device %d wiring is not a *Fabric: %w", dev.ID, canif.ErrConfig)
	}
	cfg := *dev
	cfg.Timeouts = cfg.Timeouts.WithDefaults()
	return &Backend{
		Base: canif.NewBase("sim"),
		fab:  fab,
		cfg:  cfg,
		mode: dev.Mode,
	}, nil
}

// Open attaches the device to its fabric.
func (b *Backend) Open(ctx context.Context) error {
	if b.open.Load() {
		return nil
	}
	b.SetState(canif.StateConfiguring)
	b.fab.attach(b)
	b.open.Store(true)
	b.SetState(stateFor(b.mode))
	return nil
}

// Close detaches from the fabric. Idempotent.
func (b *Backend) Close() error {
	if !b.open.Load() {
		return nil
	}
	b.open.Store(false)
	b.fab.detach(b)
	b.SetState(canif.StateUninitialized)
	return nil
}

// Send delivers the frame to the fabric, or back to the sender in loopback
// mode.
func (b *Backend) Send(f canif.Frame) error {
	if f.DLC > canif.MaxDataLen {
		return canif.ErrTooLong
	}
	if !b.open.Load() {
		return canif.ErrNotOpen
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if b.mode == canif.ModeLoopback {
		if !b.Enqueue(f) {
			return canif.ErrTransportBusy
		}
		b.PostEvent(canif.EventRxReady)
		return nil
	}
	return b.fab.broadcast(b, f)
}

// Receive pops the oldest delivered frame.
func (b *Backend) Receive(f *canif.Frame) (bool, error) {
	if !b.open.Load() {
		return false, canif.ErrNotOpen
	}
	return b.Dequeue(f), nil
}

// SetBitrate records the new timing; the simulated wire has no real clock.
func (b *Backend) SetBitrate(speed canif.Speed, clock canif.Clock) error {
	if !b.open.Load() {
		return canif.ErrNotOpen
	}
	b.cfg.Speed, b.cfg.Clock = speed, clock
	return nil
}

// SetMode switches between normal and loopback immediately.
func (b *Backend) SetMode(m canif.Mode) error {
	if !b.open.Load() {
		return canif.ErrNotOpen
	}
	b.mode = m
	b.SetState(stateFor(m))
	return nil
}

// SetFilter is accepted and ignored; the fabric delivers everything.
func (b *Backend) SetFilter(index uint8, extended bool, id uint32) error {
	if !b.open.Load() {
		return canif.ErrNotOpen
	}
	return nil
}

// SetMask is accepted and ignored.
func (b *Backend) SetMask(index uint8, extended bool, mask uint32) error {
	if !b.open.Load() {
		return canif.ErrNotOpen
	}
	return nil
}

// InjectError latches an error flag byte and raises the error event, for
// exercising fault paths without hardware.
func (b *Backend) InjectError(flags uint8) {
	b.errFlags.Store(uint32(flags))
	b.PostEvent(canif.EventError)
}

func (b *Backend) ErrorFlags() uint8 { return uint8(b.errFlags.Load()) }

func (b *Backend) ClearRxOverrun() { b.errFlags.Store(0) }

func (b *Backend) ClearErrorInterrupt() { b.errFlags.Store(0) }

// Recover clears latched faults.
func (b *Backend) Recover(ctx context.Context) error {
	if !b.open.Load() {
		return canif.ErrNotOpen
	}
	b.SetState(canif.StateRecovering)
	b.errFlags.Store(0)
	b.SetState(stateFor(b.mode))
	return nil
}

func stateFor(m canif.Mode) canif.DeviceState {
	if m == canif.ModeLoopback {
		return canif.StateLoopback
	}
	return canif.StateNormal
}
