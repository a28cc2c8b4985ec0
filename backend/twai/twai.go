// Package twai implements the natively integrated CAN peripheral family.
// The vendor driver queues frames internally and is driven through the
// Driver collaborator; this package owns lifecycle, timeout policy and the
// bus-off / not-running recovery procedure.
package twai

import (
	"context"
	"errors"
	"fmt"
	"time"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

func init() {
	if err := canif.RegisterBackend(&canif.BackendInfo{
		Name:        "twai",
		Description: "native CAN peripheral",
		New:         New,
	}); err != nil {
		panic(err)
	}
}

// State of the peripheral as the driver reports it.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateBusOff
	StateRecovering
)

// ErrTimeout is returned by Driver.Transmit when no transmit slot frees up
// within the timeout, and distinguishes "queue full" from hard faults.
var ErrTimeout = errors.New("twai: timeout")

// Driver is the collaborator boundary to the vendor peripheral driver. The
// driver owns its interrupt handling and frame queues; Receive blocks up to
// the given timeout and reports false when none arrived, Transmit blocks up
// to the timeout for a free slot.
type Driver interface {
	Install(mode canif.Mode, speed canif.Speed) error
	Uninstall() error
	Start() error
	Stop() error

	Transmit(f canif.Frame, timeout time.Duration) error
	Receive(f *canif.Frame, timeout time.Duration) (bool, error)

	Status() (State, error)
	InitiateRecovery() error

	SetFilter(index uint8, extended bool, id uint32) error
	SetMask(index uint8, extended bool, mask uint32) error

	ErrorFlags() uint8
	ClearRxOverrun()
	ClearErrorInterrupt()
}

// Backend supervises one peripheral controller.
type Backend struct {
	canif.Base
	drv  Driver
	cfg  canif.DeviceConfig
	mode canif.Mode
	open bool
}

// New builds a backend for the peripheral. The device wiring payload must
// carry the injected Driver.
func New(bus *canif.BusConfig, dev *canif.DeviceConfig) (canif.Backend, error) {
	drv, ok := dev.Wiring.(Driver)
	if !ok {
		return nil, fmt.Errorf("twai: device %d wiring is not a Driver: %w", dev.ID, canif.ErrConfig)
	}
	cfg := *dev
	cfg.Timeouts = cfg.Timeouts.WithDefaults()
	return &Backend{
		Base: canif.NewBase("twai"),
		drv:  drv,
		cfg:  cfg,
		mode: dev.Mode,
	}, nil
}

// Open installs and starts the peripheral driver.
func (b *Backend) Open(ctx context.Context) error {
	if b.open {
		return nil
	}
	b.SetState(canif.StateConfiguring)
	if err := b.drv.Install(b.mode, b.cfg.Speed); err != nil {
		b.SetState(canif.StateUninitialized)
		return fmt.Errorf("install driver: %w", err)
	}
	if err := b.drv.Start(); err != nil {
		_ = b.drv.Uninstall()
		b.SetState(canif.StateUninitialized)
		return fmt.Errorf("start driver: %w", err)
	}
	b.open = true
	b.SetState(stateFor(b.mode))
	return nil
}

// Close stops and uninstalls the driver. Idempotent.
func (b *Backend) Close() error {
	if !b.open {
		return nil
	}
	b.open = false
	b.SetState(canif.StateUninitialized)
	if err := b.drv.Stop(); err != nil {
		return fmt.Errorf("stop driver: %w", err)
	}
	if err := b.drv.Uninstall(); err != nil {
		return fmt.Errorf("uninstall driver: %w", err)
	}
	return nil
}

// Send hands one frame to the driver, bounded by the configured transmit
// timeout. A hard transmit failure triggers the recovery check before the
// error is reported, so a failed send also starts repairing the controller.
func (b *Backend) Send(f canif.Frame) error {
	if f.DLC > canif.MaxDataLen {
		return canif.ErrTooLong
	}
	if !b.open {
		return canif.ErrNotOpen
	}
	if err := b.drv.Transmit(f, b.cfg.Timeouts.Transmit); err != nil {
		if errors.Is(err, ErrTimeout) {
			return canif.ErrTransportBusy
		}
		b.PostEvent(canif.EventError)
		b.recoverIfNeeded()
		return fmt.Errorf("transmit: %w", canif.ErrHardwareFault)
	}
	return nil
}

// Receive asks the driver for the next queued frame, bounded by the
// configured receive timeout. Timeouts are expected and report "nothing
// available"; hard receive errors trigger the recovery check and are also
// reported as nothing available, matching the send-side policy of repairing
// as a side effect rather than surfacing driver internals.
func (b *Backend) Receive(f *canif.Frame) (bool, error) {
	if !b.open {
		return false, canif.ErrNotOpen
	}
	ok, err := b.drv.Receive(f, b.cfg.Timeouts.Receive)
	if err != nil {
		b.PostEvent(canif.EventError)
		b.recoverIfNeeded()
		return false, nil
	}
	if ok {
		if f.DLC > canif.MaxDataLen {
			return false, nil
		}
		b.PostEvent(canif.EventRxReady)
	}
	return ok, nil
}

// recoverIfNeeded inspects controller status after a failed transfer. Bus-off
// initiates the driver's recovery sequence and waits for it, bounded by the
// bus-off timeout; "installed but not running" for any other reason gets a
// stop/settle/restart bounded by the shorter not-running timeout. Invoked
// only after an operation already signaled trouble, never on a timer.
func (b *Backend) recoverIfNeeded() {
	status, err := b.drv.Status()
	if err != nil {
		return
	}
	switch status {
	case StateBusOff:
		b.SetState(canif.StateRecovering)
		if err := b.drv.InitiateRecovery(); err != nil {
			b.SetState(canif.StateFaulted)
			return
		}
		if b.awaitRunning(b.cfg.Timeouts.BusOff) {
			b.SetState(stateFor(b.mode))
		} else {
			b.SetState(canif.StateFaulted)
		}
	case StateRunning:
		// Transient error, controller still live.
	default:
		b.SetState(canif.StateRecovering)
		_ = b.drv.Stop()
		time.Sleep(b.cfg.Timeouts.NotRunning)
		if err := b.drv.Start(); err != nil {
			b.SetState(canif.StateFaulted)
			return
		}
		b.SetState(stateFor(b.mode))
	}
}

func (b *Backend) awaitRunning(timeout time.Duration) bool {
	interval := timeout / 20
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		if status, err := b.drv.Status(); err == nil && status == StateRunning {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

// Recover runs the same supervision path as a failed transfer, for callers
// that want to repair a known-faulted device explicitly.
func (b *Backend) Recover(ctx context.Context) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	b.recoverIfNeeded()
	if b.State() == canif.StateFaulted {
		return canif.ErrHardwareFault
	}
	return nil
}

// SetBitrate reprograms bit-timing by cycling the driver through a stopped
// configuration state.
func (b *Backend) SetBitrate(speed canif.Speed, clock canif.Clock) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	prev := b.State()
	b.SetState(canif.StateConfiguring)
	if err := b.drv.Stop(); err != nil {
		b.SetState(prev)
		return fmt.Errorf("stop driver: %w", err)
	}
	if err := b.drv.Uninstall(); err != nil {
		b.SetState(canif.StateFaulted)
		return fmt.Errorf("uninstall driver: %w", err)
	}
	b.cfg.Speed, b.cfg.Clock = speed, clock
	if err := b.drv.Install(b.mode, speed); err != nil {
		b.SetState(canif.StateFaulted)
		return fmt.Errorf("install driver: %w", err)
	}
	if err := b.drv.Start(); err != nil {
		b.SetState(canif.StateFaulted)
		return fmt.Errorf("start driver: %w", err)
	}
	b.SetState(stateFor(b.mode))
	return nil
}

// SetMode reinstalls the driver in the requested mode; the peripheral fixes
// its mode at install time.
func (b *Backend) SetMode(m canif.Mode) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	if m == b.mode {
		return nil
	}
	prev := b.mode
	b.mode = m
	if err := b.SetBitrate(b.cfg.Speed, b.cfg.Clock); err != nil {
		b.mode = prev
		return fmt.Errorf("%w: %v", canif.ErrModeSwitchFailed, err)
	}
	return nil
}

// SetFilter programs one acceptance filter. The peripheral applies filters
// without leaving its running state, so no mode re-application is needed.
func (b *Backend) SetFilter(index uint8, extended bool, id uint32) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	return b.drv.SetFilter(index, extended, id)
}

// SetMask programs one acceptance mask.
func (b *Backend) SetMask(index uint8, extended bool, mask uint32) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	return b.drv.SetMask(index, extended, mask)
}

func (b *Backend) ErrorFlags() uint8 { return b.drv.ErrorFlags() }

func (b *Backend) ClearRxOverrun() { b.drv.ClearRxOverrun() }

func (b *Backend) ClearErrorInterrupt() { b.drv.ClearErrorInterrupt() }

func stateFor(m canif.Mode) canif.DeviceState {
	if m == canif.ModeLoopback {
		return canif.StateLoopback
	}
	return canif.StateNormal
}
