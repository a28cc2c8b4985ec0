// Package mcp2515 implements the SPI-attached companion controller family.
// The chip is driven through a register-level Controller collaborator; this
// package owns the write-then-poll mode protocol, acceptance filter
// re-application, error-flag policy and the burst drain on receive.
package mcp2515

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

// Mode switch bound: 10 poll attempts, 20ms apart. The chip latches a mode
// request and applies it when the bus is idle, so confirmation is inherently
// racy against hardware latency.
const (
	modeSwitchAttempts = 10
	modePollDelay      = 20 * time.Millisecond
)

func init() {
	if err := canif.RegisterBackend(&canif.BackendInfo{
		Name:        "mcp2515",
		Description: "SPI companion CAN controller",
		New:         New,
	}); err != nil {
		panic(err)
	}
}

// Backend drives one chip on a shared SPI bus.
type Backend struct {
	canif.Base
	ctrl    Controller
	cfg     canif.DeviceConfig
	mode    canif.Mode // requested operating mode
	open    bool
	claimed bool
}

// New builds a backend for one device. The device wiring payload must carry
// the injected Controller.
func New(bus *canif.BusConfig, dev *canif.DeviceConfig) (canif.Backend, error) {
	ctrl, ok := dev.Wiring.(Controller)
	if !ok {
		return nil, fmt.Errorf("mcp2515: device %d wiring is not a Controller: %w", dev.ID, canif.ErrConfig)
	}
	cfg := *dev
	cfg.Timeouts = cfg.Timeouts.WithDefaults()
	return &Backend{
		Base: canif.NewBase("mcp2515"),
		ctrl: ctrl,
		cfg:  cfg,
		mode: dev.Mode,
	}, nil
}

// Open claims the SPI channel, resets the chip, programs bit-timing,
// switches to the configured operating mode, programs accept-all filters and
// masks, and re-applies the mode the filter programming knocked out.
func (b *Backend) Open(ctx context.Context) error {
	if b.open {
		return nil
	}
	b.SetState(canif.StateConfiguring)
	if !b.claimed {
		if err := b.ctrl.Claim(); err != nil {
			b.SetState(canif.StateUninitialized)
			return fmt.Errorf("claim spi channel: %w", err)
		}
		b.claimed = true
	}
	if err := b.bringUp(ctx); err != nil {
		b.SetState(canif.StateUninitialized)
		return err
	}

	// Accept everything by default; applications narrow acceptance with
	// SetFilter/SetMask afterwards.
	for i := uint8(0); i < NumFilters; i++ {
		if err := b.ctrl.SetFilter(i, false, 0); err != nil {
			b.SetState(canif.StateUninitialized)
			return fmt.Errorf("set filter %d: %w", i, err)
		}
	}
	for i := uint8(0); i < NumMasks; i++ {
		if err := b.ctrl.SetMask(i, false, 0); err != nil {
			b.SetState(canif.StateUninitialized)
			return fmt.Errorf("set mask %d: %w", i, err)
		}
	}
	// Filter/mask programming forces configuration mode; the operating mode
	// must be requested and confirmed again.
	if err := b.switchMode(ctx, b.mode); err != nil {
		b.SetState(canif.StateUninitialized)
		return err
	}

	b.open = true
	b.SetState(stateFor(b.mode))
	return nil
}

func (b *Backend) bringUp(ctx context.Context) error {
	if err := b.ctrl.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := b.ctrl.SetBitrate(b.cfg.Speed, b.cfg.Clock); err != nil {
		return fmt.Errorf("set bitrate: %w", err)
	}
	return b.switchMode(ctx, b.mode)
}

// Close releases the SPI channel. Idempotent.
func (b *Backend) Close() error {
	if !b.claimed {
		return nil
	}
	// Park the chip in configuration mode; ignore failures on the way out.
	_ = b.ctrl.RequestMode(OpModeConfig)
	err := b.ctrl.Release()
	b.claimed = false
	b.open = false
	b.SetState(canif.StateUninitialized)
	return err
}

// Send queues one frame for transmission, non-blocking.
func (b *Backend) Send(f canif.Frame) error {
	if f.DLC > canif.MaxDataLen {
		return canif.ErrTooLong
	}
	if !b.open {
		return canif.ErrNotOpen
	}
	if err := b.ctrl.SendFrame(f); err != nil {
		if errors.Is(err, ErrAllTxBusy) {
			return canif.ErrTransportBusy
		}
		b.PostEvent(canif.EventError)
		if b.ctrl.ErrorFlags()&FlagTxBusOff != 0 {
			b.SetState(canif.StateFaulted)
			return fmt.Errorf("send: bus-off: %w", canif.ErrHardwareFault)
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Receive pops the oldest frame from the software queue, refilling it from
// the chip first. Error conditions are cleared and reported as "nothing
// available"; after a successful read all remaining pending frames are
// drained into the queue so the two hardware buffers cannot overrun during
// consumer processing.
func (b *Backend) Receive(f *canif.Frame) (bool, error) {
	if !b.open {
		return false, canif.ErrNotOpen
	}
	if b.Dequeue(f) {
		return true, nil
	}
	if !b.ctrl.CheckReceive() {
		return false, nil
	}
	if flags := b.ctrl.ErrorFlags(); flags != 0 {
		if flags&(FlagRx0Ovr|FlagRx1Ovr) != 0 {
			b.ctrl.ClearRxOverrun()
		} else {
			b.ctrl.ClearErrorInterrupt()
		}
		b.PostEvent(canif.EventError)
		if flags&FlagTxBusOff != 0 {
			b.SetState(canif.StateFaulted)
		}
		return false, nil
	}
	frame, err := b.ctrl.ReadFrame()
	if err != nil {
		// Spurious interrupt or malformed buffer; clear and move on.
		b.ctrl.ClearInterrupts()
		b.PostEvent(canif.EventError)
		return false, nil
	}
	if frame.DLC > canif.MaxDataLen {
		return false, nil
	}
	b.drain()
	*f = frame
	b.PostEvent(canif.EventRxReady)
	return true, nil
}

func (b *Backend) drain() {
	for b.ctrl.CheckReceive() {
		frame, err := b.ctrl.ReadFrame()
		if err != nil {
			break
		}
		b.Enqueue(frame)
	}
}

// SetBitrate reprograms bit-timing through a transient configuration state
// and restores the operating mode.
func (b *Backend) SetBitrate(speed canif.Speed, clock canif.Clock) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	prev := b.State()
	b.SetState(canif.StateConfiguring)
	if err := b.switchMode(context.Background(), modeConfig); err != nil {
		b.SetState(prev)
		return err
	}
	if err := b.ctrl.SetBitrate(speed, clock); err != nil {
		b.SetState(prev)
		return fmt.Errorf("set bitrate: %w", err)
	}
	b.cfg.Speed, b.cfg.Clock = speed, clock
	if err := b.switchMode(context.Background(), b.mode); err != nil {
		b.SetState(canif.StateFaulted)
		return err
	}
	b.SetState(stateFor(b.mode))
	return nil
}

// SetMode switches between Normal and Loopback using the bounded
// write-then-poll protocol.
func (b *Backend) SetMode(m canif.Mode) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	if err := b.switchMode(context.Background(), m); err != nil {
		return err
	}
	b.mode = m
	b.SetState(stateFor(m))
	return nil
}

// SetFilter programs one acceptance filter. The chip drops into
// configuration mode as a side effect, so the operating mode is re-applied
// and re-verified before returning.
func (b *Backend) SetFilter(index uint8, extended bool, id uint32) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	if index >= NumFilters {
		return fmt.Errorf("filter index %d out of range: %w", index, canif.ErrConfig)
	}
	if err := b.ctrl.SetFilter(index, extended, id); err != nil {
		return fmt.Errorf("set filter %d: %w", index, err)
	}
	return b.reapplyMode()
}

// SetMask programs one acceptance mask; same re-apply rules as SetFilter.
func (b *Backend) SetMask(index uint8, extended bool, mask uint32) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	if index >= NumMasks {
		return fmt.Errorf("mask index %d out of range: %w", index, canif.ErrConfig)
	}
	if err := b.ctrl.SetMask(index, extended, mask); err != nil {
		return fmt.Errorf("set mask %d: %w", index, err)
	}
	return b.reapplyMode()
}

func (b *Backend) reapplyMode() error {
	if err := b.switchMode(context.Background(), b.mode); err != nil {
		b.SetState(canif.StateFaulted)
		return err
	}
	b.SetState(stateFor(b.mode))
	return nil
}

func (b *Backend) ErrorFlags() uint8 { return b.ctrl.ErrorFlags() }

func (b *Backend) ClearRxOverrun() { b.ctrl.ClearRxOverrun() }

func (b *Backend) ClearErrorInterrupt() { b.ctrl.ClearErrorInterrupt() }

// Recover re-initializes a faulted chip: reset, bit-timing, mode, bounded by
// the configured bus-off timeout. On failure the device stays Faulted and
// callers must retry Open.
func (b *Backend) Recover(ctx context.Context) error {
	if !b.open {
		return canif.ErrNotOpen
	}
	b.SetState(canif.StateRecovering)
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeouts.BusOff)
	defer cancel()
	if err := b.bringUp(ctx); err != nil {
		b.SetState(canif.StateFaulted)
		return fmt.Errorf("recover: %w", err)
	}
	b.SetState(stateFor(b.mode))
	return nil
}

// modeConfig is an internal pseudo-mode for transient configuration states.
const modeConfig canif.Mode = -1

func opModeFor(m canif.Mode) OpMode {
	switch m {
	case canif.ModeLoopback:
		return OpModeLoopback
	case modeConfig:
		return OpModeConfig
	default:
		return OpModeNormal
	}
}

func stateFor(m canif.Mode) canif.DeviceState {
	if m == canif.ModeLoopback {
		return canif.StateLoopback
	}
	return canif.StateNormal
}

// switchMode requests the target mode, then polls the actual mode register
// up to the fixed bound until it matches.
func (b *Backend) switchMode(ctx context.Context, m canif.Mode) error {
	want := opModeFor(m)
	if err := b.ctrl.RequestMode(want); err != nil {
		return fmt.Errorf("request %s mode: %w", want, err)
	}
	err := retry.Do(
		func() error {
			got, err := b.ctrl.ReadMode()
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("mode is %s, want %s", got, want)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(modeSwitchAttempts),
		retry.Delay(modePollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", canif.ErrModeSwitchFailed, err)
	}
	return nil
}
