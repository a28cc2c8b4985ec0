package canif

import (
	"context"
	"fmt"
	"time"
)

// Client is the dispatch engine: it routes each call, addressed by handle,
// by id pair or by composite target, to exactly one device's backend. It
// adds no buffering, no retry and no policy of its own; unresolved
// identifiers surface as ErrNotFound.
type Client struct {
	reg *Registry
}

func NewClient(reg *Registry) *Client {
	return &Client{reg: reg}
}

// Registry returns the catalog this client routes through.
func (c *Client) Registry() *Registry { return c.reg }

// Open binds the device's transport resource and brings the controller into
// its configured operating mode. The backend instance is created from the
// bus's registered family on first open. When the bus manages its link
// lifetime, the first open on the bus brings the link up.
func (c *Client) Open(ctx context.Context, dev DeviceHandle) error {
	rec := c.reg.deviceRecord(dev)
	if rec == nil {
		return ErrNotFound
	}
	if rec.open {
		return nil
	}
	if rec.backend == nil {
		backend, err := NewBackend(rec.bus.cfg.Backend, &rec.bus.cfg, &rec.cfg)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		rec.backend = backend
	}
	if rec.cb != nil {
		rec.backend.SetEventCallback(rec.cb, rec.user)
	}
	if rec.bus.cfg.ManageBusLifetime && rec.bus.openCount == 0 {
		link, ok := rec.bus.cfg.Wiring.(BusLink)
		if !ok {
			return ErrConfig
		}
		if err := link.Up(); err != nil {
			return fmt.Errorf("bus link up: %w", err)
		}
	}
	if err := rec.backend.Open(ctx); err != nil {
		if rec.bus.cfg.ManageBusLifetime && rec.bus.openCount == 0 {
			if link, ok := rec.bus.cfg.Wiring.(BusLink); ok {
				_ = link.Down()
			}
		}
		return err
	}
	rec.open = true
	rec.bus.openCount++
	return nil
}

// Close releases the device's transport resource. Idempotent; closing the
// last open device on a managed bus takes the link down.
func (c *Client) Close(dev DeviceHandle) error {
	rec := c.reg.deviceRecord(dev)
	if rec == nil {
		return ErrNotFound
	}
	if !rec.open || rec.backend == nil {
		return nil
	}
	err := rec.backend.Close()
	rec.open = false
	rec.bus.openCount--
	if rec.bus.cfg.ManageBusLifetime && rec.bus.openCount == 0 {
		if link, ok := rec.bus.cfg.Wiring.(BusLink); ok {
			if derr := link.Down(); derr != nil && err == nil {
				err = fmt.Errorf("bus link down: %w", derr)
			}
		}
	}
	return err
}

// Send queues one frame on the device. Non-blocking; ErrTransportBusy is
// retryable by the caller.
func (c *Client) Send(dev DeviceHandle, f Frame) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	return backend.Send(f)
}

// Receive stores the next pending frame into f, reporting whether one was
// available. Never blocks.
func (c *Client) Receive(dev DeviceHandle, f *Frame) (bool, error) {
	backend, err := c.backend(dev)
	if err != nil {
		return false, err
	}
	return backend.Receive(f)
}

// SetBitrate reprograms the device's bit-timing.
func (c *Client) SetBitrate(dev DeviceHandle, speed Speed, clock Clock) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	return backend.SetBitrate(speed, clock)
}

// SetMode switches the device between Normal and Loopback operation.
func (c *Client) SetMode(dev DeviceHandle, m Mode) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	return backend.SetMode(m)
}

// SetFilter programs one acceptance filter.
func (c *Client) SetFilter(dev DeviceHandle, index uint8, extended bool, id uint32) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	return backend.SetFilter(index, extended, id)
}

// SetMask programs one acceptance mask.
func (c *Client) SetMask(dev DeviceHandle, index uint8, extended bool, mask uint32) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	return backend.SetMask(index, extended, mask)
}

// ErrorFlags reads the controller error flag byte and caches it on the
// device record; zero means no error.
func (c *Client) ErrorFlags(dev DeviceHandle) (uint8, error) {
	rec := c.reg.deviceRecord(dev)
	if rec == nil {
		return 0, ErrNotFound
	}
	if !rec.open || rec.backend == nil {
		return 0, ErrNotOpen
	}
	rec.lastFlags = rec.backend.ErrorFlags()
	return rec.lastFlags, nil
}

// LastErrorFlags returns the most recently read error flag byte without
// touching hardware.
func (c *Client) LastErrorFlags(dev DeviceHandle) (uint8, error) {
	rec := c.reg.deviceRecord(dev)
	if rec == nil {
		return 0, ErrNotFound
	}
	return rec.lastFlags, nil
}

func (c *Client) ClearRxOverrun(dev DeviceHandle) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	backend.ClearRxOverrun()
	return nil
}

func (c *Client) ClearErrorInterrupt(dev DeviceHandle) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	backend.ClearErrorInterrupt()
	return nil
}

// SetEventCallback registers the device's single event callback slot; the
// last registration wins. A callback registered before the device opens is
// applied at open.
func (c *Client) SetEventCallback(dev DeviceHandle, cb EventCallback, user any) error {
	rec := c.reg.deviceRecord(dev)
	if rec == nil {
		return ErrNotFound
	}
	rec.cb, rec.user = cb, user
	if rec.open && rec.backend != nil {
		rec.backend.SetEventCallback(cb, user)
	}
	return nil
}

// WaitForEvent blocks up to timeout for device events; a zero mask on
// timeout is not an error.
func (c *Client) WaitForEvent(dev DeviceHandle, timeout time.Duration) (EventMask, error) {
	backend, err := c.backend(dev)
	if err != nil {
		return 0, err
	}
	return backend.WaitForEvent(timeout), nil
}

// DeviceState returns the device's lifecycle state.
func (c *Client) DeviceState(dev DeviceHandle) (DeviceState, error) {
	rec := c.reg.deviceRecord(dev)
	if rec == nil {
		return StateUninitialized, ErrNotFound
	}
	if rec.backend == nil {
		return StateUninitialized, nil
	}
	return rec.backend.State(), nil
}

// Recover runs the backend's fault recovery procedure when the family
// supports one.
func (c *Client) Recover(ctx context.Context, dev DeviceHandle) error {
	backend, err := c.backend(dev)
	if err != nil {
		return err
	}
	if rec, ok := backend.(Recoverer); ok {
		return rec.Recover(ctx)
	}
	return nil
}

// Id-pair convenience variants.

func (c *Client) OpenID(ctx context.Context, bus BusID, dev DevID) error {
	return c.Open(ctx, c.reg.DeviceByID(bus, dev))
}

func (c *Client) CloseID(bus BusID, dev DevID) error {
	return c.Close(c.reg.DeviceByID(bus, dev))
}

func (c *Client) SendID(bus BusID, dev DevID, f Frame) error {
	return c.Send(c.reg.DeviceByID(bus, dev), f)
}

func (c *Client) ReceiveID(bus BusID, dev DevID, f *Frame) (bool, error) {
	return c.Receive(c.reg.DeviceByID(bus, dev), f)
}

func (c *Client) SetBitrateID(bus BusID, dev DevID, speed Speed, clock Clock) error {
	return c.SetBitrate(c.reg.DeviceByID(bus, dev), speed, clock)
}

func (c *Client) SetModeID(bus BusID, dev DevID, m Mode) error {
	return c.SetMode(c.reg.DeviceByID(bus, dev), m)
}

// Composite-target convenience variants.

func (c *Client) OpenTarget(ctx context.Context, t Target) error {
	return c.Open(ctx, c.reg.DeviceByTarget(t))
}

func (c *Client) CloseTarget(t Target) error {
	return c.Close(c.reg.DeviceByTarget(t))
}

func (c *Client) SendTarget(t Target, f Frame) error {
	return c.Send(c.reg.DeviceByTarget(t), f)
}

func (c *Client) ReceiveTarget(t Target, f *Frame) (bool, error) {
	return c.Receive(c.reg.DeviceByTarget(t), f)
}

func (c *Client) SetBitrateTarget(t Target, speed Speed, clock Clock) error {
	return c.SetBitrate(c.reg.DeviceByTarget(t), speed, clock)
}

func (c *Client) SetModeTarget(t Target, m Mode) error {
	return c.SetMode(c.reg.DeviceByTarget(t), m)
}

// Default-device convenience variants; defined while the registry is
// non-empty.

func (c *Client) SendDefault(f Frame) error {
	return c.Send(c.reg.DefaultDevice(), f)
}

func (c *Client) ReceiveDefault(f *Frame) (bool, error) {
	return c.Receive(c.reg.DefaultDevice(), f)
}

func (c *Client) backend(dev DeviceHandle) (Backend, error) {
	rec := c.reg.deviceRecord(dev)
	if rec == nil {
		return nil, ErrNotFound
	}
	if !rec.open || rec.backend == nil {
		return nil, ErrNotOpen
	}
	return rec.backend, nil
}
