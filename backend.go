package canif

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Backend is the capability set every controller family implements against a
// device's opaque state. Send and Receive are non-blocking by contract: any
// waiting inside a backend is bounded by the timeouts supplied in its
// DeviceConfig, never by the caller.
type Backend interface {
	// Open binds the transport resource, resets the controller, programs
	// bit-timing and leaves the device in its configured operating mode.
	Open(ctx context.Context) error
	// Close releases the transport resource. Idempotent.
	Close() error

	// Send queues one frame for transmission. Fails with ErrTransportBusy
	// when no transmit slot is free and ErrTooLong when DLC > 8.
	Send(f Frame) error
	// Receive stores the next pending frame into f and reports whether one
	// was available. It never blocks the caller; malformed or overrun reads
	// are cleared internally and reported as "nothing available".
	Receive(f *Frame) (bool, error)

	// SetBitrate reprograms bit-timing. Only legal while the device is not
	// actively transmitting; forces a transient configuration state.
	SetBitrate(speed Speed, clock Clock) error
	// SetMode switches between Normal and Loopback operation.
	SetMode(m Mode) error

	// SetFilter programs one acceptance filter; SetMask one acceptance
	// mask. On families where this forces a configuration state the
	// operating mode is re-applied before the call returns.
	SetFilter(index uint8, extended bool, id uint32) error
	SetMask(index uint8, extended bool, mask uint32) error

	// ErrorFlags returns the controller error flag byte; zero means clean.
	ErrorFlags() uint8
	ClearRxOverrun()
	ClearErrorInterrupt()

	// SetEventCallback registers the single event callback slot (last
	// registration wins). WaitForEvent blocks up to timeout and returns the
	// accumulated event mask, zero on timeout.
	SetEventCallback(cb EventCallback, user any)
	WaitForEvent(timeout time.Duration) EventMask

	State() DeviceState
}

// Recoverer is implemented by backends whose hardware needs active
// supervision after a fault. Recover is time-bounded by the configured
// recovery timeouts; on failure the device stays Faulted.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// NewBackendFunc builds a backend instance for one device. The bus and
// device configurations carry the opaque wiring payloads the factory
// interprets.
type NewBackendFunc func(bus *BusConfig, dev *DeviceConfig) (Backend, error)

// BackendInfo describes a registered controller family.
type BackendInfo struct {
	Name        string
	Description string
	New         NewBackendFunc
}

var backendMap = make(map[string]*BackendInfo)

// RegisterBackend installs a controller family under its name. Families
// self-register from init, so registration conflicts are programmer errors.
func RegisterBackend(info *BackendInfo) error {
	key := strings.ToLower(info.Name)
	if _, found := backendMap[key]; found {
		return fmt.Errorf("backend %s already registered", info.Name)
	}
	backendMap[key] = info
	return nil
}

// NewBackend builds a backend of the named family for one device.
func NewBackend(name string, bus *BusConfig, dev *DeviceConfig) (Backend, error) {
	if info, found := backendMap[strings.ToLower(name)]; found {
		return info.New(bus, dev)
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

// ListBackendNames returns the registered family names, sorted.
func ListBackendNames() []string {
	var out []string
	for name := range backendMap {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
