package canif

import "errors"

var (
	// ErrConfig reports a malformed configuration, e.g. an empty device list
	// or a wiring payload of the wrong type for the selected backend.
	ErrConfig = errors.New("invalid configuration")

	// ErrRegistryFull is returned when registering a bundle would exceed the
	// registry capacity. The registry is left unchanged.
	ErrRegistryFull = errors.New("registry full")

	// ErrDuplicateID is returned when a bundle reuses a registered BusID or
	// repeats a DevID within one bus. The registry is left unchanged.
	ErrDuplicateID = errors.New("duplicate identifier")

	// ErrNotFound means an identifier or handle did not resolve to a live
	// registry entry. Reported to the caller, never retried.
	ErrNotFound = errors.New("bus or device not found")

	// ErrNotOpen means the operation needs an opened device.
	ErrNotOpen = errors.New("device not open")

	// ErrTransportBusy means no transmit slot was free. Retryable by the
	// caller.
	ErrTransportBusy = errors.New("no free transmit slot")

	// ErrTooLong means the frame payload exceeds 8 bytes.
	ErrTooLong = errors.New("frame too long")

	// ErrModeSwitchFailed means the bounded mode poll was exhausted without
	// the controller reaching the requested mode.
	ErrModeSwitchFailed = errors.New("mode switch failed")

	// ErrHardwareFault means the controller reported bus-off or a persistent
	// not-running condition. Recoverable via the recovery procedure.
	ErrHardwareFault = errors.New("hardware fault")
)
