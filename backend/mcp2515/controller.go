package mcp2515

import (
	"errors"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

// OpMode mirrors the controller's CANSTAT.OPMOD field.
type OpMode uint8

const (
	OpModeNormal OpMode = iota
	OpModeSleep
	OpModeLoopback
	OpModeListenOnly
	OpModeConfig
)

func (m OpMode) String() string {
	switch m {
	case OpModeNormal:
		return "normal"
	case OpModeSleep:
		return "sleep"
	case OpModeLoopback:
		return "loopback"
	case OpModeListenOnly:
		return "listen-only"
	case OpModeConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error flag byte (EFLG) bits.
const (
	FlagEWarn    = 1 << 0
	FlagRxWarn   = 1 << 1
	FlagTxWarn   = 1 << 2
	FlagRxEP     = 1 << 3
	FlagTxEP     = 1 << 4
	FlagTxBusOff = 1 << 5
	FlagRx0Ovr   = 1 << 6
	FlagRx1Ovr   = 1 << 7
)

// Filter and mask slots the controller provides.
const (
	NumFilters = 6
	NumMasks   = 2
)

// Errors a Controller implementation reports.
var (
	// ErrAllTxBusy means every transmit buffer is occupied.
	ErrAllTxBusy = errors.New("mcp2515: all transmit buffers busy")
	// ErrNoMessage means no receive buffer holds a frame.
	ErrNoMessage = errors.New("mcp2515: no message pending")
)

// Controller is the register-level collaborator boundary: the vendor driver
// that owns SPI transactions and register encoding. The backend owns
// everything above it: the mode-switch protocol, filter re-application,
// error-flag policy and the receive drain. RequestMode only writes the
// request; the requested mode takes effect asynchronously and must be
// confirmed by polling ReadMode.
type Controller interface {
	// Claim binds the SPI channel for this chip; Release undoes it.
	Claim() error
	Release() error

	Reset() error
	SetBitrate(speed canif.Speed, clock canif.Clock) error

	RequestMode(m OpMode) error
	ReadMode() (OpMode, error)

	// SetFilter and SetMask force the chip into configuration mode as a
	// side effect; the backend re-applies the operating mode afterwards.
	SetFilter(index uint8, extended bool, id uint32) error
	SetMask(index uint8, extended bool, mask uint32) error

	// CheckReceive reports whether a receive buffer holds a frame.
	CheckReceive() bool
	ReadFrame() (canif.Frame, error)
	SendFrame(f canif.Frame) error

	ErrorFlags() uint8
	ClearRxOverrun()
	ClearErrorInterrupt()
	ClearInterrupts()
}
