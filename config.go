package canif

import "time"

// Mode selects how a device participates in bus traffic.
type Mode int

const (
	// ModeNormal is full transmit/receive operation.
	ModeNormal Mode = iota
	// ModeLoopback routes transmitted frames back to the receive path for
	// self-test; no traffic reaches the external bus.
	ModeLoopback
)

func (m Mode) String() string {
	if m == ModeLoopback {
		return "loopback"
	}
	return "normal"
}

// Speed selects the bit-timing table used to program a controller.
type Speed int

const (
	Speed5K Speed = iota
	Speed10K
	Speed20K
	Speed31K25
	Speed33K
	Speed40K
	Speed50K
	Speed80K
	Speed83K3
	Speed95K
	Speed100K
	Speed125K
	Speed200K
	Speed250K
	Speed500K
	Speed1000K
)

// Clock is the oscillator reference a companion controller is driven by.
type Clock int

const (
	Clock8MHz Clock = iota
	Clock16MHz
	Clock20MHz
)

// Timeouts bound how long backend operations wait before giving up or before
// a recovery action is attempted. Zero fields fall back to defaults.
type Timeouts struct {
	Receive    time.Duration // native-driver receive wait
	Transmit   time.Duration // native-driver transmit wait
	BusOff     time.Duration // bus-off recovery bound
	NotRunning time.Duration // stop/restart settle time
}

// Default timeout values, applied where a Timeouts field is zero.
const (
	DefaultReceiveTimeout    = 100 * time.Millisecond
	DefaultTransmitTimeout   = 100 * time.Millisecond
	DefaultBusOffTimeout     = 500 * time.Millisecond
	DefaultNotRunningTimeout = 100 * time.Millisecond
)

// WithDefaults returns a copy with every zero field replaced by its default.
// Backends apply it at construction so a zero-value Timeouts never means a
// zero wait.
func (t Timeouts) WithDefaults() Timeouts {
	if t.Receive == 0 {
		t.Receive = DefaultReceiveTimeout
	}
	if t.Transmit == 0 {
		t.Transmit = DefaultTransmitTimeout
	}
	if t.BusOff == 0 {
		t.BusOff = DefaultBusOffTimeout
	}
	if t.NotRunning == 0 {
		t.NotRunning = DefaultNotRunningTimeout
	}
	return t
}

// BusLink is implemented by bus wiring payloads whose physical link (an SPI
// bus, a serial multiplexer) must be brought up before the first device on
// the bus opens and torn down after the last one closes.
type BusLink interface {
	Up() error
	Down() error
}

// BusConfig describes one logical bus. Backend names the controller family
// and selects the factory registered for it; Wiring is an opaque payload the
// backend interprets (the platform's bus wiring or an injected collaborator).
// The discriminant plus typed assertion replaces shape-punning between
// per-family configuration structs.
type BusConfig struct {
	ID      BusID
	Backend string
	Wiring  any

	// ManageBusLifetime hands ownership of the underlying link to this
	// layer: Wiring must then implement BusLink, Up runs before the first
	// open on the bus and Down after the last close.
	ManageBusLifetime bool
}

// DeviceConfig describes one device on a bus. Wiring is an opaque per-device
// payload passed through to the backend unmodified (chip-select and
// interrupt pins, a serial port name, or an injected controller).
type DeviceConfig struct {
	ID       DevID
	Speed    Speed
	Clock    Clock
	Mode     Mode // operating mode requested at open
	Timeouts Timeouts
	Wiring   any
}

// Bundle is the registration unit: one bus plus the devices attached to it.
type Bundle struct {
	Bus     BusConfig
	Devices []DeviceConfig
}
