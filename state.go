package canif

// DeviceState tracks a device through its lifecycle:
//
//	Uninitialized -> Configuring -> Normal|Loopback -> Faulted -> Recovering -> Normal|Loopback
//
// Faulted is entered when a transport operation observes bus-off or a
// persistent not-running condition. Recovering is time-bounded; if recovery
// does not complete the device stays Faulted and callers must retry Open.
type DeviceState int32

const (
	StateUninitialized DeviceState = iota
	StateConfiguring
	StateNormal
	StateLoopback
	StateFaulted
	StateRecovering
)

func (s DeviceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateNormal:
		return "normal"
	case StateLoopback:
		return "loopback"
	case StateFaulted:
		return "faulted"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}
