package canif

import (
	"sync"
	"sync/atomic"
)

// Registry capacity. Fixed at build time, never grown; bus and device counts
// on these targets are single digits to low tens.
const (
	MaxBuses         = 4
	MaxDevicesPerBus = 8
)

type deviceRecord struct {
	cfg     DeviceConfig
	bus     *busRecord
	backend Backend // nil until the first Open succeeds
	open    bool

	// single callback slot; applied to the backend at open and immediately
	// when the device is already open
	cb   EventCallback
	user any

	lastFlags uint8 // cached last-read error flag byte
}

type busRecord struct {
	cfg       BusConfig
	devices   []*deviceRecord
	openCount int // devices currently open, drives managed link lifetime
}

// Registry is the in-process catalog of buses and their devices. It owns all
// record storage; handles passed to callers are non-owning references that
// stay valid for the life of the registry entry.
//
// The registry is mutated only by RegisterBundle during startup and Clear at
// teardown. Between those it is read-only and may be consulted by any number
// of concurrent callers without locking.
type Registry struct {
	mu    sync.Mutex // guards mutation; reads after startup are lock-free
	gen   atomic.Uint32
	buses []*busRecord
}

func NewRegistry() *Registry {
	return &Registry{}
}

// BusHandle and DeviceHandle refer to registry entries by stable index plus
// a generation stamp, so handles left over from a cleared registry fail
// validation instead of aliasing new entries. The zero value is invalid.
type BusHandle struct {
	r   *Registry
	gen uint32
	idx int
}

type DeviceHandle struct {
	r        *Registry
	gen      uint32
	bus, idx int
}

// RegisterBundle inserts one bus and all its devices atomically. On any
// failure (capacity exceeded, conflicting BusID, repeated DevID, malformed
// configuration) the registry is left unchanged.
func (r *Registry) RegisterBundle(b Bundle) error {
	if b.Bus.Backend == "" || len(b.Devices) == 0 {
		return ErrConfig
	}
	if b.Bus.ManageBusLifetime {
		if _, ok := b.Bus.Wiring.(BusLink); !ok {
			return ErrConfig
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buses) >= MaxBuses || len(b.Devices) > MaxDevicesPerBus {
		return ErrRegistryFull
	}
	for _, bus := range r.buses {
		if bus.cfg.ID == b.Bus.ID {
			return ErrDuplicateID
		}
	}
	for i, dev := range b.Devices {
		for _, prev := range b.Devices[:i] {
			if prev.ID == dev.ID {
				return ErrDuplicateID
			}
		}
	}

	rec := &busRecord{cfg: b.Bus}
	for _, dev := range b.Devices {
		dev.Timeouts = dev.Timeouts.WithDefaults()
		rec.devices = append(rec.devices, &deviceRecord{cfg: dev, bus: rec})
	}
	r.buses = append(r.buses, rec)
	return nil
}

// Clear closes every device that is still open (best-effort, close is
// idempotent), releases managed bus links and discards all entries.
// Outstanding handles become invalid.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bus := range r.buses {
		for _, dev := range bus.devices {
			if dev.open && dev.backend != nil {
				_ = dev.backend.Close()
				dev.open = false
			}
		}
		if bus.cfg.ManageBusLifetime && bus.openCount > 0 {
			if link, ok := bus.cfg.Wiring.(BusLink); ok {
				_ = link.Down()
			}
		}
		bus.openCount = 0
	}
	r.buses = nil
	r.gen.Add(1)
}

// BusCount returns the number of registered buses.
func (r *Registry) BusCount() int { return len(r.buses) }

// BusAt returns the bus registered at the given position (registration
// order). The handle is invalid when index is out of range.
func (r *Registry) BusAt(index int) BusHandle {
	if index < 0 || index >= len(r.buses) {
		return BusHandle{}
	}
	return BusHandle{r: r, gen: r.gen.Load(), idx: index}
}

// BusDeviceCount returns how many devices the bus carries, zero for an
// invalid handle.
func (r *Registry) BusDeviceCount(bus BusHandle) int {
	if rec := r.busRecord(bus); rec != nil {
		return len(rec.devices)
	}
	return 0
}

// DeviceAt returns the device at the given position on a bus (registration
// order).
func (r *Registry) DeviceAt(bus BusHandle, index int) DeviceHandle {
	rec := r.busRecord(bus)
	if rec == nil || index < 0 || index >= len(rec.devices) {
		return DeviceHandle{}
	}
	return DeviceHandle{r: r, gen: bus.gen, bus: bus.idx, idx: index}
}

// BusByID looks a bus up by its user-assigned identifier. The returned
// handle is invalid when no such bus is registered.
func (r *Registry) BusByID(id BusID) BusHandle {
	for i, bus := range r.buses {
		if bus.cfg.ID == id {
			return BusHandle{r: r, gen: r.gen.Load(), idx: i}
		}
	}
	return BusHandle{}
}

// DeviceByID looks a device up by bus and device identifiers.
func (r *Registry) DeviceByID(bus BusID, dev DevID) DeviceHandle {
	bh := r.BusByID(bus)
	if !r.IsValidBus(bh) {
		return DeviceHandle{}
	}
	for i, rec := range r.buses[bh.idx].devices {
		if rec.cfg.ID == dev {
			return DeviceHandle{r: r, gen: bh.gen, bus: bh.idx, idx: i}
		}
	}
	return DeviceHandle{}
}

// DeviceByTarget resolves a composite target.
func (r *Registry) DeviceByTarget(t Target) DeviceHandle {
	return r.DeviceByID(t.BusID(), t.DevID())
}

// IsValidBus reports whether the handle refers to a live registry entry.
func (r *Registry) IsValidBus(h BusHandle) bool {
	return r.busRecord(h) != nil
}

// IsValidDevice reports whether the handle refers to a live registry entry.
func (r *Registry) IsValidDevice(h DeviceHandle) bool {
	return r.deviceRecord(h) != nil
}

// DefaultBus returns the first registered bus. Defined only while the
// registry is non-empty.
func (r *Registry) DefaultBus() BusHandle { return r.BusAt(0) }

// DefaultDevice returns the first device of the first registered bus.
func (r *Registry) DefaultDevice() DeviceHandle {
	return r.DeviceAt(r.DefaultBus(), 0)
}

// BusIDOf extracts the user-assigned identifier from a bus handle.
func (r *Registry) BusIDOf(h BusHandle) (BusID, bool) {
	if rec := r.busRecord(h); rec != nil {
		return rec.cfg.ID, true
	}
	return 0, false
}

// DevIDOf extracts the user-assigned identifier from a device handle.
func (r *Registry) DevIDOf(h DeviceHandle) (DevID, bool) {
	if rec := r.deviceRecord(h); rec != nil {
		return rec.cfg.ID, true
	}
	return 0, false
}

// TargetOf packs a device handle's identifiers into a composite target.
func (r *Registry) TargetOf(h DeviceHandle) (Target, bool) {
	rec := r.deviceRecord(h)
	if rec == nil {
		return 0, false
	}
	return TargetFromIDs(rec.bus.cfg.ID, rec.cfg.ID), true
}

// DeviceConfigOf returns a read-only view of a device's configuration, nil
// for an invalid handle.
func (r *Registry) DeviceConfigOf(h DeviceHandle) *DeviceConfig {
	if rec := r.deviceRecord(h); rec != nil {
		cfg := rec.cfg
		return &cfg
	}
	return nil
}

func (r *Registry) busRecord(h BusHandle) *busRecord {
	if h.r != r || r == nil || h.gen != r.gen.Load() {
		return nil
	}
	if h.idx < 0 || h.idx >= len(r.buses) {
		return nil
	}
	return r.buses[h.idx]
}

func (r *Registry) deviceRecord(h DeviceHandle) *deviceRecord {
	if h.r != r || r == nil || h.gen != r.gen.Load() {
		return nil
	}
	if h.bus < 0 || h.bus >= len(r.buses) {
		return nil
	}
	bus := r.buses[h.bus]
	if h.idx < 0 || h.idx >= len(bus.devices) {
		return nil
	}
	return bus.devices[h.idx]
}
