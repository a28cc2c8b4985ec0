package canif

// BusID and DevID are compact, application-assigned identifiers. A BusID is
// unique across the registry; a DevID is unique within its bus.
type (
	BusID uint8
	DevID uint8
)

// Target packs a bus and device identifier into one value: the upper 8 bits
// hold the BusID, the lower 8 bits the DevID. Packing and unpacking are a
// lossless bijection over the full 0..255 x 0..255 domain.
type Target uint16

// TargetFromIDs packs bus and device identifiers into a composite target.
func TargetFromIDs(bus BusID, dev DevID) Target {
	return Target(uint16(bus)<<8 | uint16(dev))
}

// BusID extracts the bus identifier (upper 8 bits).
func (t Target) BusID() BusID { return BusID(t >> 8) }

// DevID extracts the device identifier (lower 8 bits).
func (t Target) DevID() DevID { return DevID(t & 0xFF) }
