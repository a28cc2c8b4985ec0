// Package canif is a transport abstraction over multiple, mutually
// incompatible CAN controller families: a natively integrated peripheral and
// SPI- or serial-attached companion controllers, each hosting several
// logical buses with several devices per bus.
//
// Buses and their devices are registered as bundles into a fixed-capacity
// Registry and addressed by compact identifiers or a 16-bit composite
// Target. A Client routes calls to the backend instance owning each device;
// backend families register themselves by name (import a backend package for
// its side effect, the way drivers register database/sql drivers). A Pump
// moves received frames from the backends to application code through a
// bounded queue, and backends supervise their own bus-off recovery.
package canif
