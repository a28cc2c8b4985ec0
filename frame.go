package canif

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// MaxDataLen is the classical CAN payload limit.
const MaxDataLen = 8

// Identifier limits.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("canif: invalid identifier")
	ErrInvalidDLC = errors.New("canif: invalid data length")
)

// Frame is a single classical CAN frame. Every backend converts to and from
// this representation; only the first DLC bytes of Data are meaningful.
type Frame struct {
	ID       uint32 // 11-bit (standard) or 29-bit (extended)
	Extended bool
	RTR      bool
	DLC      uint8 // 0..8
	Data     [MaxDataLen]byte
}

// NewFrame creates a standard frame and copies the data slice.
func NewFrame(id uint32, data []byte) Frame {
	var f Frame
	f.ID = id
	f.DLC = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

// NewExtendedFrame creates a 29-bit identifier frame and copies the data slice.
func NewExtendedFrame(id uint32, data []byte) Frame {
	f := NewFrame(id, data)
	f.Extended = true
	return f
}

// Validate checks the frame invariants: DLC <= 8 and the identifier fits its
// address space.
func (f Frame) Validate() error {
	if f.DLC > MaxDataLen {
		return ErrInvalidDLC
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return ErrInvalidID
		}
	} else if f.ID > MaxStandardID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the meaningful part of Data.
func (f *Frame) Payload() []byte {
	n := f.DLC
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Flag bits of the identifier word in the binary layout.
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
)

// MarshalBinary encodes the frame into the 16-byte can_frame layout:
// little-endian identifier word with EFF/RTR flags, DLC, 3 bytes padding,
// 8 data bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= effFlag
	}
	if f.RTR {
		id |= rtrFlag
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the 16-byte can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("canif: need 16 bytes, got %d", len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&effFlag != 0
	f.RTR = id&rtrFlag != 0
	if f.Extended {
		f.ID = id & MaxExtendedID
	} else {
		f.ID = id & MaxStandardID
	}
	f.DLC = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}

var (
	green  = color.New(color.FgGreen).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	yellow = color.New(color.FgHiBlue).SprintfFunc()
)

func (f Frame) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("0x%03X", f.ID) + " || ")
	out.WriteString(fmt.Sprintf("%d", f.DLC) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Payload())))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Payload()))
	return out.String()
}

// ColorString renders the frame for terminal monitors.
func (f Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("0x%03X", f.ID) + " || ")
	out.WriteString(fmt.Sprintf("%d", f.DLC) + " || ")
	out.WriteString(red(fmt.Sprintf("%-23s", hexView(f.Payload()))))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Payload())))
	return out.String()
}

func hexView(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		out.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
