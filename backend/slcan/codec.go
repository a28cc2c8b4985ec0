package slcan

import (
	"encoding/hex"
	"fmt"
	"strconv"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

const hexDigits = "0123456789ABCDEF"

func nybbleToHex(n byte) byte { return hexDigits[n&0xF] }

// encodeFrame appends the ASCII transmit command for one frame:
// tiiiLdd.. for standard identifiers, Tiiiiiiiildd.. for extended ones.
func encodeFrame(buf []byte, f canif.Frame) []byte {
	if f.Extended {
		buf = append(buf, 'T')
		for shift := 28; shift >= 0; shift -= 4 {
			buf = append(buf, nybbleToHex(byte(f.ID>>shift)))
		}
	} else {
		buf = append(buf, 't')
		for shift := 8; shift >= 0; shift -= 4 {
			buf = append(buf, nybbleToHex(byte(f.ID>>shift)))
		}
	}
	buf = append(buf, nybbleToHex(f.DLC))
	for _, d := range f.Payload() {
		buf = append(buf, nybbleToHex(d>>4), nybbleToHex(d))
	}
	return append(buf, '\r')
}

// decodeFrame parses one received ASCII frame line (without the trailing CR).
// Corrupted hex anywhere in the line is an error, never a zero digit.
func decodeFrame(line []byte) (canif.Frame, error) {
	var f canif.Frame
	if len(line) < 1 {
		return f, fmt.Errorf("slcan: empty frame line")
	}
	idLen := 3
	if line[0] == 'T' {
		f.Extended = true
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return f, fmt.Errorf("slcan: short frame line %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return f, fmt.Errorf("slcan: bad identifier in %q: %w", line, err)
	}
	f.ID = uint32(id)
	dlc, err := strconv.ParseUint(string(line[1+idLen:1+idLen+1]), 16, 8)
	if err != nil {
		return f, fmt.Errorf("slcan: bad dlc in %q: %w", line, err)
	}
	if dlc > canif.MaxDataLen {
		return f, fmt.Errorf("slcan: bad dlc %d in %q", dlc, line)
	}
	f.DLC = uint8(dlc)
	data := line[1+idLen+1:]
	if len(data) < int(f.DLC)*2 {
		return f, fmt.Errorf("slcan: truncated data in %q", line)
	}
	raw, err := hex.DecodeString(string(data[:f.DLC*2]))
	if err != nil {
		return f, fmt.Errorf("slcan: bad data in %q: %w", line, err)
	}
	copy(f.Data[:], raw)
	return f, f.Validate()
}
