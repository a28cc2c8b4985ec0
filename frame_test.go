package canif

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"standard ok", Frame{ID: 0x7FF, DLC: 8}, nil},
		{"standard id too big", Frame{ID: 0x800}, ErrInvalidID},
		{"extended ok", Frame{ID: 0x1FFFFFFF, Extended: true, DLC: 3}, nil},
		{"extended id too big", Frame{ID: 0x20000000, Extended: true}, ErrInvalidID},
		{"dlc too big", Frame{ID: 0x123, DLC: 9}, ErrInvalidDLC},
		{"rtr ok", Frame{ID: 0x64, RTR: true}, nil},
		{"zero frame", Frame{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.frame.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFrameBinaryRoundTrip(t *testing.T) {
	ids := []struct {
		id       uint32
		extended bool
	}{
		{0x000, false},
		{0x123, false},
		{0x7FF, false},
		{0x800, true},
		{0x18DAF110, true},
		{0x1FFFFFFF, true},
	}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	for _, id := range ids {
		for dlc := 0; dlc <= 8; dlc++ {
			f := Frame{ID: id.id, Extended: id.extended, DLC: uint8(dlc)}
			copy(f.Data[:], payload[:dlc])
			wire, err := f.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal 0x%X dlc %d: %v", id.id, dlc, err)
			}
			var got Frame
			if err := got.UnmarshalBinary(wire); err != nil {
				t.Fatalf("unmarshal 0x%X dlc %d: %v", id.id, dlc, err)
			}
			if got != f {
				t.Fatalf("round trip changed frame: sent %+v, got %+v", f, got)
			}
		}
	}
}

func TestFrameBinaryRTRFlag(t *testing.T) {
	f := Frame{ID: 0x123, RTR: true, DLC: 0}
	wire, err := f.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Frame
	if err := got.UnmarshalBinary(wire); err != nil {
		t.Fatal(err)
	}
	if !got.RTR {
		t.Error("RTR flag lost in round trip")
	}
}

func TestFrameMarshalRejectsInvalid(t *testing.T) {
	f := Frame{ID: 0x800, DLC: 2}
	if _, err := f.MarshalBinary(); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestNewFrameCopiesData(t *testing.T) {
	data := []byte{1, 2, 3}
	f := NewFrame(0x123, data)
	data[0] = 99
	if f.Data[0] != 1 {
		t.Error("frame aliases caller data")
	}
	if f.DLC != 3 {
		t.Errorf("DLC = %d, want 3", f.DLC)
	}
	if !bytes.Equal(f.Payload(), []byte{1, 2, 3}) {
		t.Errorf("payload = %v", f.Payload())
	}
}
