package ecu

import (
	"github.com/shaunagostinho/ecusim/internal/can"
	"github.com/shaunagostinho/ecusim/internal/control"
)

const (
	lightLeft  byte = 1 << 0
	lightRight byte = 1 << 1
	doorOpen   byte = 0x01
)

// EncodeSpeed builds the 0x244 frame: speed in byte 0, bytes 1-7 zero.
func EncodeSpeed(kmh uint8) can.Frame {
	return can.MustFrame(can.IDSpeed, []byte{kmh, 0, 0, 0, 0, 0, 0, 0})
}

// EncodeLighting builds the 0x188 frame: bit0 left, bit1 right.
func EncodeLighting(left, right bool) can.Frame {
	var b byte
	if left {
		b |= lightLeft
	}
	if right {
		b |= lightRight
	}
	return can.MustFrame(can.IDLighting, []byte{b})
}

// EncodeDoors builds the 0x19B frame: one byte per door, 0x01 open.
func EncodeDoors(doors [control.NumDoors]bool) can.Frame {
	data := make([]byte, control.NumDoors)
	for i, open := range doors {
		if open {
			data[i] = doorOpen
		}
	}
	return can.MustFrame(can.IDDoors, data)
}

// DecodeSpeed reads a 0x244 frame.
func DecodeSpeed(f can.Frame) (uint8, bool) {
	if f.ID() != can.IDSpeed || f.Len() < 1 {
		return 0, false
	}
	return f.Byte(0), true
}

// DecodeLighting reads a 0x188 frame.
func DecodeLighting(f can.Frame) (left, right, ok bool) {
	if f.ID() != can.IDLighting || f.Len() < 1 {
		return false, false, false
	}
	b := f.Byte(0)
	return b&lightLeft != 0, b&lightRight != 0, true
}

// DecodeDoors reads a 0x19B frame.
func DecodeDoors(f can.Frame) (doors [control.NumDoors]bool, ok bool) {
	if f.ID() != can.IDDoors || f.Len() < control.NumDoors {
		return doors, false
	}
	for i := range doors {
		doors[i] = f.Byte(i)&doorOpen != 0
	}
	return doors, true
}
