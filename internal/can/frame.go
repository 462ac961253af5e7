package can

import (
	"fmt"
	"strings"
)

// Well-known identifiers on the simulated network.
const (
	IDSpeed    uint16 = 0x244 // Engine/speed broadcast
	IDLighting uint16 = 0x188 // Turn signal bitmask
	IDDoors    uint16 = 0x19B // Door status, sent on change
	IDDiagReq  uint16 = 0x7E0 // Tester -> ECU
	IDDiagResp uint16 = 0x7E8 // ECU -> tester
)

const (
	MaxID      = 0x7FF // 11-bit standard identifier
	MaxDataLen = 8
)

// Frame is an immutable classical CAN data frame with an 11-bit identifier.
// The zero value is a valid empty frame on ID 0.
type Frame struct {
	id   uint16
	n    uint8
	data [MaxDataLen]byte
}

// FrameValidationError is returned when a frame would violate the
// identifier width or the 8-byte payload limit.
type FrameValidationError struct {
	Field string // "id" or "data"
	Value int
}

func (e *FrameValidationError) Error() string {
	switch e.Field {
	case "id":
		return fmt.Sprintf("can: identifier 0x%X exceeds 11 bits", e.Value)
	default:
		return fmt.Sprintf("can: data length %d exceeds %d bytes", e.Value, MaxDataLen)
	}
}

// NewFrame validates and builds a frame. The data slice is copied.
func NewFrame(id uint16, data []byte) (Frame, error) {
	if id > MaxID {
		return Frame{}, &FrameValidationError{Field: "id", Value: int(id)}
	}
	if len(data) > MaxDataLen {
		return Frame{}, &FrameValidationError{Field: "data", Value: len(data)}
	}
	f := Frame{id: id, n: uint8(len(data))}
	copy(f.data[:], data)
	return f, nil
}

// MustFrame is NewFrame for constant inputs; it panics on invalid frames.
func MustFrame(id uint16, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frame) ID() uint16 { return f.id }
func (f Frame) Len() int   { return int(f.n) }

// Data returns a copy of the payload bytes.
func (f Frame) Data() []byte {
	out := make([]byte, f.n)
	copy(out, f.data[:f.n])
	return out
}

// Byte returns payload byte i, or 0 when i is beyond the frame length.
func (f Frame) Byte(i int) byte {
	if i < 0 || i >= int(f.n) {
		return 0
	}
	return f.data[i]
}

// Equal reports whether two frames carry the same identifier and payload.
func (f Frame) Equal(o Frame) bool {
	return f.id == o.id && f.n == o.n && f.data == o.data
}

// String renders the frame in candump compact form, e.g. "244#6400000000000000".
func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%03X#", f.id)
	for i := 0; i < int(f.n); i++ {
		fmt.Fprintf(&b, "%02X", f.data[i])
	}
	return b.String()
}
