package isotp

import (
	"errors"
	"fmt"
)

var (
	ErrSequence        = errors.New("isotp: wrong sequence number")
	ErrTimeout         = errors.New("isotp: consecutive frame timeout")
	ErrMalformed       = errors.New("isotp: malformed frame")
	ErrUnexpectedFrame = errors.New("isotp: consecutive frame without a session")
	ErrPayloadTooLarge = errors.New("isotp: payload exceeds 4095 bytes")
)

// ReassemblyError reports a discarded or rejected reassembly for one
// sender/receiver pair.
type ReassemblyError struct {
	Pair   Pair
	Err    error
	Detail string
}

func (e *ReassemblyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v (%s, %s)", e.Err, e.Pair, e.Detail)
	}
	return fmt.Sprintf("%v (%s)", e.Err, e.Pair)
}

func (e *ReassemblyError) Unwrap() error { return e.Err }
