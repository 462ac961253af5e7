package bus

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/ecusim/internal/can"
)

// Bus is the medium every participant publishes to and subscribes from.
// Frames published by one goroutine reach each subscriber in publish order.
// Implementations must be safe for concurrent use.
type Bus interface {
	// Publish delivers f to every live subscription. It does not wait for
	// consumers.
	Publish(f can.Frame) error
	// Subscribe returns a new subscription that sees frames published
	// after this call. History is never replayed.
	Subscribe() *Subscription
	// Close ends every subscription. Further publishes return ErrClosed.
	Close() error
}

// ErrClosed indicates the bus has been closed.
var ErrClosed = errors.New("bus: closed")

// BindingError wraps an I/O failure from a native transport binding.
type BindingError struct {
	Binding string
	Err     error
}

func NewBindingError(binding string, err error) *BindingError {
	return &BindingError{Binding: binding, Err: err}
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bus: %s: %v", e.Binding, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }
