//go:build !linux

package bus

import (
	"errors"

	"github.com/shaunagostinho/ecusim/internal/can"
)

// SocketCAN is only available on Linux; elsewhere it behaves as a local bus
// whose Connect always fails.
type SocketCAN struct {
	local   *Virtual
	channel string
}

func NewSocketCAN(channel string, opts ...Option) *SocketCAN {
	return &SocketCAN{local: NewVirtual(opts...), channel: channel}
}

func (s *SocketCAN) Name() string { return "socketcan:" + s.channel }

func (s *SocketCAN) Connect() error {
	return NewBindingError("socketcan", errors.New("socketcan requires linux"))
}

func (s *SocketCAN) Publish(f can.Frame) error { return s.local.Publish(f) }
func (s *SocketCAN) Subscribe() *Subscription  { return s.local.Subscribe() }
func (s *SocketCAN) Close() error              { return s.local.Close() }
