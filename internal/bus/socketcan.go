//go:build linux

package bus

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	simcan "github.com/shaunagostinho/ecusim/internal/can"
)

// SocketCAN bridges the local bus onto a Linux CAN interface such as vcan0.
// Frames published locally reach local subscribers immediately and are
// transmitted on the interface once connected; frames read from the
// interface are fanned out to local subscribers.
type SocketCAN struct {
	local   *Virtual
	channel string

	mu     sync.Mutex
	conn   net.Conn
	tx     *socketcan.Transmitter
	cancel context.CancelFunc
}

func NewSocketCAN(channel string, opts ...Option) *SocketCAN {
	if channel == "" {
		channel = "vcan0"
	}
	return &SocketCAN{local: NewVirtual(opts...), channel: channel}
}

func (s *SocketCAN) Name() string { return "socketcan:" + s.channel }

// Connect dials the interface and starts the receive loop.
func (s *SocketCAN) Connect() error {
	ctx, cancel := context.WithCancel(context.Background())
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()

	conn, err := socketcan.DialContext(dialCtx, "can", s.channel)
	if err != nil {
		cancel()
		return NewBindingError("socketcan", fmt.Errorf("dial %s: %w", s.channel, err))
	}

	s.mu.Lock()
	s.conn = conn
	s.tx = socketcan.NewTransmitter(conn)
	s.cancel = cancel
	s.mu.Unlock()

	log.Printf("[socketcan] connected to %s", s.channel)
	go s.receiveLoop(ctx, socketcan.NewReceiver(conn))
	return nil
}

func (s *SocketCAN) receiveLoop(ctx context.Context, recv *socketcan.Receiver) {
	for recv.HasNext() {
		if recv.HasErrorFrame() {
			continue
		}
		raw := recv.Frame()
		if raw.IsExtended || raw.IsRemote {
			continue
		}
		f, err := simcan.NewFrame(uint16(raw.ID), raw.Data[:raw.Length])
		if err != nil {
			log.Printf("[socketcan] dropping frame 0x%X: %v", raw.ID, err)
			continue
		}
		if err := s.local.Publish(f); err != nil {
			return
		}
	}
	if err := recv.Err(); err != nil && ctx.Err() == nil {
		log.Printf("[socketcan] receive on %s stopped: %v", s.channel, err)
	}
}

func (s *SocketCAN) Publish(f simcan.Frame) error {
	if err := s.local.Publish(f); err != nil {
		return err
	}

	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return nil
	}

	raw := can.Frame{ID: uint32(f.ID()), Length: uint8(f.Len())}
	copy(raw.Data[:], f.Data())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tx.TransmitFrame(ctx, raw); err != nil {
		return NewBindingError("socketcan", fmt.Errorf("transmit %s: %w", f, err))
	}
	return nil
}

func (s *SocketCAN) Subscribe() *Subscription { return s.local.Subscribe() }

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn, s.tx, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.local.Close()
	return err
}
