package isotp

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
)

// DefaultTimeout is the consecutive frame timeout (N_Cr).
const DefaultTimeout = 1000 * time.Millisecond

// Address is the identifier pair a transport speaks on.
type Address struct {
	TxID uint16 // identifier of frames we send
	RxID uint16 // identifier of frames we reassemble
}

// Options tunes a Transport.
type Options struct {
	Timeout time.Duration
	// Padding, when set, fills every transmitted frame up to 8 bytes.
	Padding *byte
	// OnError receives reassembly failures. Defaults to logging them.
	OnError func(error)
}

func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout}
}

// Transport attaches a Reassembler and the segmenter to a bus.
type Transport struct {
	bus  bus.Bus
	addr Address
	opts Options
	rx   *Reassembler
	now  func() time.Time

	sendMu sync.Mutex
}

func NewTransport(b bus.Bus, addr Address, opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.OnError == nil {
		opts.OnError = func(err error) { log.Printf("[isotp] %v", err) }
	}
	return &Transport{
		bus:  b,
		addr: addr,
		opts: opts,
		rx:   NewReassembler(opts.Timeout),
		now:  time.Now,
	}
}

func (t *Transport) Address() Address { return t.addr }

// Sessions returns the number of in-flight receive sessions.
func (t *Transport) Sessions() int { return t.rx.Sessions() }

// Send segments payload and publishes every frame on TxID. Concurrent
// sends are serialized so their frames never interleave.
func (t *Transport) Send(payload []byte) error {
	chunks, err := Segment(payload)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, data := range chunks {
		if t.opts.Padding != nil {
			data = Pad(data, *t.opts.Padding)
		}
		f, err := can.NewFrame(t.addr.TxID, data)
		if err != nil {
			return err
		}
		if err := t.bus.Publish(f); err != nil {
			return fmt.Errorf("isotp: publish %s: %w", f, err)
		}
	}
	return nil
}

// Start subscribes before returning and then serves frames in the
// background. The returned channel closes when serving stops.
func (t *Transport) Start(ctx context.Context, handler func([]byte)) <-chan struct{} {
	sub := t.bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.serve(ctx, sub, handler)
	}()
	return done
}

// Run serves frames until ctx is cancelled or the bus closes.
func (t *Transport) Run(ctx context.Context, handler func([]byte)) error {
	return t.serve(ctx, t.bus.Subscribe(), handler)
}

func (t *Transport) serve(ctx context.Context, sub *bus.Subscription, handler func([]byte)) error {
	defer sub.Close()

	sweep := time.NewTicker(sweepInterval(t.opts.Timeout))
	defer sweep.Stop()

	pair := Pair{Sender: t.addr.RxID, Receiver: t.addr.TxID}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-sub.Frames():
			if !ok {
				return bus.ErrClosed
			}
			if f.ID() != t.addr.RxID {
				continue
			}
			payload, err := t.rx.Feed(pair, f.Data(), t.now())
			if err != nil {
				t.opts.OnError(err)
				continue
			}
			if payload != nil {
				handler(payload)
			}

		case <-sweep.C:
			for _, err := range t.rx.Expire(t.now()) {
				t.opts.OnError(err)
			}
		}
	}
}

func sweepInterval(timeout time.Duration) time.Duration {
	d := timeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
