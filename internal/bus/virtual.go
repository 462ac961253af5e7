package bus

import (
	"sync"

	"github.com/shaunagostinho/ecusim/internal/can"
)

// Virtual is the in-process bus. Every subscription owns an unbounded
// queue, so a slow consumer accumulates backlog instead of losing frames
// or stalling publishers.
type Virtual struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	limit  int
}

// Option configures a Virtual bus.
type Option func(*Virtual)

// WithQueueLimit bounds each subscription queue to n frames; when full the
// oldest queued frame is dropped. n <= 0 keeps queues unbounded.
func WithQueueLimit(n int) Option {
	return func(v *Virtual) { v.limit = n }
}

func NewVirtual(opts ...Option) *Virtual {
	v := &Virtual{subs: make(map[*Subscription]struct{})}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Virtual) Publish(f can.Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	for s := range v.subs {
		s.push(f)
	}
	return nil
}

func (v *Virtual) Subscribe() *Subscription {
	s := newSubscription(v.limit, v.detach)

	v.mu.Lock()
	closed := v.closed
	if !closed {
		v.subs[s] = struct{}{}
	}
	v.mu.Unlock()

	if closed {
		s.Close()
	}
	return s
}

// Len returns the number of live subscriptions.
func (v *Virtual) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	subs := v.subs
	v.subs = make(map[*Subscription]struct{})
	v.mu.Unlock()

	for s := range subs {
		s.Close()
	}
	return nil
}

func (v *Virtual) detach(s *Subscription) {
	v.mu.Lock()
	delete(v.subs, s)
	v.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	mu      sync.Mutex
	queue   []can.Frame
	limit   int
	dropped uint64

	notify chan struct{}
	done   chan struct{}
	out    chan can.Frame
	once   sync.Once
	detach func(*Subscription)
}

func newSubscription(limit int, detach func(*Subscription)) *Subscription {
	s := &Subscription{
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan can.Frame),
		detach: detach,
	}
	go s.pump()
	return s
}

// Frames yields frames in arrival order until the subscription is closed.
func (s *Subscription) Frames() <-chan can.Frame { return s.out }

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many frames a queue limit has discarded.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from its bus and ends Frames.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach(s)
		}
	})
}

func (s *Subscription) push(f can.Frame) {
	s.mu.Lock()
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		f := s.queue[0]
		s.queue[0] = can.Frame{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- f:
		case <-s.done:
			return
		}
	}
}
