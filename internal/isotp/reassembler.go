package isotp

import (
	"fmt"
	"sync"
	"time"
)

// Pair identifies one direction of a conversation: frames sent on Sender,
// reassembled on behalf of Receiver.
type Pair struct {
	Sender   uint16
	Receiver uint16
}

func (p Pair) String() string { return fmt.Sprintf("%03X->%03X", p.Sender, p.Receiver) }

// State is the lifecycle of one receive session.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type session struct {
	state    State
	total    int
	buf      []byte
	nextSeq  byte
	deadline time.Time
}

func (s *session) begin(total int, first []byte, deadline time.Time) {
	s.state = StateReceiving
	s.total = total
	s.buf = make([]byte, 0, total)
	s.buf = append(s.buf, first...)
	s.nextSeq = 1
	s.deadline = deadline
}

// accept appends one consecutive frame. It moves the session to Complete
// once the declared length is reached, or to Aborted on a sequence error.
func (s *session) accept(seq byte, chunk []byte, deadline time.Time) error {
	if seq != s.nextSeq {
		s.state = StateAborted
		return fmt.Errorf("want %d, got %d", s.nextSeq, seq)
	}
	remaining := s.total - len(s.buf)
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	s.buf = append(s.buf, chunk...)
	s.nextSeq = (s.nextSeq + 1) & 0x0F
	s.deadline = deadline
	if len(s.buf) == s.total {
		s.state = StateComplete
	}
	return nil
}

// Reassembler rebuilds payloads from frame data, keeping at most one
// in-flight session per Pair. The clock is supplied by the caller so
// timeouts are deterministic under test.
type Reassembler struct {
	mu       sync.Mutex
	timeout  time.Duration
	sessions map[Pair]*session
}

func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler{timeout: timeout, sessions: make(map[Pair]*session)}
}

// Feed processes the data bytes of one frame. It returns the complete
// payload when a message finishes, nil while a multi-frame message is in
// progress, and a *ReassemblyError when the frame is rejected or aborts
// the session.
func (r *Reassembler) Feed(p Pair, data []byte, now time.Time) ([]byte, error) {
	if len(data) == 0 {
		return nil, &ReassemblyError{Pair: p, Err: ErrMalformed, Detail: "empty frame"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch data[0] >> 4 {
	case PCISingle:
		n := int(data[0] & 0x0F)
		if n > SingleFrameMax || n > len(data)-1 {
			return nil, &ReassemblyError{Pair: p, Err: ErrMalformed, Detail: fmt.Sprintf("single frame length %d", n)}
		}
		out := make([]byte, n)
		copy(out, data[1:1+n])
		return out, nil

	case PCIFirst:
		if len(data) < 2 {
			return nil, &ReassemblyError{Pair: p, Err: ErrMalformed, Detail: "short first frame"}
		}
		total := int(data[0]&0x0F)<<8 | int(data[1])
		if total <= SingleFrameMax {
			return nil, &ReassemblyError{Pair: p, Err: ErrMalformed, Detail: fmt.Sprintf("first frame length %d", total)}
		}
		first := data[2:]
		if len(first) > firstFrameData {
			first = first[:firstFrameData]
		}
		// A new first frame replaces whatever was in flight for this pair.
		s := &session{}
		s.begin(total, first, now.Add(r.timeout))
		r.sessions[p] = s
		return nil, nil

	case PCIConsecutive:
		s, ok := r.sessions[p]
		if !ok {
			return nil, &ReassemblyError{Pair: p, Err: ErrUnexpectedFrame}
		}
		if now.After(s.deadline) {
			s.state = StateAborted
			delete(r.sessions, p)
			return nil, &ReassemblyError{Pair: p, Err: ErrTimeout}
		}
		if err := s.accept(data[0]&0x0F, data[1:], now.Add(r.timeout)); err != nil {
			delete(r.sessions, p)
			return nil, &ReassemblyError{Pair: p, Err: ErrSequence, Detail: err.Error()}
		}
		if s.state == StateComplete {
			delete(r.sessions, p)
			return s.buf, nil
		}
		return nil, nil

	case PCIFlowControl:
		return nil, nil
	}
	return nil, &ReassemblyError{Pair: p, Err: ErrMalformed, Detail: fmt.Sprintf("frame type 0x%X", data[0]>>4)}
}

// Expire drops every session whose deadline has passed and returns one
// timeout error per dropped session.
func (r *Reassembler) Expire(now time.Time) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for p, s := range r.sessions {
		if now.After(s.deadline) {
			s.state = StateAborted
			delete(r.sessions, p)
			errs = append(errs, &ReassemblyError{
				Pair:   p,
				Err:    ErrTimeout,
				Detail: fmt.Sprintf("%d of %d bytes", len(s.buf), s.total),
			})
		}
	}
	return errs
}

// Sessions returns the number of in-flight sessions.
func (r *Reassembler) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// State returns the state of the session for p, StateIdle when none exists.
func (r *Reassembler) State(p Pair) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[p]; ok {
		return s.state
	}
	return StateIdle
}
