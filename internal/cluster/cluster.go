// Package cluster is the instrument-cluster side of the network: it decodes
// broadcast telemetry and diagnostic responses into a state the renderer
// draws from.
package cluster

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
	"github.com/shaunagostinho/ecusim/internal/control"
	"github.com/shaunagostinho/ecusim/internal/ecu"
	"github.com/shaunagostinho/ecusim/internal/isotp"
	"github.com/shaunagostinho/ecusim/internal/uds"
)

// MaxSpeedKmh is the top of the speedometer scale.
const MaxSpeedKmh = 240

// State is what the cluster currently shows.
type State struct {
	SpeedKmh  uint8                  `json:"speedKmh"`
	Gauge     float64                `json:"gauge"` // needle position 0-1
	TurnLeft  bool                   `json:"turnLeft"`
	TurnRight bool                   `json:"turnRight"`
	Doors     [control.NumDoors]bool `json:"doors"`
	OpenDoors []string               `json:"openDoors"`
	Diag      *Diag                  `json:"diag,omitempty"`
	Frames    uint64                 `json:"frames"`
}

// Diag is the last diagnostic response seen on the bus.
type Diag struct {
	ServiceID byte      `json:"serviceId"`
	DID       uint16    `json:"did,omitempty"`
	Positive  bool      `json:"positive"`
	Value     string    `json:"value,omitempty"`
	NRC       byte      `json:"nrc,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Cluster tracks the decoded state and notifies watchers on change.
type Cluster struct {
	bus bus.Bus
	tp  *isotp.Transport

	mu       sync.RWMutex
	state    State
	watchers map[chan State]struct{}
}

// New creates a cluster that listens for diagnostic responses on
// responseID. It never transmits.
func New(b bus.Bus, requestID, responseID uint16) *Cluster {
	return &Cluster{
		bus:      b,
		tp:       isotp.NewTransport(b, isotp.Address{TxID: requestID, RxID: responseID}, isotp.DefaultOptions()),
		watchers: make(map[chan State]struct{}),
	}
}

// Start subscribes to the bus and decodes frames in the background.
func (c *Cluster) Start(ctx context.Context) <-chan struct{} {
	sub := c.bus.Subscribe()
	diagDone := c.tp.Start(ctx, c.HandleDiagnostic)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				<-diagDone
				return
			case f, ok := <-sub.Frames():
				if !ok {
					<-diagDone
					return
				}
				c.Handle(f)
			}
		}
	}()
	return done
}

// Handle decodes one telemetry frame. Frames with other identifiers are
// ignored.
func (c *Cluster) Handle(f can.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	switch f.ID() {
	case can.IDSpeed:
		v, ok := ecu.DecodeSpeed(f)
		if !ok {
			return
		}
		c.state.SpeedKmh = v
		c.state.Gauge = gauge(v)
	case can.IDLighting:
		l, r, ok := ecu.DecodeLighting(f)
		if !ok {
			return
		}
		c.state.TurnLeft, c.state.TurnRight = l, r
	case can.IDDoors:
		doors, ok := ecu.DecodeDoors(f)
		if !ok {
			return
		}
		if doors != c.state.Doors {
			c.state.Doors = doors
			c.state.OpenDoors = ecu.VehicleState{Doors: doors}.OpenDoors()
			log.Printf("[cluster] %s", ecu.DoorSummary(doors))
		}
	default:
		return
	}
	c.state.Frames++

	if changed(prev, c.state) {
		c.notifyLocked()
	}
}

// HandleDiagnostic records a reassembled diagnostic response.
func (c *Cluster) HandleDiagnostic(p []byte) {
	if len(p) == 0 {
		return
	}
	d := &Diag{ServiceID: p[0], At: time.Now()}
	switch {
	case p[0] == uds.SIDNegativeResponse && len(p) >= 3:
		d.ServiceID = p[1]
		d.NRC = p[2]
		d.Reason = uds.DescribeNRC(p[2])
	case p[0] == uds.SIDReadDataByIdentifier+uds.PositiveOffset && len(p) >= 3:
		d.ServiceID = uds.SIDReadDataByIdentifier
		d.Positive = true
		d.DID = binary.BigEndian.Uint16(p[1:3])
		d.Value = printable(p[3:])
	default:
		d.Positive = p[0] >= uds.PositiveOffset && p[0] != uds.SIDNegativeResponse
		d.ServiceID = p[0] - uds.PositiveOffset
		d.Value = printable(p[1:])
	}

	c.mu.Lock()
	c.state.Diag = d
	c.notifyLocked()
	c.mu.Unlock()

	if d.Positive {
		log.Printf("[cluster] DIAG 0x%02X %04X = %q", d.ServiceID, d.DID, d.Value)
	} else {
		log.Printf("[cluster] DIAG 0x%02X rejected: %s", d.ServiceID, d.Reason)
	}
}

// Snapshot returns a copy of the current state.
func (c *Cluster) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked()
}

// Watch returns a channel receiving the state after every change, and a
// cancel func. A watcher that falls behind misses intermediate states,
// never the latest one.
func (c *Cluster) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	ch <- c.copyLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			c.mu.Unlock()
		})
	}
}

func (c *Cluster) copyLocked() State {
	s := c.state
	if s.OpenDoors != nil {
		s.OpenDoors = append([]string(nil), s.OpenDoors...)
	}
	if s.Diag != nil {
		d := *s.Diag
		s.Diag = &d
	}
	return s
}

func (c *Cluster) notifyLocked() {
	snap := c.copyLocked()
	for ch := range c.watchers {
		// Replace a stale pending state with the newest one.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func changed(a, b State) bool {
	return a.SpeedKmh != b.SpeedKmh ||
		a.TurnLeft != b.TurnLeft ||
		a.TurnRight != b.TurnRight ||
		a.Doors != b.Doors
}

func gauge(kmh uint8) float64 {
	g := float64(kmh) / MaxSpeedKmh
	if g > 1 {
		g = 1
	}
	return g
}

func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 32 && c < 127 {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
