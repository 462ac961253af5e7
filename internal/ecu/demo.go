package ecu

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/ecusim/internal/control"
)

// DemoDriver generates a repeating drive cycle as control events, for
// running the cluster without anyone at the controls. It tracks the
// signal and door state it asked for and only emits toggles on change.
type DemoDriver struct {
	mu  sync.Mutex
	t   float64 // virtual time accumulator
	rng *rand.Rand

	left     bool
	right    bool
	doorOpen bool
	lastKmh  int
}

func NewDemoDriver(seed int64) *DemoDriver {
	return &DemoDriver{rng: rand.New(rand.NewSource(seed)), lastKmh: -1}
}

func (d *DemoDriver) Name() string { return "Demo (Simulated)" }

// Step advances virtual time by dt seconds and returns the events that
// move the vehicle along the cycle.
func (d *DemoDriver) Step(dt float64) []control.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.t += dt

	// Speed cycles between standstill and ~200 km/h
	s := math.Sin(d.t * 0.15)
	kmh := int(200 * s * s)
	if kmh > 5 {
		kmh += d.rng.Intn(2)
	}

	var events []control.Event
	if kmh != d.lastKmh {
		events = append(events, control.SetSpeed{Kmh: kmh})
		d.lastKmh = kmh
	}

	// Indicate before the slow sections of the cycle
	wantLeft := kmh > 20 && kmh < 60 && math.Cos(d.t*0.15) > 0
	wantRight := kmh > 20 && kmh < 60 && math.Cos(d.t*0.15) < 0
	if wantLeft != d.left {
		events = append(events, control.ToggleLeft{})
		d.left = wantLeft
	}
	if wantRight != d.right {
		events = append(events, control.ToggleRight{})
		d.right = wantRight
	}

	// Driver door opens at standstill and closes before pulling away
	wantDoor := kmh < 2
	if wantDoor != d.doorOpen {
		events = append(events, control.ToggleDoor{Door: control.DoorFL})
		d.doorOpen = wantDoor
	}
	return events
}

// Run submits the cycle every interval until ctx is cancelled.
func (d *DemoDriver) Run(ctx context.Context, interval time.Duration, submit func(control.Event) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[demo] driving, step %v", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range d.Step(interval.Seconds()) {
				if err := submit(ev); err != nil {
					log.Printf("[demo] %s: %v", ev, err)
				}
			}
		}
	}
}
