package ecu

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
	"github.com/shaunagostinho/ecusim/internal/control"
	"github.com/shaunagostinho/ecusim/internal/isotp"
	"github.com/shaunagostinho/ecusim/internal/uds"
)

// Config holds ECU settings.
type Config struct {
	TickInterval time.Duration
	RequestID    uint16
	ResponseID   uint16
	SpeedStep    int
	DIDs         map[uint16]string
	ISOTP        isotp.Options
}

func DefaultConfig() Config {
	return Config{
		TickInterval: 50 * time.Millisecond, // 20 Hz
		RequestID:    can.IDDiagReq,
		ResponseID:   can.IDDiagResp,
		SpeedStep:    control.DefaultSpeedStep,
		DIDs:         uds.DefaultDIDs,
		ISOTP:        isotp.DefaultOptions(),
	}
}

// ECU is the simulated control unit. It owns the vehicle state, broadcasts
// telemetry on a fixed tick, emits door status on change and answers
// diagnostic requests.
type ECU struct {
	bus bus.Bus
	cfg Config
	uds *uds.Server
	tp  *isotp.Transport

	mu    sync.Mutex
	state VehicleState
}

func New(b bus.Bus, cfg Config) *ECU {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RequestID == 0 {
		cfg.RequestID = def.RequestID
	}
	if cfg.ResponseID == 0 {
		cfg.ResponseID = def.ResponseID
	}
	if cfg.SpeedStep <= 0 {
		cfg.SpeedStep = def.SpeedStep
	}
	if cfg.DIDs == nil {
		cfg.DIDs = def.DIDs
	}
	return &ECU{
		bus: b,
		cfg: cfg,
		uds: uds.NewServer(uds.NewDIDTable(cfg.DIDs)),
		tp:  isotp.NewTransport(b, isotp.Address{TxID: cfg.ResponseID, RxID: cfg.RequestID}, cfg.ISOTP),
	}
}

func (e *ECU) Name() string { return "Simulated ECU" }

// Start subscribes for diagnostic requests and starts the telemetry tick.
// The returned channel closes once both have stopped.
func (e *ECU) Start(ctx context.Context) <-chan struct{} {
	diagDone := e.tp.Start(ctx, e.handleRequest)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		log.Printf("[ecu] running: tick %v, diagnostics %03X/%03X", e.cfg.TickInterval, e.cfg.RequestID, e.cfg.ResponseID)
		for {
			select {
			case <-ctx.Done():
				<-diagDone
				return
			case <-diagDone:
				log.Printf("[ecu] diagnostic transport stopped")
				return
			case <-ticker.C:
				e.Tick()
			}
		}
	}()
	return done
}

// Run blocks until ctx is cancelled or the bus closes.
func (e *ECU) Run(ctx context.Context) error {
	<-e.Start(ctx)
	return ctx.Err()
}

// Tick publishes one speed frame followed by one lighting frame.
func (e *ECU) Tick() {
	s := e.Snapshot()
	e.publish(EncodeSpeed(s.SpeedKmh))
	e.publish(EncodeLighting(s.TurnLeft, s.TurnRight))
}

// Snapshot returns a copy of the current vehicle state.
func (e *ECU) Snapshot() VehicleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Apply mutates vehicle state. Speed and signal changes show up on the next
// tick; a door change publishes a door status frame immediately.
// InjectDiagnostic belongs to a tester and is rejected.
func (e *ECU) Apply(ev control.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev := ev.(type) {
	case control.Accelerate:
		e.state.SpeedKmh = clampSpeed(int(e.state.SpeedKmh) + e.step(ev.Step))
	case control.Decelerate:
		e.state.SpeedKmh = clampSpeed(int(e.state.SpeedKmh) - e.step(ev.Step))
	case control.SetSpeed:
		e.state.SpeedKmh = clampSpeed(ev.Kmh)
	case control.ToggleLeft:
		e.state.TurnLeft = !e.state.TurnLeft
	case control.ToggleRight:
		e.state.TurnRight = !e.state.TurnRight
	case control.ToggleDoor:
		if ev.Door < 0 || ev.Door >= control.NumDoors {
			return fmt.Errorf("%w: door %d", control.ErrUnknownEvent, ev.Door)
		}
		e.state.Doors[ev.Door] = !e.state.Doors[ev.Door]
		// Published under the lock so frames follow the order of changes.
		e.publish(EncodeDoors(e.state.Doors))
		log.Printf("[ecu] %s", DoorSummary(e.state.Doors))
	default:
		return fmt.Errorf("%w: %s", control.ErrUnsupportedEvent, ev)
	}
	return nil
}

func (e *ECU) step(n int) int {
	if n <= 0 {
		return e.cfg.SpeedStep
	}
	return n
}

func (e *ECU) publish(f can.Frame) {
	if err := e.bus.Publish(f); err != nil {
		log.Printf("[ecu] publish %s failed: %v", f, err)
	}
}

func (e *ECU) handleRequest(req []byte) {
	resp := e.uds.Dispatch(req)
	if resp == nil {
		return
	}
	log.Printf("[uds] % X -> % X", req, []byte(resp))
	if err := e.tp.Send(resp); err != nil {
		log.Printf("[uds] send response failed: %v", err)
	}
}
