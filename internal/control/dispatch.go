package control

import "log"

// Vehicle accepts state-changing events.
type Vehicle interface {
	Apply(ev Event) error
}

// Tester injects diagnostic requests onto the bus.
type Tester interface {
	Inject(did uint16) error
}

// Dispatcher is the one place input events are routed.
type Dispatcher struct {
	Vehicle Vehicle
	Tester  Tester
}

// Submit routes ev to the vehicle or the tester.
func (d *Dispatcher) Submit(ev Event) error {
	switch e := ev.(type) {
	case InjectDiagnostic:
		if d.Tester == nil {
			return ErrUnsupportedEvent
		}
		log.Printf("[control] %s", e)
		return d.Tester.Inject(e.DID)
	case Accelerate, Decelerate, ToggleLeft, ToggleRight, ToggleDoor, SetSpeed:
		if d.Vehicle == nil {
			return ErrUnsupportedEvent
		}
		return d.Vehicle.Apply(e)
	}
	return ErrUnknownEvent
}
