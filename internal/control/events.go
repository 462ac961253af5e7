// Package control defines the closed set of input events that drive the
// simulated vehicle and the single switch that routes them.
package control

import (
	"errors"
	"fmt"
	"strings"
)

// Door positions, in wire order.
const (
	DoorFL = iota
	DoorFR
	DoorRL
	DoorRR
	NumDoors
)

// DoorNames are the short labels used in logs and the cluster.
var DoorNames = [NumDoors]string{"FL", "FR", "RL", "RR"}

// DefaultSpeedStep is the km/h change for one accelerate/decelerate input.
const DefaultSpeedStep = 2

var (
	ErrUnknownEvent     = errors.New("control: unknown event")
	ErrUnsupportedEvent = errors.New("control: event not handled here")
)

// Event is one input action. The set of implementations is closed.
type Event interface {
	event()
	String() string
}

type Accelerate struct{ Step int }
type Decelerate struct{ Step int }
type ToggleLeft struct{}
type ToggleRight struct{}
type ToggleDoor struct{ Door int }
type SetSpeed struct{ Kmh int }
type InjectDiagnostic struct{ DID uint16 }

func (Accelerate) event()       {}
func (Decelerate) event()       {}
func (ToggleLeft) event()       {}
func (ToggleRight) event()      {}
func (ToggleDoor) event()       {}
func (SetSpeed) event()         {}
func (InjectDiagnostic) event() {}

func (e Accelerate) String() string       { return fmt.Sprintf("accelerate(+%d)", e.Step) }
func (e Decelerate) String() string       { return fmt.Sprintf("decelerate(-%d)", e.Step) }
func (ToggleLeft) String() string         { return "toggle-left" }
func (ToggleRight) String() string        { return "toggle-right" }
func (e ToggleDoor) String() string       { return "toggle-door(" + doorName(e.Door) + ")" }
func (e SetSpeed) String() string         { return fmt.Sprintf("set-speed(%d)", e.Kmh) }
func (e InjectDiagnostic) String() string { return fmt.Sprintf("inject-diagnostic(0x%04X)", e.DID) }

func doorName(i int) string {
	if i >= 0 && i < NumDoors {
		return DoorNames[i]
	}
	return fmt.Sprintf("door%d", i)
}

// Parse maps an input name and its numeric argument to an Event. Names
// follow the web and keyboard bindings: accelerate, decelerate, left,
// right, door, speed, diag.
func Parse(name string, arg int) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "accelerate", "up":
		return Accelerate{Step: stepOrDefault(arg)}, nil
	case "decelerate", "down":
		return Decelerate{Step: stepOrDefault(arg)}, nil
	case "left":
		return ToggleLeft{}, nil
	case "right":
		return ToggleRight{}, nil
	case "door":
		if arg < 0 || arg >= NumDoors {
			return nil, fmt.Errorf("%w: door %d", ErrUnknownEvent, arg)
		}
		return ToggleDoor{Door: arg}, nil
	case "speed":
		return SetSpeed{Kmh: arg}, nil
	case "diag":
		if arg < 0 || arg > 0xFFFF {
			return nil, fmt.Errorf("%w: DID %d", ErrUnknownEvent, arg)
		}
		return InjectDiagnostic{DID: uint16(arg)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func stepOrDefault(n int) int {
	if n <= 0 {
		return DefaultSpeedStep
	}
	return n
}
