package ecu

import (
	"strings"

	"github.com/shaunagostinho/ecusim/internal/control"
)

// VehicleState is everything the ECU broadcasts.
type VehicleState struct {
	SpeedKmh  uint8                  `json:"speedKmh"`  // 0-255 km/h
	TurnLeft  bool                   `json:"turnLeft"`  // Left indicator active
	TurnRight bool                   `json:"turnRight"` // Right indicator active
	Doors     [control.NumDoors]bool `json:"doors"`     // FL, FR, RL, RR; true = open
}

// OpenDoors lists the labels of open doors in wire order.
func (s VehicleState) OpenDoors() []string {
	var open []string
	for i, o := range s.Doors {
		if o {
			open = append(open, control.DoorNames[i])
		}
	}
	return open
}

// DoorSummary is "all doors closed" or "doors open: FL, RR".
func DoorSummary(doors [control.NumDoors]bool) string {
	s := VehicleState{Doors: doors}
	open := s.OpenDoors()
	if len(open) == 0 {
		return "all doors closed"
	}
	return "doors open: " + strings.Join(open, ", ")
}

func clampSpeed(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
