package ecu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/control"
)

func TestDemoDriverCycle(t *testing.T) {
	d := NewDemoDriver(1)
	e := New(bus.NewVirtual(), DefaultConfig())

	var maxKmh uint8
	var sawLeft, sawRight, sawDoor bool
	// One full cycle is pi/0.15 s; walk it at 20 Hz.
	for i := 0; i < 500; i++ {
		for _, ev := range d.Step(0.05) {
			require.NoError(t, e.Apply(ev))
		}
		s := e.Snapshot()
		if s.SpeedKmh > maxKmh {
			maxKmh = s.SpeedKmh
		}
		sawLeft = sawLeft || s.TurnLeft
		sawRight = sawRight || s.TurnRight
		sawDoor = sawDoor || s.Doors[control.DoorFL]
		assert.False(t, s.TurnLeft && s.TurnRight, "step %d", i)
		if s.Doors[control.DoorFL] {
			assert.Less(t, s.SpeedKmh, uint8(2), "door open while moving at step %d", i)
		}
	}
	assert.Greater(t, maxKmh, uint8(190))
	assert.True(t, sawLeft)
	assert.True(t, sawRight)
	assert.True(t, sawDoor)
}

func TestDemoDriverOnlyEmitsChanges(t *testing.T) {
	d := NewDemoDriver(1)
	first := d.Step(0)
	require.NotEmpty(t, first)
	assert.Empty(t, d.Step(0))
}

func TestDemoDriverRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDemoDriver(1)
	events := make(chan control.Event, 64)
	go d.Run(ctx, 5*time.Millisecond, func(ev control.Event) error {
		select {
		case events <- ev:
		default:
		}
		return nil
	})

	select {
	case ev := <-events:
		assert.IsType(t, control.SetSpeed{}, ev)
	case <-time.After(time.Second):
		t.Fatal("no events")
	}
}
