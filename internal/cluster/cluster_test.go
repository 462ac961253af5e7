package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
	"github.com/shaunagostinho/ecusim/internal/control"
	"github.com/shaunagostinho/ecusim/internal/ecu"
	"github.com/shaunagostinho/ecusim/internal/uds"
)

func TestHandleTelemetry(t *testing.T) {
	c := New(bus.NewVirtual(), can.IDDiagReq, can.IDDiagResp)

	c.Handle(ecu.EncodeSpeed(120))
	c.Handle(ecu.EncodeLighting(true, false))
	c.Handle(ecu.EncodeDoors([control.NumDoors]bool{true, false, false, true}))
	c.Handle(can.MustFrame(0x123, []byte{1, 2, 3}))

	s := c.Snapshot()
	assert.Equal(t, uint8(120), s.SpeedKmh)
	assert.InDelta(t, 0.5, s.Gauge, 1e-9)
	assert.True(t, s.TurnLeft)
	assert.False(t, s.TurnRight)
	assert.Equal(t, []string{"FL", "RR"}, s.OpenDoors)
	assert.Equal(t, uint64(3), s.Frames)
}

func TestGaugeSaturates(t *testing.T) {
	c := New(bus.NewVirtual(), can.IDDiagReq, can.IDDiagResp)
	c.Handle(ecu.EncodeSpeed(255))
	assert.Equal(t, 1.0, c.Snapshot().Gauge)
}

func TestHandleIgnoresShortFrames(t *testing.T) {
	c := New(bus.NewVirtual(), can.IDDiagReq, can.IDDiagResp)
	c.Handle(ecu.EncodeSpeed(40))
	c.Handle(can.MustFrame(can.IDSpeed, nil))
	c.Handle(can.MustFrame(can.IDDoors, []byte{1}))

	s := c.Snapshot()
	assert.Equal(t, uint8(40), s.SpeedKmh)
	assert.Empty(t, s.OpenDoors)
	assert.Equal(t, uint64(1), s.Frames)
}

func TestHandleDiagnostic(t *testing.T) {
	c := New(bus.NewVirtual(), can.IDDiagReq, can.IDDiagResp)

	c.HandleDiagnostic(append([]byte{0x62, 0xF1, 0x90}, "1SIMECU0000000042"...))
	d := c.Snapshot().Diag
	require.NotNil(t, d)
	assert.True(t, d.Positive)
	assert.Equal(t, uds.DIDVIN, d.DID)
	assert.Equal(t, "1SIMECU0000000042", d.Value)

	c.HandleDiagnostic([]byte{0x7F, 0x22, 0x31})
	d = c.Snapshot().Diag
	require.NotNil(t, d)
	assert.False(t, d.Positive)
	assert.Equal(t, uds.SIDReadDataByIdentifier, d.ServiceID)
	assert.Equal(t, uds.NRCRequestOutOfRange, d.NRC)
	assert.NotEmpty(t, d.Reason)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New(bus.NewVirtual(), can.IDDiagReq, can.IDDiagResp)
	c.Handle(ecu.EncodeDoors([control.NumDoors]bool{true}))

	s := c.Snapshot()
	s.OpenDoors[0] = "XX"
	assert.Equal(t, []string{"FL"}, c.Snapshot().OpenDoors)
}

func TestWatchDeliversLatest(t *testing.T) {
	c := New(bus.NewVirtual(), can.IDDiagReq, can.IDDiagResp)
	ch, cancel := c.Watch()
	defer cancel()

	initial := <-ch
	assert.Equal(t, uint8(0), initial.SpeedKmh)

	for v := uint8(1); v <= 10; v++ {
		c.Handle(ecu.EncodeSpeed(v))
	}
	select {
	case s := <-ch:
		assert.Equal(t, uint8(10), s.SpeedKmh)
	case <-time.After(time.Second):
		t.Fatal("no state delivered")
	}

	// Unchanged telemetry does not notify.
	c.Handle(ecu.EncodeSpeed(10))
	select {
	case s := <-ch:
		t.Fatalf("unexpected notification: %+v", s)
	default:
	}
}

func TestWatchCancel(t *testing.T) {
	c := New(bus.NewVirtual(), can.IDDiagReq, can.IDDiagResp)
	ch, cancel := c.Watch()
	<-ch
	cancel()
	cancel()

	c.Handle(ecu.EncodeSpeed(50))
	select {
	case <-ch:
		t.Fatal("cancelled watcher notified")
	default:
	}
}

func TestClusterFollowsECU(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewVirtual()
	defer b.Close()

	cfg := ecu.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	e := ecu.New(b, cfg)
	c := New(b, can.IDDiagReq, can.IDDiagResp)
	c.Start(ctx)
	e.Start(ctx)

	require.NoError(t, e.Apply(control.SetSpeed{Kmh: 88}))
	require.NoError(t, e.Apply(control.ToggleRight{}))
	require.NoError(t, e.Apply(control.ToggleDoor{Door: control.DoorRL}))

	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.SpeedKmh == 88 && s.TurnRight && s.Doors[control.DoorRL]
	}, time.Second, 10*time.Millisecond)
}

func TestStartStopsOnBusClose(t *testing.T) {
	b := bus.NewVirtual()
	c := New(b, can.IDDiagReq, can.IDDiagResp)
	done := c.Start(context.Background())
	require.NoError(t, b.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cluster did not stop")
	}
}
