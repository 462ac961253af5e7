package logger

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
)

func files(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "ecusim_*"))
	require.NoError(t, err)
	return matches
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir}, "")
	l.Record(time.Now(), can.MustFrame(can.IDSpeed, []byte{1}), DirRx)
	l.Close()
	assert.Empty(t, files(t, dir))
	assert.Zero(t, l.Total())
}

func TestCSVRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, Format: FormatCSV}, "")

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Record(start, can.MustFrame(can.IDSpeed, []byte{0x64, 0, 0, 0, 0, 0, 0, 0}), DirRx)
	l.Record(start.Add(1500*time.Microsecond), can.MustFrame(can.IDLighting, []byte{0x03}), DirTx)
	l.Close()

	paths := files(t, dir)
	require.Len(t, paths, 1)
	assert.True(t, strings.HasSuffix(paths[0], ".csv"))

	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"0", "00000244", "false", "Rx", "0", "8", "64", "00", "00", "00", "00", "00", "00", "00"}, rows[1])
	assert.Equal(t, []string{"1500", "00000188", "false", "Tx", "0", "1", "03", "", "", "", "", "", "", ""}, rows[2])
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, MaxFrames: 2}, "")

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Record(ts.Add(time.Duration(i)*time.Second), can.MustFrame(can.IDSpeed, []byte{byte(i)}), DirRx)
	}
	l.Close()

	assert.Len(t, files(t, dir), 3)
	assert.Equal(t, uint64(5), l.Total())
}

func TestCBORRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, Format: FormatCBOR}, "")

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Record(ts, can.MustFrame(can.IDDoors, []byte{1, 0, 0, 1}), DirRx)
	l.Record(ts.Add(time.Millisecond), can.MustFrame(can.IDDiagReq, []byte{0x03, 0x22, 0xF1, 0x90}), DirTx)
	l.Close()

	paths := files(t, dir)
	require.Len(t, paths, 1)
	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()

	recs, err := ReadCBOR(f)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, can.IDDoors, recs[0].ID)
	assert.Equal(t, []byte{1, 0, 0, 1}, recs[0].Data)
	assert.True(t, ts.Equal(recs[0].Time))
	assert.Equal(t, DirTx, recs[1].Dir)
	assert.Equal(t, []byte{0x03, 0x22, 0xF1, 0x90}, recs[1].Data)
}

func TestCandumpLines(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, Format: FormatCandump}, "can0")

	ts := time.Unix(1700000000, 123456000)
	l.Record(ts, can.MustFrame(can.IDSpeed, []byte{0x64}), DirRx)
	l.Close()

	paths := files(t, dir)
	require.Len(t, paths, 1)
	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "(1700000000.123456) can0 244#64\n", string(raw))
}

func TestUnknownFormatFallsBack(t *testing.T) {
	l := New(Config{Format: "parquet"}, "")
	assert.Equal(t, FormatCSV, l.format)
}

func TestRunRecordsBusTraffic(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir}, "")

	b := bus.NewVirtual()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	sub := b.Subscribe()
	go func() {
		l.Run(ctx, sub)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(can.MustFrame(can.IDSpeed, []byte{byte(i)})))
	}
	require.Eventually(t, func() bool { return l.Total() == 10 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	<-done
	l.Close()
}

func TestSetEnabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir}, "")
	assert.False(t, l.IsEnabled())

	l.SetEnabled(true)
	l.Record(time.Now(), can.MustFrame(can.IDSpeed, []byte{1}), DirRx)
	l.SetEnabled(false)
	l.Record(time.Now(), can.MustFrame(can.IDSpeed, []byte{2}), DirRx)

	assert.Equal(t, uint64(1), l.Total())
	assert.Len(t, files(t, dir), 1)
}
