package logger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
)

// Logger records bus traffic to files with automatic rotation.
type Logger struct {
	mu        sync.Mutex
	dir       string
	format    string
	iface     string
	maxFrames int
	enabled   bool

	file   *os.File
	csv    *csv.Writer
	cbor   *cbor.Encoder
	start  time.Time
	frames int
	total  uint64
}

// Config holds recorder configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Format    string `yaml:"format" json:"format"` // "csv", "cbor" or "candump"
	MaxFrames int    `yaml:"max_frames" json:"maxFrames"`
}

const (
	FormatCSV     = "csv"
	FormatCBOR    = "cbor"
	FormatCandump = "candump"

	defaultMaxFrames = 200_000 // ~80 min of default telemetry
)

// Dir values for Record.
const (
	DirRx = "Rx"
	DirTx = "Tx"
)

// Record is one captured frame as written in the cbor format.
type Record struct {
	Time time.Time `cbor:"t"`
	ID   uint16    `cbor:"id"`
	Dir  string    `cbor:"dir"`
	Data []byte    `cbor:"d"`
}

// SavvyCAN-compatible header.
var csvHeader = []string{
	"Time Stamp", "ID", "Extended", "Dir", "Bus", "LEN",
	"D1", "D2", "D3", "D4", "D5", "D6", "D7", "D8",
}

// New creates a new Logger. iface names the interface in candump output.
func New(cfg Config, iface string) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/ecusim"
	}
	switch cfg.Format {
	case FormatCSV, FormatCBOR, FormatCandump:
	default:
		if cfg.Format != "" {
			log.Printf("[recorder] unknown format %q, using csv", cfg.Format)
		}
		cfg.Format = FormatCSV
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = defaultMaxFrames
	}
	if iface == "" {
		iface = "vcan0"
	}
	return &Logger{
		dir:       cfg.Path,
		format:    cfg.Format,
		iface:     iface,
		maxFrames: cfg.MaxFrames,
		enabled:   cfg.Enabled,
	}
}

// SetEnabled allows toggling recording at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Total returns the number of frames recorded since start.
func (l *Logger) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Run records every frame from sub until ctx is cancelled or the
// subscription ends. The subscription is closed on return.
func (l *Logger) Run(ctx context.Context, sub *bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			l.Record(time.Now(), f, DirRx)
		}
	}
}

// Record writes one frame.
func (l *Logger) Record(ts time.Time, f can.Frame, dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	// Open/rotate file if needed
	if l.file == nil || l.frames >= l.maxFrames {
		if err := l.rotateFile(ts); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	if err := l.write(ts, f, dir); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	l.frames++
	l.total++
}

// Close flushes and closes the current file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) write(ts time.Time, f can.Frame, dir string) error {
	switch l.format {
	case FormatCBOR:
		return l.cbor.Encode(Record{Time: ts, ID: f.ID(), Dir: dir, Data: f.Data()})
	case FormatCandump:
		_, err := fmt.Fprintf(l.file, "(%d.%06d) %s %s\n", ts.Unix(), ts.Nanosecond()/1000, l.iface, f)
		return err
	default:
		if err := l.csv.Write(l.buildRow(ts, f, dir)); err != nil {
			return err
		}
		l.csv.Flush()
		return l.csv.Error()
	}
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	ext := l.format
	if ext == FormatCandump {
		ext = "log"
	}
	filename := fmt.Sprintf("ecusim_%s.%s", now.Format("2006-01-02_150405.000"), ext)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.frames = 0
	l.start = now

	switch l.format {
	case FormatCSV:
		l.csv = csv.NewWriter(f)
		if err := l.csv.Write(csvHeader); err != nil {
			return err
		}
		l.csv.Flush()
	case FormatCBOR:
		l.cbor = cbor.NewEncoder(f)
	}

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.csv != nil {
		l.csv.Flush()
		l.csv = nil
	}
	l.cbor = nil
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// buildRow renders a SavvyCAN row. Time stamps are microseconds since the
// file was opened.
func (l *Logger) buildRow(ts time.Time, f can.Frame, dir string) []string {
	row := make([]string, len(csvHeader))

	row[0] = strconv.FormatInt(ts.Sub(l.start).Microseconds(), 10)
	row[1] = fmt.Sprintf("%08X", f.ID())
	row[2] = "false"
	row[3] = dir
	row[4] = "0"
	row[5] = strconv.Itoa(f.Len())
	for i := 0; i < f.Len(); i++ {
		row[6+i] = fmt.Sprintf("%02X", f.Byte(i))
	}
	return row
}

// ReadCBOR decodes a cbor recording.
func ReadCBOR(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
