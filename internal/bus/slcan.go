package bus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/ecusim/internal/can"
)

// SLCANConfig holds connection settings for a Lawicel/SLCAN serial adapter.
type SLCANConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Bitrate  int    `yaml:"bitrate" json:"bitrate"` // CAN bitrate in bit/s
}

// slcanBitrates maps CAN bitrates to the adapter's S<n> setup command.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// SLCAN bridges the local bus onto a USB-serial CAN adapter speaking the
// ASCII SLCAN protocol.
type SLCAN struct {
	local *Virtual
	cfg   SLCANConfig

	// open is replaced in tests.
	open func(path string, baud int) (io.ReadWriteCloser, error)

	mu   sync.Mutex
	port io.ReadWriteCloser
}

func NewSLCAN(cfg SLCANConfig, opts ...Option) *SLCAN {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 500000
	}
	return &SLCAN{local: NewVirtual(opts...), cfg: cfg, open: openSerial}
}

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

func (s *SLCAN) Name() string { return "slcan:" + s.cfg.PortPath }

// Connect opens the port, configures the bitrate and opens the CAN channel.
func (s *SLCAN) Connect() error {
	code, ok := slcanBitrates[s.cfg.Bitrate]
	if !ok {
		return NewBindingError("slcan", fmt.Errorf("unsupported bitrate %d", s.cfg.Bitrate))
	}

	port, err := s.open(s.cfg.PortPath, s.cfg.BaudRate)
	if err != nil {
		return NewBindingError("slcan", fmt.Errorf("failed to open %s: %w", s.cfg.PortPath, err))
	}

	// Close first in case the adapter was left open by a previous session.
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := io.WriteString(port, cmd); err != nil {
			port.Close()
			return NewBindingError("slcan", fmt.Errorf("setup %q: %w", strings.TrimSpace(cmd), err))
		}
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	log.Printf("[slcan] connected to %s at %d baud (bitrate %d)", s.cfg.PortPath, s.cfg.BaudRate, s.cfg.Bitrate)
	go s.readLoop(port)
	return nil
}

func (s *SLCAN) readLoop(port io.Reader) {
	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\r')
				if idx < 0 {
					break
				}
				line := string(pending[:idx])
				pending = pending[idx+1:]
				s.handleLine(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("[slcan] read stopped: %v", err)
			}
			return
		}
	}
}

func (s *SLCAN) handleLine(line string) {
	line = strings.TrimLeft(line, "\a\n")
	if line == "" || line[0] != 't' {
		// Acks, extended and remote frames are not part of this network.
		return
	}
	f, err := DecodeSLCAN(line)
	if err != nil {
		log.Printf("[slcan] bad line %q: %v", line, err)
		return
	}
	s.local.Publish(f)
}

func (s *SLCAN) Publish(f can.Frame) error {
	if err := s.local.Publish(f); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	if _, err := io.WriteString(s.port, EncodeSLCAN(f)); err != nil {
		return NewBindingError("slcan", fmt.Errorf("write %s: %w", f, err))
	}
	return nil
}

func (s *SLCAN) Subscribe() *Subscription { return s.local.Subscribe() }

func (s *SLCAN) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	var err error
	if port != nil {
		io.WriteString(port, "C\r")
		err = port.Close()
	}
	s.local.Close()
	return err
}

// EncodeSLCAN renders a standard data frame as "tIIIL<data>\r".
func EncodeSLCAN(f can.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "t%03X%d", f.ID(), f.Len())
	for _, d := range f.Data() {
		fmt.Fprintf(&b, "%02X", d)
	}
	b.WriteByte('\r')
	return b.String()
}

// DecodeSLCAN parses a standard data frame line without its trailing '\r'.
func DecodeSLCAN(line string) (can.Frame, error) {
	if len(line) < 5 || line[0] != 't' {
		return can.Frame{}, fmt.Errorf("not a standard frame")
	}
	id, err := strconv.ParseUint(line[1:4], 16, 16)
	if err != nil {
		return can.Frame{}, fmt.Errorf("identifier: %w", err)
	}
	n := int(line[4] - '0')
	if n < 0 || n > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("length %q out of range", line[4])
	}
	hexData := line[5:]
	if len(hexData) < 2*n {
		return can.Frame{}, fmt.Errorf("want %d data bytes, line has %d hex digits", n, len(hexData))
	}
	data := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseUint(hexData[2*i:2*i+2], 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("data byte %d: %w", i, err)
		}
		data[i] = byte(v)
	}
	return can.NewFrame(uint16(id), data)
}
