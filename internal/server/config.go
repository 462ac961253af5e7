package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/can"
	"github.com/shaunagostinho/ecusim/internal/ecu"
	"github.com/shaunagostinho/ecusim/internal/isotp"
	"github.com/shaunagostinho/ecusim/internal/logger"
	"github.com/shaunagostinho/ecusim/internal/uds"
)

// Config holds all simulator configuration.
type Config struct {
	mu sync.RWMutex

	// CAN bus binding
	Bus BusConfig `yaml:"bus" json:"bus"`

	// Simulated ECU
	ECU ECUConfig `yaml:"ecu" json:"ecu"`

	// Transport layer
	ISOTP ISOTPConfig `yaml:"isotp" json:"isotp"`

	// Frame recorder
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type BusConfig struct {
	Type         string `yaml:"type" json:"type"`          // "virtual", "socketcan", "slcan" or "redis"
	Channel      string `yaml:"channel" json:"channel"`    // SocketCAN interface, e.g. vcan0
	PortPath     string `yaml:"port_path" json:"portPath"` // SLCAN adapter, e.g. /dev/ttyACM0
	BaudRate     int    `yaml:"baud_rate" json:"baudRate"` // SLCAN serial speed
	Bitrate      int    `yaml:"bitrate" json:"bitrate"`    // CAN bitrate
	RedisURL     string `yaml:"redis_url" json:"redisUrl"` // e.g. redis://localhost:6379
	RedisChannel string `yaml:"redis_channel" json:"redisChannel"`
	QueueLimit   int    `yaml:"queue_limit" json:"queueLimit"` // per subscriber, 0 = unbounded
}

type ECUConfig struct {
	TickHz     int               `yaml:"tick_hz" json:"tickHz"`
	RequestID  int               `yaml:"request_id" json:"requestId"`
	ResponseID int               `yaml:"response_id" json:"responseId"`
	SpeedStep  int               `yaml:"speed_step" json:"speedStep"` // km/h per accelerate/decelerate
	DIDs       map[string]string `yaml:"dids" json:"dids"`            // "F190" -> ASCII value
}

type ISOTPConfig struct {
	TimeoutMs int `yaml:"timeout_ms" json:"timeoutMs"`
	Padding   int `yaml:"padding" json:"padding"` // fill byte, -1 = off
}

type RecorderConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Format    string `yaml:"format" json:"format"` // "csv", "cbor" or "candump"
	MaxFrames int    `yaml:"max_frames" json:"maxFrames"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	dids := make(map[string]string, len(uds.DefaultDIDs))
	for id, v := range uds.DefaultDIDs {
		dids[fmt.Sprintf("%04X", id)] = v
	}
	return &Config{
		Bus: BusConfig{
			Type:         "virtual",
			Channel:      "vcan0",
			PortPath:     "/dev/ttyACM0",
			BaudRate:     115200,
			Bitrate:      500000,
			RedisURL:     "redis://localhost:6379",
			RedisChannel: "ecusim.can",
			QueueLimit:   0,
		},
		ECU: ECUConfig{
			TickHz:     20,
			RequestID:  int(can.IDDiagReq),
			ResponseID: int(can.IDDiagResp),
			SpeedStep:  2,
			DIDs:       dids,
		},
		ISOTP: ISOTPConfig{
			TimeoutMs: 1000,
			Padding:   -1,
		},
		Recorder: RecorderConfig{
			Enabled:   false,
			Path:      "/var/log/ecusim",
			Format:    "csv",
			MaxFrames: 200_000,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 20,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BUS_TYPE, BUS_CHANNEL, BUS_PORT, BUS_BAUD, REDIS_URL,
// ECU_TICK_HZ, ISOTP_TIMEOUT_MS, REC_ENABLED, REC_PATH, REC_FORMAT,
// LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BUS_TYPE"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv("BUS_CHANNEL"); v != "" {
		c.Bus.Channel = v
	}
	if v := os.Getenv("BUS_PORT"); v != "" {
		c.Bus.PortPath = v
	}
	if v := os.Getenv("BUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.BaudRate = n
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Bus.RedisURL = v
	}
	if v := os.Getenv("ECU_TICK_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.TickHz = n
		}
	}
	if v := os.Getenv("ISOTP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ISOTP.TimeoutMs = n
		}
	}
	// Recorder
	if v := os.Getenv("REC_ENABLED"); v != "" {
		c.Recorder.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("REC_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("REC_FORMAT"); v != "" {
		c.Recorder.Format = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Path returns the file the config saves to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "/etc/ecusim/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToYAML serializes config the way Save writes it.
func (c *Config) ToYAML() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return yaml.Marshal(c)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// ISOTPOptions converts the isotp section.
func (c *Config) ISOTPOptions() isotp.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isotpOptions()
}

func (c *Config) isotpOptions() isotp.Options {
	opts := isotp.DefaultOptions()
	if c.ISOTP.TimeoutMs > 0 {
		opts.Timeout = time.Duration(c.ISOTP.TimeoutMs) * time.Millisecond
	}
	if c.ISOTP.Padding >= 0 && c.ISOTP.Padding <= 0xFF {
		p := byte(c.ISOTP.Padding)
		opts.Padding = &p
	}
	return opts
}

// ECUSettings converts the ecu and isotp sections.
func (c *Config) ECUSettings() (ecu.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := ecu.DefaultConfig()
	if c.ECU.TickHz > 0 {
		cfg.TickInterval = time.Second / time.Duration(c.ECU.TickHz)
	}
	req, err := canID("ecu.request_id", c.ECU.RequestID)
	if err != nil {
		return cfg, err
	}
	resp, err := canID("ecu.response_id", c.ECU.ResponseID)
	if err != nil {
		return cfg, err
	}
	if req != 0 {
		cfg.RequestID = req
	}
	if resp != 0 {
		cfg.ResponseID = resp
	}
	if cfg.RequestID == cfg.ResponseID {
		return cfg, fmt.Errorf("ecu: request and response id are both %03X", cfg.RequestID)
	}
	if c.ECU.SpeedStep > 0 {
		cfg.SpeedStep = c.ECU.SpeedStep
	}
	if len(c.ECU.DIDs) > 0 {
		cfg.DIDs = make(map[uint16]string, len(c.ECU.DIDs))
		for k, v := range c.ECU.DIDs {
			did, err := uds.ParseDID(k)
			if err != nil {
				return cfg, fmt.Errorf("ecu.dids: %w", err)
			}
			cfg.DIDs[did] = v
		}
	}
	cfg.ISOTP = c.isotpOptions()
	return cfg, nil
}

// DiagAddress is the tester side of the ECU's diagnostic pair.
func (c *Config) DiagAddress() (isotp.Address, error) {
	cfg, err := c.ECUSettings()
	if err != nil {
		return isotp.Address{}, err
	}
	return isotp.Address{TxID: cfg.RequestID, RxID: cfg.ResponseID}, nil
}

// BusOptions converts the shared bus settings.
func (c *Config) BusOptions() []bus.Option {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Bus.QueueLimit > 0 {
		return []bus.Option{bus.WithQueueLimit(c.Bus.QueueLimit)}
	}
	return nil
}

// SLCANSettings converts the bus section for the serial binding.
func (c *Config) SLCANSettings() bus.SLCANConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bus.SLCANConfig{PortPath: c.Bus.PortPath, BaudRate: c.Bus.BaudRate, Bitrate: c.Bus.Bitrate}
}

// RedisSettings converts the bus section for the Redis binding.
func (c *Config) RedisSettings() bus.RedisConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bus.RedisConfig{URL: c.Bus.RedisURL, Channel: c.Bus.RedisChannel}
}

// RecorderSettings converts the recorder section.
func (c *Config) RecorderSettings() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{
		Enabled:   c.Recorder.Enabled,
		Path:      c.Recorder.Path,
		Format:    c.Recorder.Format,
		MaxFrames: c.Recorder.MaxFrames,
	}
}

// BroadcastInterval is the websocket push period.
func (c *Config) BroadcastInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hz := c.Server.BroadcastHz
	if hz <= 0 {
		hz = 20
	}
	return time.Second / time.Duration(hz)
}

func canID(field string, v int) (uint16, error) {
	if v < 0 || v > can.MaxID {
		return 0, fmt.Errorf("%s: %#x is not an 11-bit identifier", field, v)
	}
	return uint16(v), nil
}
