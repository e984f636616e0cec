// Package config loads the YAML description of a lab bench: which
// instruments exist, how to reach them and how the daemon around them logs,
// exports metrics and publishes traces.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/gotmc/labinst"
)

// Instrument families understood by the tools.
const (
	FamilyOSA = "osa"
	FamilySA  = "sa"
	FamilyAFG = "afg"
	FamilyPSU = "psu"
	FamilyOSW = "osw"
)

var defaultPorts = map[string]int{
	FamilyOSA: 5900,
	FamilySA:  5025,
	FamilyAFG: 4000,
	FamilyPSU: 5025,
	FamilyOSW: 5900,
}

// DefaultPort returns the usual TCP port of a family, 0 if unknown.
func DefaultPort(family string) int { return defaultPorts[family] }

type Config struct {
	Instruments map[string]Instrument `yaml:"instruments"`
	Log         LogConfig             `yaml:"log"`
	Monitor     MonitorConfig         `yaml:"monitor"`
	Redis       RedisConfig           `yaml:"redis"`
	Stream      StreamConfig          `yaml:"stream"`
}

type Instrument struct {
	Family string `yaml:"family"`
	// Address is host:port, tcp://host:port or serial:///dev/ttyUSB0?baud=9600.
	Address string `yaml:"address"`
	// SerialMatch locates a USB serial adapter instead of a fixed address,
	// e.g. "serial=A603UX94", "mfg=FTDI" or "vidpid=0403:6001".
	SerialMatch  string            `yaml:"serial_match"`
	Baud         int               `yaml:"baud"`
	Timeout      time.Duration     `yaml:"timeout"`
	Simulate     bool              `yaml:"simulate"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Slot         int               `yaml:"slot"`
	Settings     map[string]string `yaml:"settings"`
	// GPIB is set when the address is a GPIB adapter rather than the
	// instrument itself.
	GPIB *labinst.GPIBAdapter `yaml:"gpib"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	// History is the number of traces kept per instrument in a capped list.
	History int `yaml:"history"`
}

type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns a configuration with no instruments.
func Default() *Config {
	return &Config{
		Instruments: map[string]Instrument{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			MetricsPort: 9090,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "labinst_traces",
			History: 100,
		},
		Stream: StreamConfig{
			Listen: ":8080",
		},
	}
}

// Load reads path over Default, fills per-instrument defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	for name, in := range cfg.Instruments {
		in.Family = strings.ToLower(strings.TrimSpace(in.Family))
		if in.Timeout == 0 {
			in.Timeout = labinst.DefaultTimeout
		}
		if in.PollInterval == 0 {
			in.PollInterval = 2 * time.Second
		}
		if in.Baud == 0 {
			in.Baud = labinst.DefaultBaudRate
		}
		cfg.Instruments[name] = in
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	for _, name := range c.Names() {
		in := c.Instruments[name]
		if _, ok := defaultPorts[in.Family]; !ok {
			err = multierr.Append(err, fmt.Errorf("instrument %s: unknown family %q", name, in.Family))
		}
		switch {
		case in.Simulate:
		case in.Address == "" && in.SerialMatch == "":
			err = multierr.Append(err, fmt.Errorf("instrument %s: address or serial_match required", name))
		case in.Address != "":
			if _, perr := labinst.ParseEndpoint(in.Address, DefaultPort(in.Family)); perr != nil {
				err = multierr.Append(err, fmt.Errorf("instrument %s: %w", name, perr))
			}
		}
		if in.Timeout < 0 {
			err = multierr.Append(err, fmt.Errorf("instrument %s: negative timeout", name))
		}
		if in.PollInterval < 0 {
			err = multierr.Append(err, fmt.Errorf("instrument %s: negative poll_interval", name))
		}
		if in.GPIB != nil {
			if gerr := in.GPIB.Validate(); gerr != nil {
				err = multierr.Append(err, fmt.Errorf("instrument %s: %w", name, gerr))
			}
		}
		if in.Family == FamilyOSW && (in.Slot < 1 || in.Slot > 99) {
			err = multierr.Append(err, fmt.Errorf("instrument %s: slot %d outside 1-99", name, in.Slot))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	if c.Log.Output == "file" && c.Log.FilePath == "" {
		err = multierr.Append(err, fmt.Errorf("log: output file needs file_path"))
	}
	if c.Monitor.Enabled && (c.Monitor.MetricsPort <= 0 || c.Monitor.MetricsPort > 65535) {
		err = multierr.Append(err, fmt.Errorf("monitor: bad metrics_port %d", c.Monitor.MetricsPort))
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			err = multierr.Append(err, fmt.Errorf("redis: addr required"))
		}
		if c.Redis.Channel == "" {
			err = multierr.Append(err, fmt.Errorf("redis: channel required"))
		}
	}
	if c.Stream.Enabled && c.Stream.Listen == "" {
		err = multierr.Append(err, fmt.Errorf("stream: listen address required"))
	}
	return err
}

// Names returns the instrument names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Instruments))
	for n := range c.Instruments {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Endpoint resolves the address of the named instrument. Simulated
// instruments without an address get a placeholder endpoint.
func (in Instrument) Endpoint() (labinst.Endpoint, error) {
	if in.Address == "" {
		if in.Simulate {
			return labinst.TCP("sim", DefaultPort(in.Family)), nil
		}
		return labinst.Endpoint{}, fmt.Errorf("no address")
	}
	e, err := labinst.ParseEndpoint(in.Address, DefaultPort(in.Family))
	if err != nil {
		return e, err
	}
	if e.IsSerial() && in.Baud > 0 && !strings.Contains(in.Address, "baud=") {
		e.BaudRate = in.Baud
	}
	return e, nil
}
