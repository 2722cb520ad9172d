package machine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/legacypc/internal/devices/pc"
)

const (
	ConsoleTerminal = "terminal"
	ConsoleNone     = "none"

	SerialStdout = "stdout"
	SerialNone   = "none"
)

// Config is the machine description read from a YAML file. Zero fields take
// their defaults.
type Config struct {
	BIOS        string        `yaml:"bios"`
	MemoryKB    int           `yaml:"memoryKB,omitempty"`
	LogLevel    string        `yaml:"logLevel,omitempty"`
	Console     string        `yaml:"console,omitempty"`
	Serial      string        `yaml:"serial,omitempty"`
	TimerPeriod time.Duration `yaml:"timerPeriod,omitempty"`

	// Raw sector images behind INT 13h drives 00h, 01h, 80h and 81h.
	FD0 string `yaml:"fd0,omitempty"`
	FD1 string `yaml:"fd1,omitempty"`
	HD0 string `yaml:"hd0,omitempty"`
	HD1 string `yaml:"hd1,omitempty"`
}

// driveImage is a configured image and the BIOS drive it backs.
type driveImage struct {
	drive uint8
	kind  pc.DriveKind
	path  string
}

func (c Config) drives() []driveImage {
	var out []driveImage
	for _, d := range []driveImage{
		{0x00, pc.DriveFloppy, c.FD0},
		{0x01, pc.DriveFloppy, c.FD1},
		{0x80, pc.DriveHardDisk, c.HD0},
		{0x81, pc.DriveHardDisk, c.HD1},
	} {
		if d.path != "" {
			out = append(out, d)
		}
	}
	return out
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.MemoryKB == 0 {
		c.MemoryKB = ConventionalLimitKB
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Console == "" {
		c.Console = ConsoleTerminal
	}
	if c.Serial == "" {
		c.Serial = SerialStdout
	}
	if c.TimerPeriod == 0 {
		c.TimerPeriod = pc.DefaultPITPeriod
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, err := MemoryLayout(c.MemoryKB); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Console {
	case ConsoleTerminal, ConsoleNone:
	default:
		return fmt.Errorf("machine: unknown console %q", c.Console)
	}
	switch c.Serial {
	case SerialStdout, SerialNone:
	default:
		return fmt.Errorf("machine: unknown serial output %q", c.Serial)
	}
	if c.TimerPeriod < 0 {
		return fmt.Errorf("machine: negative timer period %v", c.TimerPeriod)
	}
	return nil
}

// LoadConfig reads a YAML configuration and fills in defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// WriteConfig encodes cfg as YAML.
func WriteConfig(w io.Writer, cfg Config) error {
	cfg.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("machine: unknown log level %q", s)
}
