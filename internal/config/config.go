// Package config loads hichord-qa settings from a YAML file, HICHORD_QA_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "HICHORD_QA"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Transport TransportConfig `mapstructure:"transport"`
	Timing    TimingConfig    `mapstructure:"timing"`
	Test      TestConfig      `mapstructure:"test"`
	Report    ReportConfig    `mapstructure:"report"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

// DeviceConfig selects which ports are bound.
type DeviceConfig struct {
	Tokens   []string `mapstructure:"tokens"`
	Excluded []string `mapstructure:"excluded"`
}

// TransportConfig picks the host MIDI backend.
type TransportConfig struct {
	Kind       string `mapstructure:"kind"`
	SerialBaud int    `mapstructure:"serial_baud"`
	Buffer     int    `mapstructure:"buffer"`
}

// TimingConfig holds the firmware settle delays.
type TimingConfig struct {
	HandshakeSettle time.Duration `mapstructure:"handshake_settle"`
	InfoSettle      time.Duration `mapstructure:"info_settle"`
	EnterSettle     time.Duration `mapstructure:"enter_settle"`
}

type TestConfig struct {
	Steps   int           `mapstructure:"steps"`
	Profile string        `mapstructure:"profile"`
	Timeout time.Duration `mapstructure:"timeout"`
	Restart bool          `mapstructure:"restart"`
}

type ReportConfig struct {
	Dir string `mapstructure:"dir"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// New returns a viper instance with defaults and environment binding. Flags
// may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("device.tokens", []string{"hichord", "daisy seed", "electrosmith"})
	v.SetDefault("device.excluded", []string{"Midi Through", "Through Port", "Dummy"})
	v.SetDefault("transport.kind", "midi")
	v.SetDefault("transport.serial_baud", 31250)
	v.SetDefault("transport.buffer", 256)
	v.SetDefault("timing.handshake_settle", "200ms")
	v.SetDefault("timing.info_settle", "500ms")
	v.SetDefault("timing.enter_settle", "200ms")
	v.SetDefault("test.steps", 19)
	v.SetDefault("test.profile", "")
	v.SetDefault("test.timeout", "2m")
	v.SetDefault("test.restart", false)
	v.SetDefault("report.dir", "reports")
	v.SetDefault("database.dsn", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "hichord.qa")
	v.SetDefault("http.addr", ":8088")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or hichord-qa.yaml from the working directory and
// ~/.config/hichord-qa when path is empty. A missing default file is not an
// error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hichord-qa")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "hichord-qa"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "midi", "serial":
	default:
		return fmt.Errorf("%w: transport.kind %q, want midi or serial", ErrInvalid, c.Transport.Kind)
	}
	if len(c.Device.Tokens) == 0 {
		return fmt.Errorf("%w: device.tokens is empty", ErrInvalid)
	}
	if c.Test.Steps < 1 || c.Test.Steps > 127 {
		return fmt.Errorf("%w: test.steps %d not in 1..127", ErrInvalid, c.Test.Steps)
	}
	if c.Timing.HandshakeSettle < 0 || c.Timing.InfoSettle < 0 || c.Timing.EnterSettle < 0 {
		return fmt.Errorf("%w: negative settle delay", ErrInvalid)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
