package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration. Every key has a default, so an
// empty file (or no file at all) yields a runnable in-memory setup.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Listener  ListenerConfig   `mapstructure:"listener"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Protocols []ProtocolConfig `mapstructure:"protocols"`
	Sources   []SourceConfig   `mapstructure:"sources"`
	Devices   []DeviceConfig   `mapstructure:"devices"`
}

// ServerConfig is the ops HTTP surface (health, metrics, inspection).
type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type ListenerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	MaxPayload    int           `mapstructure:"max_payload"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	IdleGap       time.Duration `mapstructure:"idle_gap"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Protocol      string        `mapstructure:"protocol"`
	AckReply      string        `mapstructure:"ack_reply"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "" | sqlite | postgres | mysql
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
	File   string `mapstructure:"file"`
}

type PipelineConfig struct {
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ClaimLease   time.Duration `mapstructure:"claim_lease"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ProtocolConfig describes a protocol descriptor ensured at startup.
type ProtocolConfig struct {
	Name                   string         `mapstructure:"name"`
	Type                   string         `mapstructure:"type"`
	Description            string         `mapstructure:"description"`
	DefaultPort            int            `mapstructure:"default_port"`
	RequiresAuthentication bool           `mapstructure:"requires_authentication"`
	SupportsEncryption     bool           `mapstructure:"supports_encryption"`
	UpdateFrequencySeconds int            `mapstructure:"update_frequency_seconds"`
	MessageFormat          map[string]any `mapstructure:"message_format"`
	DynamicConfig          map[string]any `mapstructure:"dynamic_config"`
}

// SourceConfig is a client-side source driven by the poller: the protocol
// it belongs to plus transport parameters that override the descriptor's
// dynamic config.
type SourceConfig struct {
	Protocol  string            `mapstructure:"protocol"`
	Transport string            `mapstructure:"transport"`
	Params    map[string]string `mapstructure:"params"`
	Interval  time.Duration     `mapstructure:"interval"`
}

// DeviceConfig provisions a device at startup; already known identities
// are skipped.
type DeviceConfig struct {
	IMEI         string `mapstructure:"imei"`
	DeviceID     string `mapstructure:"device_id"`
	SerialNumber string `mapstructure:"serial_number"`
	Status       string `mapstructure:"status"`
	Protocol     string `mapstructure:"protocol"`
}

const envPrefix = "TRACKLINK"

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")

	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 5000)
	v.SetDefault("listener.max_payload", 1024)
	v.SetDefault("listener.read_timeout", 10*time.Second)
	v.SetDefault("listener.idle_gap", 100*time.Millisecond)
	v.SetDefault("listener.shutdown_grace", 5*time.Second)
	v.SetDefault("listener.protocol", "Unknown TCP")
	v.SetDefault("listener.ack_reply", "")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.batch_size", 256)
	v.SetDefault("pipeline.poll_interval", 500*time.Millisecond)
	v.SetDefault("pipeline.claim_lease", 2*time.Minute)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "tracklink.fix")
}

// Load reads the configuration. path may be empty: then TRACKLINK_CONFIG is
// consulted, then ./config.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith is Load on a caller-prepared viper instance (flags already bound).
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tracklink")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !(path != "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("listener.port out of range: %d", c.Listener.Port)
	}
	if c.Listener.MaxPayload <= 0 {
		return fmt.Errorf("listener.max_payload must be positive")
	}
	if c.Listener.ReadTimeout <= 0 {
		return fmt.Errorf("listener.read_timeout must be positive")
	}
	if strings.TrimSpace(c.Listener.Protocol) == "" {
		return fmt.Errorf("listener.protocol is required")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	for i, s := range c.Sources {
		if strings.TrimSpace(s.Protocol) == "" {
			return fmt.Errorf("sources[%d].protocol is required", i)
		}
	}
	return nil
}
