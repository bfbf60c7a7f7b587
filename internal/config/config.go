package config

import (
	"fmt"
	"time"
)

// Bus drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// BusConfig selects the shared publish/subscribe backbone.
type BusConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	NATSURL  string `mapstructure:"nats_url" yaml:"nats_url"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// PresenceConfig selects where per-room connection sets live.
type PresenceConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
}

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
	JWTRequired bool          `mapstructure:"jwt_required" yaml:"jwt_required"`

	// AllowAnonymousObservers lets connections without identity join rooms read-only.
	AllowAnonymousObservers bool `mapstructure:"allow_anonymous_observers" yaml:"allow_anonymous_observers"`

	BacklogSize        int           `mapstructure:"backlog_size" yaml:"backlog_size"`
	StoreTimeout       time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
	BusTimeout         time.Duration `mapstructure:"bus_timeout" yaml:"bus_timeout"`
	EventBuffer        int           `mapstructure:"event_buffer" yaml:"event_buffer"`
	MaxMessageBytes    int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	// NodeID identifies this process on the bus. Generated when empty.
	NodeID string `mapstructure:"node_id" yaml:"node_id"`

	Bus      BusConfig      `mapstructure:"bus" yaml:"bus"`
	Presence PresenceConfig `mapstructure:"presence" yaml:"presence"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                    ":8080",
		ReadHeaderTimeout:       5 * time.Second,
		ShutdownTimeout:         5 * time.Second,
		LogLevel:                "info",
		LogFormat:               "console",
		DatabasePath:            "wirechat.db",
		JWTSecret:               "change-me",
		JWTIssuer:               "wirechat",
		JWTAudience:             "wirechat",
		JWTTTL:                  24 * time.Hour,
		AllowAnonymousObservers: true,
		BacklogSize:             40,
		StoreTimeout:            3 * time.Second,
		BusTimeout:              2 * time.Second,
		EventBuffer:             64,
		MaxMessageBytes:         64 << 10,
		RateLimitPerMinute:      120,
		Bus: BusConfig{
			Driver:   DriverMemory,
			RedisURL: "redis://localhost:6379/0",
			NATSURL:  "nats://localhost:4222",
			Prefix:   "wirechat",
		},
		Presence: PresenceConfig{
			Driver:   DriverMemory,
			RedisURL: "redis://localhost:6379/0",
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.NodeID != "" {
		c.NodeID = other.NodeID
	}
	if other.Bus.Driver != "" {
		c.Bus.Driver = other.Bus.Driver
	}
	if other.Presence.Driver != "" {
		c.Presence.Driver = other.Presence.Driver
	}
}

// Validate checks driver names and numeric bounds.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case DriverMemory, DriverRedis, DriverNATS:
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	switch c.Presence.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unknown presence driver %q", c.Presence.Driver)
	}
	if c.BacklogSize < 0 {
		return fmt.Errorf("backlog_size must not be negative")
	}
	if c.StoreTimeout <= 0 || c.BusTimeout <= 0 {
		return fmt.Errorf("store_timeout and bus_timeout must be positive")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive")
	}
	return nil
}

// SinglePresenceNode reports whether presence state is process-local while
// the bus spans processes.
func (c *Config) SinglePresenceNode() bool {
	return c.Presence.Driver == DriverMemory && c.Bus.Driver != DriverMemory
}
