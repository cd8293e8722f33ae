package storage

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	LockTimeoutDefault       = time.Second * 10
	TransportIntervalDefault = time.Millisecond * 250
)

// Config contains engine configuration parameters.
type Config struct {
	// InMemory disables all durability: buffer, database and the
	// transaction store live in volatile or throwaway storage.
	InMemory bool `toml:"in_memory"`

	// LockTimeout bounds every lock acquisition; an expired wait is
	// treated as a conflict.
	LockTimeout time.Duration `toml:"-"`

	// TransportInterval is how often the background loop drains the
	// buffer into the database.
	TransportInterval time.Duration `toml:"-"`
}

// fileConfig is the TOML shape of Config; durations are written in the
// usual "10s" / "250ms" notation.
type fileConfig struct {
	InMemory          bool     `toml:"in_memory"`
	LockTimeout       duration `toml:"lock_timeout"`
	TransportInterval duration `toml:"transport_interval"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	*d = duration(parsed)
	return err
}

func defaultConfig() *Config {
	return &Config{
		LockTimeout:       LockTimeoutDefault,
		TransportInterval: TransportIntervalDefault,
	}
}

func (c *Config) applyOptions(opts []Option) (*Config, error) {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Option is a function that takes a config struct and modifies it.
type Option func(c *Config) error

// InMemoryMode allows to enable/disable in-memory mode.
func InMemoryMode(enable bool) Option {
	return func(c *Config) error {
		c.InMemory = enable
		return nil
	}
}

// WithLockTimeout overrides the lock acquisition bound.
func WithLockTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return errors.New("lock timeout must be positive")
		}
		c.LockTimeout = timeout
		return nil
	}
}

// WithTransportInterval overrides the background transport cadence.
func WithTransportInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return errors.New("transport interval must be positive")
		}
		c.TransportInterval = interval
		return nil
	}
}

// FromFile loads options from a TOML config file.
func FromFile(path string) Option {
	return func(c *Config) error {
		var parsed fileConfig
		if _, err := toml.DecodeFile(path, &parsed); err != nil {
			return errors.Wrap(err, "loading config file")
		}
		c.InMemory = parsed.InMemory
		if parsed.LockTimeout > 0 {
			c.LockTimeout = time.Duration(parsed.LockTimeout)
		}
		if parsed.TransportInterval > 0 {
			c.TransportInterval = time.Duration(parsed.TransportInterval)
		}
		return nil
	}
}
