package relay

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds relay process configuration. It is parsed once at startup
// and passed by reference; nothing reads the environment after that.
type Config struct {
	// EventSource identifies this store as the origin of published events.
	EventSource string `env:"FACET_EVENT_SOURCE"`

	// TargetBus names the bus events are published to.
	TargetBus string `env:"FACET_TARGET_BUS"`

	// BatchSize caps how many feed records are read per poll.
	BatchSize int `env:"FACET_RELAY_BATCH" envDefault:"100"`

	// PollInterval is how long the relay sleeps when the feed is drained.
	PollInterval time.Duration `env:"FACET_RELAY_POLL" envDefault:"1s"`
}

// ParseConfig loads relay configuration from the environment. A missing
// event source or target bus is a fatal startup error, not something to
// limp along without.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.EventSource == "" {
		return fmt.Errorf("relay config: FACET_EVENT_SOURCE is required")
	}
	if c.TargetBus == "" {
		return fmt.Errorf("relay config: FACET_TARGET_BUS is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("relay config: batch size must be positive, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("relay config: poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
