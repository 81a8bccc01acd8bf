package appinsights

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the full tuning surface of the client. Zero values are replaced
// with the documented defaults, so a literal Config{InstrumentationKey: k}
// is a working configuration.
type Config struct {
	InstrumentationKey string        `env:"APPINSIGHTS_IKEY"`
	EndpointURL        string        `env:"APPINSIGHTS_ENDPOINT,default=https://dc.services.visualstudio.com/v2/track"`
	BufferCapacity     int           `env:"APPINSIGHTS_BUFFER_CAPACITY,default=500"`
	MaxBatchSize       int           `env:"APPINSIGHTS_MAX_BATCH,default=100"`
	FlushInterval      time.Duration `env:"APPINSIGHTS_FLUSH_INTERVAL,default=10s"`
	OverflowPolicy     string        `env:"APPINSIGHTS_OVERFLOW_POLICY,default=drop_oldest"`
	BackoffBase        time.Duration `env:"APPINSIGHTS_BACKOFF_BASE,default=500ms"`
	BackoffCap         time.Duration `env:"APPINSIGHTS_BACKOFF_CAP,default=30s"`
	MaxRetries         int           `env:"APPINSIGHTS_MAX_RETRIES,default=4"`
	MaxPayloadBytes    int           `env:"APPINSIGHTS_MAX_PAYLOAD_BYTES,default=5242880"`

	// StorePath enables the offline store; empty disables persistence and
	// exhausted batches are dropped instead.
	StorePath         string        `env:"APPINSIGHTS_STORE_PATH"`
	ReplayInterval    time.Duration `env:"APPINSIGHTS_REPLAY_INTERVAL,default=1m"`
	ReplayMaxAttempts int           `env:"APPINSIGHTS_REPLAY_MAX_ATTEMPTS,default=10"`

	ShutdownTimeout time.Duration `env:"APPINSIGHTS_SHUTDOWN_TIMEOUT,default=5s"`
	LogLevel        string        `env:"APPINSIGHTS_LOG_LEVEL,default=info"`

	// PerfCounterInterval enables the process performance collector when
	// positive.
	PerfCounterInterval time.Duration `env:"APPINSIGHTS_PERFCOUNTER_INTERVAL"`
}

// LoadConfig reads the APPINSIGHTS_* environment variables. The client core
// never touches the environment itself; call this from composition code.
func LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) withDefaults() {
	if c.EndpointURL == "" {
		c.EndpointURL = "https://dc.services.visualstudio.com/v2/track"
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 500
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = "drop_oldest"
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 5 * 1024 * 1024
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = time.Minute
	}
	if c.ReplayMaxAttempts <= 0 {
		c.ReplayMaxAttempts = 10
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
