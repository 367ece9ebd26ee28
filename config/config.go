// Package config loads the voice core's runtime configuration from the
// environment. Defaults mirror the values the service is load-tested with.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// AudioConfig tunes the packet path.
type AudioConfig struct {
	SampleRate    uint32        `env:"VOICE_SAMPLE_RATE, default=48000"`
	Channels      uint8         `env:"VOICE_CHANNELS, default=1"`
	BufferSlots   int           `env:"VOICE_BUFFER_SLOTS, default=1024"`
	MaxPacketSize int           `env:"VOICE_MAX_PACKET_SIZE, default=1400"`
	MaxLatency    time.Duration `env:"VOICE_MAX_LATENCY, default=100ms"`
	DrainInterval time.Duration `env:"VOICE_DRAIN_INTERVAL, default=20ms"`

	// LoopbackMode echoes a sender's audio back to them. Test rigs only.
	LoopbackMode bool `env:"VOICE_LOOPBACK_MODE, default=false"`
}

// ServerConfig carries the socket and pool settings.
type ServerConfig struct {
	UDPAddr     string        `env:"VOICE_UDP_ADDR, default=0.0.0.0:8082"`
	WorkerCount int           `env:"VOICE_WORKERS, default=0"` // 0 = GOMAXPROCS
	QueueDepth  int           `env:"VOICE_QUEUE_DEPTH, default=1000"`
	AddrExpiry  time.Duration `env:"VOICE_ADDR_EXPIRY, default=30s"`
}

// MetricsConfig tunes the collector.
type MetricsConfig struct {
	Interval  time.Duration `env:"VOICE_METRICS_INTERVAL, default=5s"`
	Retention time.Duration `env:"VOICE_METRICS_RETENTION, default=1h"`
}

// Config is the complete service configuration.
type Config struct {
	Audio   AudioConfig
	Server  ServerConfig
	Metrics MetricsConfig
}

// NewFromEnv loads the configuration with the VOICE_ prefixed variables.
func NewFromEnv(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the packet path cannot run with.
func (c *Config) Validate() error {
	if c.Audio.BufferSlots < 1 {
		return fmt.Errorf("buffer slots must be positive, got %d", c.Audio.BufferSlots)
	}
	if c.Audio.MaxPacketSize < 1 {
		return fmt.Errorf("max packet size must be positive, got %d", c.Audio.MaxPacketSize)
	}
	if c.Audio.MaxLatency <= 0 {
		return fmt.Errorf("max latency must be positive, got %s", c.Audio.MaxLatency)
	}
	if c.Audio.DrainInterval <= 0 {
		return fmt.Errorf("drain interval must be positive, got %s", c.Audio.DrainInterval)
	}
	if c.Server.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be positive, got %d", c.Server.QueueDepth)
	}
	return nil
}
