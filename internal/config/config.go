// Package config loads process configuration from the environment and
// the pipeline descriptor file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nstewart/streamsync/internal/syncerr"
)

// Config is the fully parsed process configuration.
type Config struct {
	UpstreamURL     string
	UpstreamCluster string

	SearchURL          string
	SearchBulkMaxDocs  int
	SearchBulkMaxBytes int

	BroadcastListenAddr  string
	BroadcastQueueCap    int
	BroadcastPingEvery   time.Duration

	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64

	MaxPendingKeys int

	DescriptorPath string
	Pipelines      []Descriptor
}

// FromEnv reads every STREAMSYNC setting from the environment, then loads
// and validates the descriptor file.
func FromEnv() (*Config, error) {
	cfg := &Config{
		UpstreamURL:         os.Getenv("UPSTREAM_URL"),
		UpstreamCluster:     envOr("UPSTREAM_CLUSTER", "serving"),
		SearchURL:           os.Getenv("SINK_SEARCH_URL"),
		BroadcastListenAddr: envOr("BROADCAST_LISTEN_ADDR", ":8085"),
		DescriptorPath:      os.Getenv("PIPELINE_DESCRIPTORS"),
	}

	var err error
	if cfg.SearchBulkMaxDocs, err = envInt("SINK_SEARCH_BULK_MAX_DOCS", 500); err != nil {
		return nil, err
	}
	if cfg.SearchBulkMaxBytes, err = envInt("SINK_SEARCH_BULK_MAX_BYTES", 4<<20); err != nil {
		return nil, err
	}
	if cfg.BroadcastQueueCap, err = envInt("BROADCAST_CLIENT_QUEUE_CAPACITY", 1024); err != nil {
		return nil, err
	}
	pingSec, err := envInt("BROADCAST_PING_INTERVAL_SEC", 15)
	if err != nil {
		return nil, err
	}
	cfg.BroadcastPingEvery = time.Duration(pingSec) * time.Second

	initialMS, err := envInt("RETRY_INITIAL_DELAY_MS", 1000)
	if err != nil {
		return nil, err
	}
	maxMS, err := envInt("RETRY_MAX_DELAY_MS", 30000)
	if err != nil {
		return nil, err
	}
	cfg.RetryInitial = time.Duration(initialMS) * time.Millisecond
	cfg.RetryMax = time.Duration(maxMS) * time.Millisecond
	if cfg.RetryMultiplier, err = envFloat("RETRY_BACKOFF_MULTIPLIER", 2.0); err != nil {
		return nil, err
	}

	if cfg.MaxPendingKeys, err = envInt("MAX_PENDING_KEYS", 100000); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Pipelines, err = LoadDescriptors(cfg.DescriptorPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable defaults.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return &syncerr.Config{Field: "UPSTREAM_URL", Err: fmt.Errorf("not set")}
	}
	if c.DescriptorPath == "" {
		return &syncerr.Config{Field: "PIPELINE_DESCRIPTORS", Err: fmt.Errorf("not set")}
	}
	if c.BroadcastQueueCap <= 0 {
		return &syncerr.Config{Field: "BROADCAST_CLIENT_QUEUE_CAPACITY", Err: fmt.Errorf("must be positive")}
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return &syncerr.Config{Field: "RETRY_INITIAL_DELAY_MS", Err: fmt.Errorf("invalid retry window")}
	}
	if c.RetryMultiplier < 1 {
		return &syncerr.Config{Field: "RETRY_BACKOFF_MULTIPLIER", Err: fmt.Errorf("must be >= 1")}
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &syncerr.Config{Field: key, Err: err}
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &syncerr.Config{Field: key, Err: err}
	}
	return v, nil
}
