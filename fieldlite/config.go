// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds tuning for the sync engine.
type Config struct {
	BaseDelay      time.Duration `env:"FIELDSYNC_BACKOFF_BASE" envDefault:"1s"`
	MaxDelay       time.Duration `env:"FIELDSYNC_BACKOFF_MAX" envDefault:"60s"`
	MaxAttempts    int           `env:"FIELDSYNC_MAX_ATTEMPTS" envDefault:"3"`
	Concurrency    int           `env:"FIELDSYNC_CONCURRENCY" envDefault:"4"`
	BatchLimit     int           `env:"FIELDSYNC_BATCH_LIMIT" envDefault:"200"`
	SyncInterval   time.Duration `env:"FIELDSYNC_SYNC_INTERVAL" envDefault:"30s"`
	RequestTimeout time.Duration `env:"FIELDSYNC_REQUEST_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns sensible defaults for a field device.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:      1 * time.Second,
		MaxDelay:       60 * time.Second,
		MaxAttempts:    3,
		Concurrency:    4,
		BatchLimit:     200,
		SyncInterval:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// ConfigFromEnv builds a Config from FIELDSYNC_* environment variables.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sync config from env: %w", err)
	}
	return &cfg, nil
}

// Backoff computes the retry delay after the given attempt count: linear in
// attempts, capped at MaxDelay. Monotone non-decreasing by construction.
func (c *Config) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := time.Duration(attempts) * c.BaseDelay
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}
