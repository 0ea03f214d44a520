// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Monitor tracks online/offline transitions. It exposes the current state and
// an edge-triggered "became online" event the engine subscribes to.
type Monitor struct {
	probe    func(ctx context.Context) bool
	interval time.Duration
	logger   *slog.Logger
	online   atomic.Bool
	events   chan struct{}
}

// NewMonitor creates a monitor polling the given probe. The probe returns
// whether the remote is reachable right now.
func NewMonitor(probe func(ctx context.Context) bool, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		events:   make(chan struct{}, 1),
	}
}

// HTTPProbe builds a probe that considers the device online when the remote
// status endpoint answers at all.
func HTTPProbe(baseURL string, client *http.Client) func(ctx context.Context) bool {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sync/status", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < 500
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Events returns the edge-triggered became-online channel. At most one event
// is buffered; consumers drain it to trigger a sync pass.
func (m *Monitor) Events() <-chan struct{} { return m.events }

// SetOnline records an externally observed state change (e.g. from a platform
// reachability callback) and fires the edge event on an offline→online
// transition.
func (m *Monitor) SetOnline(online bool) {
	was := m.online.Swap(online)
	if !was && online {
		m.logger.Info("Connectivity transition", "online", true)
		select {
		case m.events <- struct{}{}:
		default: // An undelivered event already covers this edge
		}
	} else if was && !online {
		m.logger.Info("Connectivity transition", "online", false)
	}
}

// Run polls the probe until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.SetOnline(m.probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
