// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"fmt"
	"time"
)

// SyncSummary is the read-only snapshot the presentation layer subscribes to.
type SyncSummary struct {
	Online              bool
	PendingInspections  int // pending + syncing
	PendingUploads      int // attachments not yet uploaded
	FailedEntries       int // queue entries past the retry ceiling
	UnresolvedConflicts int
	LastSyncedAt        *time.Time
}

// StatusReporter derives an observable summary from the store. It performs no
// writes and holds no state of its own.
type StatusReporter struct {
	store   *Store
	monitor *Monitor
}

// NewStatusReporter creates a reporter over a store; monitor may be nil, in
// which case Online is always false.
func NewStatusReporter(store *Store, monitor *Monitor) *StatusReporter {
	return &StatusReporter{store: store, monitor: monitor}
}

// Summary computes the current sync status snapshot.
func (r *StatusReporter) Summary(ctx context.Context) (*SyncSummary, error) {
	sum := &SyncSummary{}
	if r.monitor != nil {
		sum.Online = r.monitor.Online()
	}

	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inspections WHERE sync_status IN (?, ?)
	`, SyncPending, SyncSyncing).Scan(&sum.PendingInspections)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending inspections: %w", err)
	}

	sum.PendingUploads, err = r.store.CountPendingUploads(ctx)
	if err != nil {
		return nil, err
	}

	err = r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE failed = 1`).Scan(&sum.FailedEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed entries: %w", err)
	}

	err = r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&sum.UnresolvedConflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}

	if raw, err := r.store.getMeta(ctx, metaLastSyncedAt); err != nil {
		return nil, err
	} else if raw != "" {
		if t := parseTime(raw); !t.IsZero() {
			sum.LastSyncedAt = &t
		}
	}

	return sum, nil
}
