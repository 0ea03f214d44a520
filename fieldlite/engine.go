// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldworks/go-fieldsync/blobstore"
)

// Engine drives reconciliation between the local store and the remote
// authoritative store. It degrades every failure to a well-defined state
// (pending, conflict, or failed) rather than surfacing errors to callers;
// only local store breakage propagates.
type Engine struct {
	store   *Store
	remote  RemoteStore
	blobs   blobstore.Store
	monitor *Monitor
	config  *Config
	logger  *slog.Logger
}

// NewEngine wires an engine to its collaborators. monitor may be nil when no
// connectivity-triggered syncing is wanted; blobs may be nil when the
// deployment has no attachment uploads.
func NewEngine(store *Store, remote RemoteStore, blobs blobstore.Store, monitor *Monitor, config *Config, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, remote: remote, blobs: blobs, monitor: monitor, config: config, logger: logger}
}

// Start runs the periodic drain loop plus the connectivity edge trigger until
// the context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.runLoop(ctx)
}

func (e *Engine) runLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	var events <-chan struct{}
	if e.monitor != nil {
		events = e.monitor.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-events:
			e.logger.Info("Connectivity restored, draining sync queue")
		}
		if err := e.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("Sync pass failed", "error", err)
		}
	}
}

// SyncAll drains one batch of due queue entries with bounded concurrency.
// It is idempotent and safe to invoke repeatedly and concurrently: entries
// already in flight are filtered by the dequeue query, and the per-entity
// single-flight gate in SyncOne catches the rest.
func (e *Engine) SyncAll(ctx context.Context) error {
	if e.monitor != nil && !e.monitor.Online() {
		return nil
	}

	entries, err := e.store.DequeueBatch(ctx, e.config.BatchLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			switch entry.EntityType {
			case EntityInspection:
				return e.SyncOne(ctx, entry.EntityID)
			case EntityAttachment:
				return e.uploadAttachment(ctx, entry.EntityID)
			default:
				return nil
			}
		})
	}
	return g.Wait()
}

// SyncOne reconciles a single inspection with the remote store. Outcomes:
// version acknowledged → synced; explicit version mismatch → conflict record,
// no automatic retry; transient failure → back to pending with backoff.
func (e *Engine) SyncOne(ctx context.Context, localID string) error {
	rec, entry, err := e.store.claimForSync(ctx, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Single-flight: another attempt holds the record, or it is
		// conflicted, settled or gone. Never double-sync.
		return nil
	}

	action := ActionUpdate
	attempts := 0
	if entry != nil {
		action = entry.Action
		attempts = entry.Attempts
	}

	rctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	var data FieldMap
	if action != ActionDelete {
		data = rec.Data
	}
	result, err := e.remote.Commit(rctx, rec.ClientID, data, rec.SyncVersion, action == ActionDelete)

	switch {
	case err == nil:
		if action == ActionDelete {
			e.logger.Info("Inspection delete acknowledged", "local_id", localID)
			return e.store.FinalizeDelete(ctx, localID)
		}
		e.logger.Debug("Inspection synced",
			"local_id", localID, "remote_id", result.RemoteID, "version", result.NewVersion)
		return e.store.MarkSynced(ctx, localID, result.RemoteID, result.NewVersion)

	case isVersionConflict(err):
		vc := asVersionConflict(err)
		conflictID, cErr := e.store.MarkConflict(ctx, localID, vc.ServerData, rec.Data, vc.ServerVersion)
		if cErr != nil {
			return cErr
		}
		e.logger.Warn("Version conflict detected",
			"local_id", localID, "conflict_id", conflictID,
			"local_version", rec.SyncVersion, "server_version", vc.ServerVersion)
		return nil

	default:
		// Transient transport failures and remote rejections alike degrade
		// to pending with backoff; the ceiling turns them into failed.
		delay := e.config.Backoff(attempts + 1)
		exhausted, fErr := e.store.recordSyncFailure(ctx, EntityInspection, localID, err.Error(), delay, e.config.MaxAttempts)
		if fErr != nil {
			return fErr
		}
		if exhausted != nil {
			e.logger.Warn("Sync retries exhausted", "error", exhausted)
		} else {
			e.logger.Debug("Sync attempt failed, rescheduled",
				"local_id", localID, "delay", delay, "error", err)
		}
		return nil
	}
}

// RetryFailed is the explicit user surface to put an exhausted entry back on
// the automatic path.
func (e *Engine) RetryFailed(ctx context.Context, entityID string) error {
	if err := e.store.RetryFailed(ctx, entityID); err != nil {
		return err
	}
	e.logger.Info("Entry returned to automatic sync", "entity_id", entityID)
	return nil
}

func isVersionConflict(err error) bool { return asVersionConflict(err) != nil }

func asVersionConflict(err error) *VersionConflictError {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc
	}
	return nil
}

// Store returns the engine's store handle.
func (e *Engine) Store() *Store { return e.store }
