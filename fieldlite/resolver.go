// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Resolver turns a ConflictRecord plus a human decision into a re-syncable
// inspection state. Conflicts are never auto-resolved by the sync engine;
// every resolution is recorded with who and when.
type Resolver struct {
	store  *Store
	logger *slog.Logger
}

// NewResolver creates a resolver bound to a store.
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve applies a decision to an open conflict:
//
//   - server_wins: adopt the server snapshot and its version; the data now
//     matches the server, so the record goes straight to synced.
//   - client_wins: keep the client snapshot, rebase the expected version onto
//     the version the server reported at detection, and requeue; the next
//     sync pass re-presents this device's data on top of the server's state.
//   - merged: requires an explicit mergedData payload; rebased and requeued
//     like client_wins.
//
// A merged resolution without payload, or a second resolution of the same
// conflict, fails with InvalidResolutionError and leaves the conflict open.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution Resolution, mergedData FieldMap, resolvedBy string) error {
	switch resolution {
	case ServerWins, ClientWins:
	case Merged:
		if mergedData == nil {
			return &InvalidResolutionError{Reason: "merged resolution requires mergedData"}
		}
	default:
		return &InvalidResolutionError{Reason: fmt.Sprintf("unknown resolution %q", resolution)}
	}

	conflict, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved {
		return &InvalidResolutionError{Reason: "conflict already resolved"}
	}

	tx, done, err := r.store.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	localID := conflict.InspectionLocalID
	now := time.Now().UTC()

	switch resolution {
	case ServerWins:
		data, err := json.Marshal(conflict.ServerSnapshot)
		if err != nil {
			return fmt.Errorf("failed to encode server snapshot: %w", err)
		}
		var templateFields int
		if err := tx.QueryRowContext(ctx,
			`SELECT template_field_count FROM inspections WHERE local_id = ?`, localID,
		).Scan(&templateFields); err != nil {
			return fmt.Errorf("failed to load inspection for resolution: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE inspections
			SET data = ?, sync_version = ?, sync_status = ?, is_dirty = 0,
				completion_pct = ?, last_modified_at = ?
			WHERE local_id = ?
		`, string(data), conflict.ServerVersion, SyncSynced,
			completionOf(conflict.ServerSnapshot, templateFields), fmtTime(now), localID)
		if err != nil {
			return fmt.Errorf("failed to adopt server snapshot: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, EntityInspection, localID)
		if err != nil {
			return fmt.Errorf("failed to drop queue entry: %w", err)
		}

	case ClientWins:
		payload, err := json.Marshal(conflict.ClientSnapshot)
		if err != nil {
			return fmt.Errorf("failed to encode client snapshot: %w", err)
		}
		if err := r.rewireForResync(ctx, tx, localID, string(payload), conflict.ServerVersion, now); err != nil {
			return err
		}

	case Merged:
		payload, err := json.Marshal(mergedData)
		if err != nil {
			return fmt.Errorf("failed to encode merged data: %w", err)
		}
		var templateFields int
		if err := tx.QueryRowContext(ctx,
			`SELECT template_field_count FROM inspections WHERE local_id = ?`, localID,
		).Scan(&templateFields); err != nil {
			return fmt.Errorf("failed to load inspection for resolution: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE inspections SET data = ?, completion_pct = ? WHERE local_id = ?
		`, string(payload), completionOf(mergedData, templateFields), localID)
		if err != nil {
			return fmt.Errorf("failed to apply merged data: %w", err)
		}
		if err := r.rewireForResync(ctx, tx, localID, string(payload), conflict.ServerVersion, now); err != nil {
			return err
		}
	}

	var mergedJSON any
	if resolution == Merged {
		raw, err := json.Marshal(mergedData)
		if err != nil {
			return fmt.Errorf("failed to encode merged data: %w", err)
		}
		mergedJSON = string(raw)
	}
	// Re-checked under the write transaction: a resolution that raced past
	// the read above loses here and rolls back its inspection changes.
	res, err := tx.ExecContext(ctx, `
		UPDATE conflicts
		SET resolved = 1, resolution = ?, merged_data = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved = 0
	`, resolution, mergedJSON, fmtTime(now), resolvedBy, conflictID)
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &InvalidResolutionError{Reason: "conflict already resolved"}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolution: %w", err)
	}

	r.logger.Info("Conflict resolved",
		"conflict_id", conflictID, "inspection", localID,
		"resolution", resolution, "resolved_by", resolvedBy)
	return nil
}

// rewireForResync returns a conflicted inspection to pending, rebases its
// expected version onto the server version captured at detection, and
// refreshes its queue entry with the chosen payload.
func (r *Resolver) rewireForResync(ctx context.Context, tx *sql.Tx, localID, payload string, serverVersion int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE inspections
		SET sync_status = ?, is_dirty = 1, sync_version = ?, last_modified_at = ?
		WHERE local_id = ?
	`, SyncPending, serverVersion, fmtTime(now), localID)
	if err != nil {
		return fmt.Errorf("failed to return inspection to pending: %w", err)
	}
	return r.store.enqueueInTx(ctx, tx, EntityInspection, ActionUpdate, localID, []byte(payload))
}

// GetConflict loads a conflict record by id.
func (s *Store) GetConflict(ctx context.Context, conflictID string) (*ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, inspection_local_id, server_snapshot, client_snapshot, server_version,
			detected_at, resolved, resolution, merged_data, resolved_at, resolved_by
		FROM conflicts WHERE id = ?
	`, conflictID)
	rec, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	return rec, nil
}

// UnresolvedConflicts lists open conflicts, oldest first.
func (s *Store) UnresolvedConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inspection_local_id, server_snapshot, client_snapshot, server_version,
			detected_at, resolved, resolution, merged_data, resolved_at, resolved_by
		FROM conflicts WHERE resolved = 0 ORDER BY detected_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var rec ConflictRecord
	var serverSnap, clientSnap, detected, resolvedAt string
	var merged sql.NullString
	var resolved int
	var resolution string
	err := row.Scan(&rec.ID, &rec.InspectionLocalID, &serverSnap, &clientSnap, &rec.ServerVersion,
		&detected, &resolved, &resolution, &merged, &resolvedAt, &rec.ResolvedBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(serverSnap), &rec.ServerSnapshot); err != nil {
		return nil, fmt.Errorf("failed to decode server snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(clientSnap), &rec.ClientSnapshot); err != nil {
		return nil, fmt.Errorf("failed to decode client snapshot: %w", err)
	}
	if merged.Valid && merged.String != "" {
		if err := json.Unmarshal([]byte(merged.String), &rec.MergedData); err != nil {
			return nil, fmt.Errorf("failed to decode merged data: %w", err)
		}
	}
	rec.DetectedAt = parseTime(detected)
	rec.Resolved = resolved == 1
	rec.Resolution = Resolution(resolution)
	if t := parseTime(resolvedAt); !t.IsZero() {
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
