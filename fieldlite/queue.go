// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// enqueueInTx upserts a queue entry inside an open transaction. Coalescing: a
// repeat enqueue for the same (entity_type, entity_id) refreshes the payload
// and resets the retry state instead of appending a duplicate. The original
// created_at is kept so FIFO order reflects the first local change. An
// unsynced create stays a create when later edits arrive; any action is
// superseded by delete.
func (s *Store) enqueueInTx(ctx context.Context, tx *sql.Tx, et EntityType, action QueueAction, entityID string, payload []byte) error {
	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, action, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			action = CASE
				WHEN sync_queue.action = 'create' AND excluded.action = 'update' THEN 'create'
				ELSE excluded.action
			END,
			payload = excluded.payload,
			attempts = 0,
			last_attempt_at = '',
			next_attempt_at = '',
			last_error = '',
			failed = 0
	`, et, action, entityID, payloadArg, fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", et, entityID, err)
	}
	return nil
}

// Enqueue upserts a queue entry in its own transaction. Most writes go
// through UpsertInspection/StoreAttachmentBlob, which enqueue atomically with
// the record write; this surface exists for explicit re-queues.
func (s *Store) Enqueue(ctx context.Context, et EntityType, action QueueAction, entityID string, payload json.RawMessage) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := s.enqueueInTx(ctx, tx, et, action, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// DequeueBatch returns up to limit due entries, oldest first. Excluded:
// entries flagged failed (retry ceiling), entries still inside their backoff
// window, inspection entries whose record is not pending (the single-flight
// and conflict filters), and attachment entries whose owning inspection has
// not reached its first commit attempt yet. A conflicted owner has been
// committed before, so its attachments keep uploading while the conflict
// waits on a human.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]*SyncQueueEntry, error) {
	now := fmtTime(time.Now().UTC())
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.entity_type, q.action, q.entity_id, q.payload,
			q.attempts, q.last_attempt_at, q.next_attempt_at, q.last_error, q.failed, q.created_at
		FROM sync_queue q
		LEFT JOIN inspections i
			ON q.entity_type = 'inspection' AND i.local_id = q.entity_id
		LEFT JOIN attachments a
			ON q.entity_type = 'attachment' AND a.local_id = q.entity_id
		LEFT JOIN inspections ai
			ON q.entity_type = 'attachment' AND ai.local_id = a.inspection_local_id
		WHERE q.failed = 0
			AND (q.next_attempt_at = '' OR q.next_attempt_at <= ?)
			AND (q.entity_type != 'inspection' OR i.sync_status = 'pending')
			AND (q.entity_type != 'attachment' OR ai.sync_status IN ('syncing', 'synced', 'conflict'))
		ORDER BY q.created_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

// GetQueueEntry returns the entry for an entity, or nil if none exists.
func (s *Store) GetQueueEntry(ctx context.Context, et EntityType, entityID string) (*SyncQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, action, entity_id, payload,
			attempts, last_attempt_at, next_attempt_at, last_error, failed, created_at
		FROM sync_queue WHERE entity_type = ? AND entity_id = ?
	`, et, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanQueueEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func scanQueueEntries(rows *sql.Rows) ([]*SyncQueueEntry, error) {
	var out []*SyncQueueEntry
	for rows.Next() {
		var e SyncQueueEntry
		var payload sql.NullString
		var lastAttempt, nextAttempt, created string
		var failed int
		if err := rows.Scan(&e.EntityType, &e.Action, &e.EntityID, &payload,
			&e.Attempts, &lastAttempt, &nextAttempt, &e.LastError, &failed, &created); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.LastAttemptAt = parseTime(lastAttempt)
		e.NextAttemptAt = parseTime(nextAttempt)
		e.Failed = failed == 1
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// recordSyncFailure degrades a failed inspection attempt to a well-defined
// state: the record returns to pending, the queue entry's attempt counter and
// backoff schedule advance, and crossing the ceiling flags the entry failed.
// Returns an ExhaustedRetriesError (for logging) when the ceiling is crossed.
func (s *Store) recordSyncFailure(ctx context.Context, et EntityType, entityID, errMsg string, nextDelay time.Duration, ceiling int) (*ExhaustedRetriesError, error) {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET attempts = attempts + 1, last_attempt_at = ?, next_attempt_at = ?, last_error = ?
		WHERE entity_type = ? AND entity_id = ?
	`, fmtTime(now), fmtTime(now.Add(nextDelay)), errMsg, et, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		et, entityID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		// Entry vanished mid-flight (e.g. record deleted); nothing to degrade.
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt count: %w", err)
	}

	var exhausted *ExhaustedRetriesError
	if ceiling > 0 && attempts >= ceiling {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET failed = 1 WHERE entity_type = ? AND entity_id = ?
		`, et, entityID); err != nil {
			return nil, fmt.Errorf("failed to flag exhausted entry: %w", err)
		}
		exhausted = &ExhaustedRetriesError{EntityType: et, EntityID: entityID, Attempts: attempts}
	}

	if et == EntityInspection {
		// Release the single-flight gate.
		if _, err := tx.ExecContext(ctx, `
			UPDATE inspections SET sync_status = ? WHERE local_id = ? AND sync_status = ?
		`, SyncPending, entityID, SyncSyncing); err != nil {
			return nil, fmt.Errorf("failed to return inspection to pending: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit failure state: %w", err)
	}
	return exhausted, nil
}

// RetryFailed puts an exhausted entry back on the automatic path and resets
// its attempt counter. For attachments the upload status is reset as well.
// This is the explicit user action behind the "failed" state.
func (s *Store) RetryFailed(ctx context.Context, entityID string) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET failed = 0, attempts = 0, next_attempt_at = '', last_error = ''
		WHERE entity_id = ?
	`, entityID)
	if err != nil {
		return fmt.Errorf("failed to reset queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no queue entry for %s", entityID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE attachments SET upload_status = ?, attempts = 0, last_error = ''
		WHERE local_id = ? AND upload_status = ?
	`, UploadPending, entityID, UploadFailed)
	if err != nil {
		return fmt.Errorf("failed to reset attachment status: %w", err)
	}

	return tx.Commit()
}

// QueueDepth counts live (non-failed) queue entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE failed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}

// FailedEntries lists entries that crossed the retry ceiling.
func (s *Store) FailedEntries(ctx context.Context) ([]*SyncQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, action, entity_id, payload,
			attempts, last_attempt_at, next_attempt_at, last_error, failed, created_at
		FROM sync_queue WHERE failed = 1 ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed entries: %w", err)
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}
