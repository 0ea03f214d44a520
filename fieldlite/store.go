// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

// Package fieldlite is the offline core for field inspection capture: a
// transactional SQLite record store, a coalesced sync queue with retry
// discipline, optimistic-concurrency sync against the authoritative store,
// and explicit conflict resolution.
package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Fixed-width so stored timestamps order lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store is the durable, transactional home for the four local collections:
// inspections, attachments, the sync queue and conflict records. All other
// components mutate them only through Store operations, which is what makes
// the single-flight and atomic-queue-update guarantees hold without an
// external lock manager.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write transactions to avoid SQLite lock contention
}

// Open opens (or creates) a store at the given SQLite path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing SQLite handle and initializes the schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for callers that need raw reads.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initialize() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS inspections (
			local_id             TEXT PRIMARY KEY,
			remote_id            TEXT NOT NULL DEFAULT '',
			client_id            TEXT NOT NULL UNIQUE,
			template_id          TEXT NOT NULL DEFAULT '',
			project_id           TEXT NOT NULL DEFAULT '',
			lot_id               TEXT NOT NULL DEFAULT '',
			inspector_id         TEXT NOT NULL DEFAULT '',
			data                 TEXT NOT NULL DEFAULT '{}',
			status               TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft','submitted')),
			completion_pct       REAL NOT NULL DEFAULT 0,
			template_field_count INTEGER NOT NULL DEFAULT 0,
			sync_version         INTEGER NOT NULL DEFAULT 0,
			is_dirty             INTEGER NOT NULL DEFAULT 1,
			sync_status          TEXT NOT NULL DEFAULT 'pending'
				CHECK (sync_status IN ('pending','syncing','synced','conflict')),
			last_modified_at     TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_inspections_project_inspector
			ON inspections (project_id, inspector_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inspections_sync_status
			ON inspections (sync_status)`,

		// Attachment metadata. No FK to inspections: orphans are legal until
		// the purge sweep collects them.
		`CREATE TABLE IF NOT EXISTS attachments (
			local_id            TEXT PRIMARY KEY,
			inspection_local_id TEXT NOT NULL,
			field_id            TEXT NOT NULL,
			upload_status       TEXT NOT NULL DEFAULT 'pending'
				CHECK (upload_status IN ('pending','uploading','uploaded','failed')),
			remote_url          TEXT NOT NULL DEFAULT '',
			size_bytes          INTEGER NOT NULL DEFAULT 0,
			mime_type           TEXT NOT NULL DEFAULT '',
			attempts            INTEGER NOT NULL DEFAULT 0,
			last_error          TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_attachments_inspection
			ON attachments (inspection_local_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_upload_status
			ON attachments (upload_status)`,

		// Large-object area: full payload plus a thumbnail derivative. The
		// payload column is nulled after a successful upload.
		`CREATE TABLE IF NOT EXISTS attachment_blobs (
			local_id  TEXT PRIMARY KEY,
			payload   BLOB,
			thumbnail BLOB
		)`,

		// Coalesced queue: the PK enforces at most one entry per
		// (entity_type, entity_id).
		`CREATE TABLE IF NOT EXISTS sync_queue (
			entity_type     TEXT NOT NULL CHECK (entity_type IN ('inspection','attachment')),
			action          TEXT NOT NULL CHECK (action IN ('create','update','delete')),
			entity_id       TEXT NOT NULL,
			payload         TEXT,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT NOT NULL DEFAULT '',
			next_attempt_at TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT '',
			failed          INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		`CREATE TABLE IF NOT EXISTS conflicts (
			id                  TEXT PRIMARY KEY,
			inspection_local_id TEXT NOT NULL,
			server_snapshot     TEXT NOT NULL,
			client_snapshot     TEXT NOT NULL,
			server_version      INTEGER NOT NULL DEFAULT 0,
			detected_at         TEXT NOT NULL,
			resolved            INTEGER NOT NULL DEFAULT 0,
			resolution          TEXT NOT NULL DEFAULT '',
			merged_data         TEXT,
			resolved_at         TEXT NOT NULL DEFAULT '',
			resolved_by         TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conflicts_inspection
			ON conflicts (inspection_local_id)`,

		`CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create local table: %w", err)
		}
	}

	// In-flight states do not survive a process restart: anything left in
	// syncing or uploading was interrupted and must rejoin the retryable path.
	if _, err := s.db.Exec(
		`UPDATE inspections SET sync_status = ? WHERE sync_status = ?`,
		SyncPending, SyncSyncing); err != nil {
		return fmt.Errorf("failed to recover interrupted syncs: %w", err)
	}
	if _, err := s.db.Exec(
		`UPDATE attachments SET upload_status = ? WHERE upload_status = ?`,
		UploadPending, UploadUploading); err != nil {
		return fmt.Errorf("failed to recover interrupted uploads: %w", err)
	}
	return nil
}

// begin starts a write transaction under the store-wide write lock. The
// returned func releases the lock and must be deferred.
func (s *Store) begin(ctx context.Context) (*sql.Tx, func(), error) {
	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, func() {
		_ = tx.Rollback() // Safe after commit
		s.writeMu.Unlock()
	}, nil
}

// UpsertInspection writes a record and its queue entry in one transaction so
// the two are never observed out of sync. A missing ClientID is rejected
// before any write. New local edits flip the record dirty, recompute
// completion and refresh the pending queue entry; a conflicted record stays
// in conflict until resolved.
func (s *Store) UpsertInspection(ctx context.Context, rec *InspectionRecord) error {
	if rec.ClientID == "" {
		return &ValidationError{Field: "clientId", Reason: "required"}
	}
	if rec.LocalID == "" {
		rec.LocalID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusDraft
	}
	if rec.Data == nil {
		rec.Data = FieldMap{}
	}

	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return &ValidationError{Field: "data", Reason: err.Error()}
	}

	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	var existingStatus SyncStatus
	isNew := false
	err = tx.QueryRowContext(ctx,
		`SELECT sync_status FROM inspections WHERE local_id = ?`, rec.LocalID,
	).Scan(&existingStatus)
	if errors.Is(err, sql.ErrNoRows) {
		isNew = true
	} else if err != nil {
		return fmt.Errorf("failed to load inspection: %w", err)
	}

	rec.IsDirty = true
	rec.SyncStatus = SyncPending
	if existingStatus == SyncConflict {
		// Resolution is the only way out of conflict.
		rec.SyncStatus = SyncConflict
	}
	rec.CompletionPct = completionOf(rec.Data, rec.TemplateFieldCount)
	rec.LastModifiedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inspections (
			local_id, remote_id, client_id, template_id, project_id, lot_id, inspector_id,
			data, status, completion_pct, template_field_count,
			sync_version, is_dirty, sync_status, last_modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (local_id) DO UPDATE SET
			template_id = excluded.template_id,
			project_id = excluded.project_id,
			lot_id = excluded.lot_id,
			inspector_id = excluded.inspector_id,
			data = excluded.data,
			status = excluded.status,
			completion_pct = excluded.completion_pct,
			template_field_count = excluded.template_field_count,
			is_dirty = 1,
			sync_status = excluded.sync_status,
			last_modified_at = excluded.last_modified_at
	`, rec.LocalID, rec.RemoteID, rec.ClientID, rec.TemplateID, rec.ProjectID, rec.LotID,
		rec.InspectorID, string(payload), rec.Status, rec.CompletionPct, rec.TemplateFieldCount,
		rec.SyncVersion, rec.SyncStatus, fmtTime(rec.LastModifiedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert inspection: %w", err)
	}

	action := ActionUpdate
	if isNew {
		action = ActionCreate
	}
	if err := s.enqueueInTx(ctx, tx, EntityInspection, action, rec.LocalID, payload); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit inspection upsert: %w", err)
	}
	return nil
}

// MarkSynced records a successful remote acknowledgment: synced status, clean
// dirty flag, remote id and the server-assigned version, with the queue entry
// removed atomically. The version is the one value the server returned, never
// computed locally.
func (s *Store) MarkSynced(ctx context.Context, localID, remoteID string, syncVersion int64) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	// Clean path: the record is still in the state this ack belongs to.
	res, err := tx.ExecContext(ctx, `
		UPDATE inspections
		SET sync_status = ?, is_dirty = 0, remote_id = ?, sync_version = ?
		WHERE local_id = ? AND sync_status = ?
	`, SyncSynced, remoteID, syncVersion, localID, SyncSyncing)
	if err != nil {
		return fmt.Errorf("failed to mark inspection synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
			EntityInspection, localID)
		if err != nil {
			return fmt.Errorf("failed to remove queue entry: %w", err)
		}
	} else {
		// A local edit landed while the commit was in flight: store the
		// acknowledged identity/version but keep the record dirty and its
		// refreshed queue entry, so the new edit still syncs.
		res, err = tx.ExecContext(ctx, `
			UPDATE inspections SET remote_id = ?, sync_version = ? WHERE local_id = ?
		`, remoteID, syncVersion, localID)
		if err != nil {
			return fmt.Errorf("failed to record sync acknowledgment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("inspection %s not found", localID)
		}
	}

	if err := s.setMetaInTx(ctx, tx, metaLastSyncedAt, fmtTime(time.Now().UTC())); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit synced state: %w", err)
	}
	return nil
}

// MarkConflict atomically records a detected concurrent edit: a conflict row
// with both snapshots captured verbatim, plus the conflict sync status. The
// queue entry stays in place; the dequeue filter keeps it off the automatic
// path until the conflict is resolved.
func (s *Store) MarkConflict(ctx context.Context, localID string, serverSnapshot, clientSnapshot FieldMap, serverVersion int64) (string, error) {
	serverJSON, err := json.Marshal(serverSnapshot)
	if err != nil {
		return "", fmt.Errorf("failed to encode server snapshot: %w", err)
	}
	clientJSON, err := json.Marshal(clientSnapshot)
	if err != nil {
		return "", fmt.Errorf("failed to encode client snapshot: %w", err)
	}

	tx, done, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	res, err := tx.ExecContext(ctx, `
		UPDATE inspections SET sync_status = ?, is_dirty = 1 WHERE local_id = ?
	`, SyncConflict, localID)
	if err != nil {
		return "", fmt.Errorf("failed to mark inspection conflicted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("inspection %s not found", localID)
	}

	conflictID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conflicts (id, inspection_local_id, server_snapshot, client_snapshot, server_version, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conflictID, localID, string(serverJSON), string(clientJSON), serverVersion, fmtTime(time.Now().UTC()))
	if err != nil {
		return "", fmt.Errorf("failed to insert conflict record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit conflict state: %w", err)
	}
	return conflictID, nil
}

// DeleteInspection queues a delete for a record the server knows about, or
// removes a never-synced record outright (nothing remote to reconcile).
func (s *Store) DeleteInspection(ctx context.Context, localID string) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	var remoteID string
	var syncVersion int64
	var status SyncStatus
	err = tx.QueryRowContext(ctx,
		`SELECT remote_id, sync_version, sync_status FROM inspections WHERE local_id = ?`, localID,
	).Scan(&remoteID, &syncVersion, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("inspection %s not found", localID)
	}
	if err != nil {
		return fmt.Errorf("failed to load inspection: %w", err)
	}

	if remoteID == "" && syncVersion == 0 {
		if err := s.removeInspectionInTx(ctx, tx, localID); err != nil {
			return err
		}
		return tx.Commit()
	}

	next := SyncPending
	if status == SyncConflict {
		next = SyncConflict
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE inspections SET is_dirty = 1, sync_status = ?, last_modified_at = ? WHERE local_id = ?
	`, next, fmtTime(time.Now().UTC()), localID)
	if err != nil {
		return fmt.Errorf("failed to flag inspection for delete: %w", err)
	}
	if err := s.enqueueInTx(ctx, tx, EntityInspection, ActionDelete, localID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeDelete removes all local traces of an inspection after the remote
// acknowledged its deletion.
func (s *Store) FinalizeDelete(ctx context.Context, localID string) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := s.removeInspectionInTx(ctx, tx, localID); err != nil {
		return err
	}
	if err := s.setMetaInTx(ctx, tx, metaLastSyncedAt, fmtTime(time.Now().UTC())); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) removeInspectionInTx(ctx context.Context, tx *sql.Tx, localID string) error {
	stmts := []struct {
		q    string
		args []any
	}{
		{`DELETE FROM attachment_blobs WHERE local_id IN
			(SELECT local_id FROM attachments WHERE inspection_local_id = ?)`, []any{localID}},
		{`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id IN
			(SELECT local_id FROM attachments WHERE inspection_local_id = ?)`, []any{EntityAttachment, localID}},
		{`DELETE FROM attachments WHERE inspection_local_id = ?`, []any{localID}},
		{`DELETE FROM conflicts WHERE inspection_local_id = ?`, []any{localID}},
		{`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, []any{EntityInspection, localID}},
		{`DELETE FROM inspections WHERE local_id = ?`, []any{localID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
			return fmt.Errorf("failed to remove inspection %s: %w", localID, err)
		}
	}
	return nil
}

// beginSync is the single-flight gate: it transitions pending→syncing with a
// guarded update and reports whether this caller won the transition.
func (s *Store) beginSync(ctx context.Context, localID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE inspections SET sync_status = ? WHERE local_id = ? AND sync_status = ?
	`, SyncSyncing, localID, SyncPending)
	if err != nil {
		return false, fmt.Errorf("failed to transition to syncing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// claimForSync wins the single-flight gate and then reads the commit
// snapshot. The order is load-bearing: an edit landing before the claim is
// part of the snapshot, while an edit landing after flips the record back to
// pending and is preserved by MarkSynced's fallback branch. A snapshot taken
// before the claim could be committed stale and then acknowledged as if it
// were current, losing the interleaved edit. Returns a nil record when the
// gate was not won.
func (s *Store) claimForSync(ctx context.Context, localID string) (*InspectionRecord, *SyncQueueEntry, error) {
	won, err := s.beginSync(ctx, localID)
	if err != nil || !won {
		return nil, nil, err
	}
	rec, err := s.GetInspection(ctx, localID)
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.GetQueueEntry(ctx, EntityInspection, localID)
	if err != nil {
		return nil, nil, err
	}
	return rec, entry, nil
}

// GetInspection loads a single record by local id.
func (s *Store) GetInspection(ctx context.Context, localID string) (*InspectionRecord, error) {
	return s.getInspectionWhere(ctx, `local_id = ?`, localID)
}

// GetInspectionByClientID loads a record by its stable logical identity.
func (s *Store) GetInspectionByClientID(ctx context.Context, clientID string) (*InspectionRecord, error) {
	return s.getInspectionWhere(ctx, `client_id = ?`, clientID)
}

func (s *Store) getInspectionWhere(ctx context.Context, where string, arg any) (*InspectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, remote_id, client_id, template_id, project_id, lot_id, inspector_id,
			data, status, completion_pct, template_field_count,
			sync_version, is_dirty, sync_status, last_modified_at
		FROM inspections WHERE `+where, arg)

	var rec InspectionRecord
	var data, lastModified string
	var dirty int
	err := row.Scan(&rec.LocalID, &rec.RemoteID, &rec.ClientID, &rec.TemplateID, &rec.ProjectID,
		&rec.LotID, &rec.InspectorID, &data, &rec.Status, &rec.CompletionPct,
		&rec.TemplateFieldCount, &rec.SyncVersion, &dirty, &rec.SyncStatus, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inspection not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan inspection: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("failed to decode inspection data: %w", err)
	}
	rec.IsDirty = dirty == 1
	rec.LastModifiedAt = parseTime(lastModified)
	return &rec, nil
}

// ListInspections returns records for a project/inspector pair, newest first.
func (s *Store) ListInspections(ctx context.Context, projectID, inspectorID string) ([]*InspectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id FROM inspections
		WHERE project_id = ? AND inspector_id = ?
		ORDER BY last_modified_at DESC
	`, projectID, inspectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inspections: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*InspectionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetInspection(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PurgeOlderThan removes fully synced inspections (and their attachments)
// last modified before the cutoff, then sweeps attachments whose owning
// inspection is gone. Pending, syncing and conflicted records are never
// touched.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	rows, err := tx.QueryContext(ctx, `
		SELECT local_id FROM inspections
		WHERE sync_status = ? AND is_dirty = 0 AND last_modified_at < ?
	`, SyncSynced, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to scan purge candidates: %w", err)
	}
	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range victims {
		if err := s.removeInspectionInTx(ctx, tx, id); err != nil {
			return 0, err
		}
	}

	// Orphan sweep: attachments whose owner no longer exists.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attachment_blobs WHERE local_id IN (
			SELECT a.local_id FROM attachments a
			LEFT JOIN inspections i ON i.local_id = a.inspection_local_id
			WHERE i.local_id IS NULL
		)`); err != nil {
		return 0, fmt.Errorf("failed to sweep orphan blobs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE entity_type = ? AND entity_id IN (
			SELECT a.local_id FROM attachments a
			LEFT JOIN inspections i ON i.local_id = a.inspection_local_id
			WHERE i.local_id IS NULL
		)`, EntityAttachment); err != nil {
		return 0, fmt.Errorf("failed to sweep orphan queue entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attachments WHERE local_id IN (
			SELECT a.local_id FROM attachments a
			LEFT JOIN inspections i ON i.local_id = a.inspection_local_id
			WHERE i.local_id IS NULL
		)`); err != nil {
		return 0, fmt.Errorf("failed to sweep orphan attachments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return len(victims), nil
}

const metaLastSyncedAt = "last_synced_at"

func (s *Store) setMetaInTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync meta %s: %w", key, err)
	}
	return value, nil
}
