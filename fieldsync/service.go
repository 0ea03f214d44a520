// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service is the authoritative side of inspection sync. It owns the version
// counter used for conflict detection and guarantees at-most-once application
// per (client_id, expected_version) pair so client retries are idempotent.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName         string
	MaxPayloadBytes int // Maximum JSON payload size per commit in bytes (0 = unlimited)
}

// NewService creates a sync service from an existing pool and initializes the
// schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-fieldsync"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{pool: pool, logger: logger, config: config}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		// Authoritative row state, one row per logical inspection.
		`CREATE TABLE IF NOT EXISTS inspection_rows (
			client_id      TEXT PRIMARY KEY,
			remote_id      UUID NOT NULL DEFAULT gen_random_uuid(),
			server_version BIGINT NOT NULL DEFAULT 0,
			payload        JSONB,
			deleted        BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Idempotency gate: the stored response for an applied commit is
		// replayed verbatim when the same (client_id, expected_version)
		// arrives again.
		`CREATE TABLE IF NOT EXISTS commit_log (
			client_id        TEXT NOT NULL,
			expected_version BIGINT NOT NULL,
			response         JSONB NOT NULL,
			applied_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (client_id, expected_version)
		)`,

		`CREATE TABLE IF NOT EXISTS attachment_files (
			id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			inspection_ref TEXT NOT NULL,
			field_id       TEXT NOT NULL,
			url            TEXT NOT NULL,
			size_bytes     BIGINT NOT NULL DEFAULT 0,
			mime_type      TEXT NOT NULL DEFAULT '',
			registered_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_attachment_files_ref
			ON attachment_files (inspection_ref, field_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Commit processes a single optimistic-concurrency write.
// Outcomes map to CommitResponse.Status: "applied" (versions matched or the
// record is new), "conflict" (another writer committed since the client last
// synced; response carries the server's payload and version), or "invalid"
// (malformed request, rejected before any state change).
func (s *Service) Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error) {
	if err := validateCommit(req, s.config.MaxPayloadBytes); err != nil {
		s.logger.Warn("Rejected invalid commit", "client_id", req.ClientID, "error", err)
		return invalidResponse(err), nil
	}

	var resp *CommitResponse
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Replay a previously applied commit for the same version slot.
		var cached []byte
		err := tx.QueryRow(ctx, `
			SELECT response FROM commit_log
			WHERE client_id = $1 AND expected_version = $2
		`, req.ClientID, req.ExpectedVersion).Scan(&cached)
		if err == nil {
			var replay CommitResponse
			if err := json.Unmarshal(cached, &replay); err != nil {
				return fmt.Errorf("failed to decode cached commit response: %w", err)
			}
			resp = &replay
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to query commit log: %w", err)
		}

		// Lock the row so concurrent commits for the same client_id serialize.
		var (
			remoteID      uuid.UUID
			storedVersion int64
			storedPayload []byte
			deleted       bool
		)
		rowExists := true
		err = tx.QueryRow(ctx, `
			SELECT remote_id, server_version, payload, deleted
			FROM inspection_rows WHERE client_id = $1
			FOR UPDATE
		`, req.ClientID).Scan(&remoteID, &storedVersion, &storedPayload, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			rowExists = false
		} else if err != nil {
			return fmt.Errorf("failed to load inspection row: %w", err)
		}

		switch decideCommit(rowExists, storedVersion, req.ExpectedVersion, req.Delete) {
		case outcomeInsert:
			newID := uuid.New()
			err = tx.QueryRow(ctx, `
				INSERT INTO inspection_rows (client_id, remote_id, server_version, payload, updated_at)
				VALUES ($1, $2, 1, $3, now())
				RETURNING remote_id
			`, req.ClientID, newID, req.Payload).Scan(&newID)
			if err != nil {
				return fmt.Errorf("failed to insert inspection row: %w", err)
			}
			resp = &CommitResponse{Status: StApplied, RemoteID: newID.String(), NewVersion: 1}

		case outcomeApply:
			newVersion := storedVersion + 1
			_, err = tx.Exec(ctx, `
				UPDATE inspection_rows
				SET payload = $1, deleted = $2, server_version = $3, updated_at = now()
				WHERE client_id = $4
			`, req.Payload, req.Delete, newVersion, req.ClientID)
			if err != nil {
				return fmt.Errorf("failed to update inspection row: %w", err)
			}
			resp = &CommitResponse{Status: StApplied, RemoteID: remoteID.String(), NewVersion: newVersion}

		case outcomeDeleteNoop:
			// Nothing to delete; acknowledge so the client can settle.
			resp = &CommitResponse{Status: StApplied, NewVersion: req.ExpectedVersion}

		case outcomeConflict:
			resp = &CommitResponse{
				Status:        StConflict,
				ServerVersion: storedVersion,
				ServerPayload: storedPayload,
			}
			if rowExists {
				resp.RemoteID = remoteID.String()
			}
			// Conflicts are recomputed on every attempt, never cached.
			return nil
		}

		logged, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to encode commit response: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO commit_log (client_id, expected_version, response)
			VALUES ($1, $2, $3)
			ON CONFLICT (client_id, expected_version) DO NOTHING
		`, req.ClientID, req.ExpectedVersion, logged)
		if err != nil {
			return fmt.Errorf("failed to record commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resp.Status == StConflict {
		s.logger.Info("Commit conflict detected",
			"client_id", req.ClientID,
			"expected_version", req.ExpectedVersion,
			"server_version", resp.ServerVersion)
	}
	return resp, nil
}

// RegisterAttachment stores remote metadata for an uploaded attachment blob.
func (s *Service) RegisterAttachment(ctx context.Context, req *RegisterAttachmentRequest) (*RegisterAttachmentResponse, error) {
	if req.InspectionRef == "" || req.FieldID == "" || req.URL == "" {
		return nil, fmt.Errorf("%w: inspection_ref, field_id and url are required", ErrBadPayload)
	}

	var (
		id uuid.UUID
		at time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO attachment_files (inspection_ref, field_id, url, size_bytes, mime_type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, registered_at
	`, req.InspectionRef, req.FieldID, req.URL, req.SizeBytes, req.MimeType).Scan(&id, &at)
	if err != nil {
		return nil, fmt.Errorf("failed to register attachment: %w", err)
	}
	return &RegisterAttachmentResponse{AttachmentID: id.String(), RegisteredAt: at}, nil
}

// Status reports service health for monitoring.
func (s *Service) Status(ctx context.Context) *StatusResponse {
	status := "healthy"
	if err := s.pool.Ping(ctx); err != nil {
		status = "unhealthy"
	}
	return &StatusResponse{Status: status, AppName: s.config.AppName, Version: "1"}
}
