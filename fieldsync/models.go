// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync HTTP API. The offline client (fieldlite)
// and the authoritative service share these types.

// CommitRequest is an optimistic-concurrency write for a single inspection.
// ExpectedVersion carries the version the client last saw (0 for a record the
// server has never acknowledged). The server applies the write only when its
// stored version still matches.
type CommitRequest struct {
	ClientID        string          `json:"client_id"`        // Stable logical identity, survives retries
	ExpectedVersion int64           `json:"expected_version"` // Last server version known to the client
	Payload         json.RawMessage `json:"payload,omitempty"`
	Delete          bool            `json:"delete,omitempty"`
}

// CommitResponse is the server's answer to a CommitRequest.
type CommitResponse struct {
	Status        string          `json:"status"`                   // "applied", "conflict", "invalid"
	RemoteID      string          `json:"remote_id,omitempty"`      // Assigned on first successful commit
	NewVersion    int64           `json:"new_version,omitempty"`    // Version after an applied commit
	ServerVersion int64           `json:"server_version,omitempty"` // Current server version on conflict
	ServerPayload json.RawMessage `json:"server_payload,omitempty"` // Current server data on conflict
	Message       string          `json:"message,omitempty"`
}

// RegisterAttachmentRequest records an uploaded attachment's remote metadata.
type RegisterAttachmentRequest struct {
	InspectionRef string `json:"inspection_ref"` // Remote id when known, client id otherwise
	FieldID       string `json:"field_id"`
	URL           string `json:"url"`
	SizeBytes     int64  `json:"size_bytes"`
	MimeType      string `json:"mime_type"`
}

// RegisterAttachmentResponse acknowledges attachment metadata registration.
type RegisterAttachmentResponse struct {
	AttachmentID string    `json:"attachment_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// StatusResponse reports service health.
type StatusResponse struct {
	Status  string `json:"status"`
	AppName string `json:"app_name"`
	Version string `json:"version"`
}

// ErrorResponse is the JSON body for non-2xx replies.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
