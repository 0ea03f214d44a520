// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fieldworks/go-fieldsync/fieldsync"
)

// CommitResult is a successful remote acknowledgment.
type CommitResult struct {
	RemoteID   string
	NewVersion int64
}

// RemoteStore is the narrow contract to the authoritative store. Commit must
// apply at most once per (clientID, expectedVersion) pair so retries are
// safe. Errors are classified: *VersionConflictError for an explicit version
// mismatch, *TransientError for anything worth retrying.
type RemoteStore interface {
	Commit(ctx context.Context, clientID string, data FieldMap, expectedVersion int64, del bool) (*CommitResult, error)
	RegisterAttachment(ctx context.Context, req *fieldsync.RegisterAttachmentRequest) error
}

// HTTPRemote talks to a fieldsync server over HTTP.
type HTTPRemote struct {
	BaseURL string
	HTTP    *http.Client
	// Token supplies a bearer token per request; nil sends no Authorization
	// header (auth is the host application's concern).
	Token func(ctx context.Context) (string, error)
}

// NewHTTPRemote creates a remote client for the given base URL.
func NewHTTPRemote(baseURL string, httpClient *http.Client) *HTTPRemote {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPRemote{BaseURL: baseURL, HTTP: httpClient}
}

// Commit posts an optimistic-concurrency write. A timeout or transport error
// carries no information about the remote's state, so it is always classified
// transient, never as a conflict.
func (r *HTTPRemote) Commit(ctx context.Context, clientID string, data FieldMap, expectedVersion int64, del bool) (*CommitResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit payload: %w", err)
	}
	req := &fieldsync.CommitRequest{
		ClientID:        clientID,
		ExpectedVersion: expectedVersion,
		Delete:          del,
	}
	if !del {
		req.Payload = payload
	}

	var resp fieldsync.CommitResponse
	status, err := r.post(ctx, "/sync/commit", req, &resp)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK && resp.Status == fieldsync.StApplied:
		return &CommitResult{RemoteID: resp.RemoteID, NewVersion: resp.NewVersion}, nil
	case status == http.StatusConflict:
		var serverData FieldMap
		if len(resp.ServerPayload) > 0 {
			if err := json.Unmarshal(resp.ServerPayload, &serverData); err != nil {
				return nil, fmt.Errorf("failed to decode server payload in conflict: %w", err)
			}
		}
		return nil, &VersionConflictError{
			RemoteID:      resp.RemoteID,
			ServerVersion: resp.ServerVersion,
			ServerData:    serverData,
		}
	case status >= 500:
		return nil, &TransientError{Op: "commit", Err: fmt.Errorf("server returned status %d: %s", status, resp.Message)}
	default:
		return nil, fmt.Errorf("commit rejected (status %d): %s", status, resp.Message)
	}
}

// RegisterAttachment records uploaded attachment metadata remotely.
func (r *HTTPRemote) RegisterAttachment(ctx context.Context, req *fieldsync.RegisterAttachmentRequest) error {
	var resp fieldsync.RegisterAttachmentResponse
	status, err := r.post(ctx, "/sync/attachments", req, &resp)
	if err != nil {
		return err
	}
	if status >= 500 {
		return &TransientError{Op: "register_attachment", Err: fmt.Errorf("server returned status %d", status)}
	}
	if status != http.StatusOK {
		return fmt.Errorf("attachment registration rejected (status %d)", status)
	}
	return nil
}

// post sends a JSON request and decodes the JSON reply into out. Transport
// failures are transient by definition.
func (r *HTTPRemote) post(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return 0, &TransientError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &TransientError{Op: path, Err: err}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 500 {
			return 0, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}
