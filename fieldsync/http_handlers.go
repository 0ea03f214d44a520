// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// CommitService is the surface the HTTP layer needs from the sync service.
type CommitService interface {
	Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error)
	RegisterAttachment(ctx context.Context, req *RegisterAttachmentRequest) (*RegisterAttachmentResponse, error)
	Status(ctx context.Context) *StatusResponse
}

// HTTPHandlers provides HTTP handlers for the sync API
type HTTPHandlers struct {
	service CommitService
	logger  *slog.Logger
}

// NewHTTPHandlers creates a new instance of sync handlers
func NewHTTPHandlers(service CommitService, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, logger: logger}
}

// Mux returns a ServeMux with all sync routes mounted.
func (h *HTTPHandlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/commit", h.HandleCommit)
	mux.HandleFunc("/sync/attachments", h.HandleRegisterAttachment)
	mux.HandleFunc("/sync/status", h.HandleStatus)
	return mux
}

// HandleCommit processes a single-record optimistic-concurrency commit.
// Conflicts are reported as 409 with the server's current state in the body.
func (h *HTTPHandlers) HandleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse commit request")
		return
	}

	resp, err := h.service.Commit(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to process commit", "error", err, "client_id", req.ClientID)
		h.writeError(w, http.StatusInternalServerError, "commit_failed", "Failed to process commit")
		return
	}

	code := http.StatusOK
	switch resp.Status {
	case StConflict:
		code = http.StatusConflict
	case StInvalid:
		code = http.StatusBadRequest
	}
	h.writeJSON(w, code, resp)
}

// HandleRegisterAttachment records uploaded attachment metadata.
func (h *HTTPHandlers) HandleRegisterAttachment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	var req RegisterAttachmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse attachment request")
		return
	}

	resp, err := h.service.RegisterAttachment(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to register attachment", "error", err, "inspection_ref", req.InspectionRef)
		h.writeError(w, http.StatusBadRequest, "register_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleStatus reports service health.
func (h *HTTPHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.service.Status(r.Context()))
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, code int, errCode, message string) {
	h.writeJSON(w, code, &ErrorResponse{Error: errCode, Message: message})
}
