// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validation error sentinels for better error mapping
var (
	ErrMissingClientID = errors.New("missing_client_id")
	ErrBadPayload      = errors.New("bad_payload")
	ErrPayloadTooLarge = errors.New("payload_too_large")
)

// validateCommit checks a commit request before any transaction is opened.
// Invalid requests are rejected and never touch the version tables.
func validateCommit(req *CommitRequest, maxPayloadBytes int) error {
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		return ErrMissingClientID
	}
	if req.ExpectedVersion < 0 {
		return fmt.Errorf("%w: negative expected_version %d", ErrBadPayload, req.ExpectedVersion)
	}
	if req.Delete {
		// Deletes carry no payload.
		return nil
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: payload required for upsert", ErrBadPayload)
	}
	if maxPayloadBytes > 0 && len(req.Payload) > maxPayloadBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPayloadTooLarge, len(req.Payload), maxPayloadBytes)
	}
	if !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrBadPayload)
	}
	return nil
}

// commitOutcome is the pure decision for a commit attempt given the stored row
// state. Factored out of the transaction so the version-matching rules are
// testable without a database.
type commitOutcome int

const (
	outcomeInsert commitOutcome = iota // no stored row, expected 0: create at version 1
	outcomeApply                       // versions match: apply, bump version
	outcomeConflict                    // versions diverged: reject with server state
	outcomeDeleteNoop                  // delete of a row the server never had
)

// decideCommit applies the optimistic concurrency rule. A conflict is reported
// only on an explicit version mismatch; the caller supplies the authoritative
// stored version.
func decideCommit(rowExists bool, storedVersion, expectedVersion int64, isDelete bool) commitOutcome {
	if !rowExists {
		if isDelete {
			return outcomeDeleteNoop
		}
		if expectedVersion == 0 {
			return outcomeInsert
		}
		// Client believes the server has this record but it is gone
		// (e.g. purged). Surface as a conflict so the client re-decides.
		return outcomeConflict
	}
	if storedVersion == expectedVersion {
		return outcomeApply
	}
	return outcomeConflict
}

// invalidResponse maps a validation sentinel to a CommitResponse.
func invalidResponse(err error) *CommitResponse {
	reason := ReasonBadPayload
	switch {
	case errors.Is(err, ErrMissingClientID):
		reason = ReasonMissingClientID
	case errors.Is(err, ErrPayloadTooLarge):
		reason = ReasonPayloadTooLarge
	}
	return &CommitResponse{
		Status:  StInvalid,
		Message: fmt.Sprintf("%s: %v", reason, err),
	}
}
