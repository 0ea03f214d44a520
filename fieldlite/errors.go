// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"errors"
	"fmt"
)

// ErrConflictNotFound is returned when resolving a conflict id that does not
// exist (or was already purged).
var ErrConflictNotFound = errors.New("conflict not found")

// ValidationError rejects a malformed local write before any transaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransientError wraps a network/timeout/5xx failure. Transient failures are
// retried with backoff and never surfaced as terminal.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// VersionConflictError is an explicit version mismatch reported by the remote
// store. It carries the server's current state verbatim; the local device
// never infers conflicts from timestamps.
type VersionConflictError struct {
	RemoteID      string
	ServerVersion int64
	ServerData    FieldMap
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: server at version %d", e.ServerVersion)
}

// InvalidResolutionError rejects a malformed or duplicate conflict
// resolution; the conflict remains open.
type InvalidResolutionError struct {
	Reason string
}

func (e *InvalidResolutionError) Error() string {
	return fmt.Sprintf("invalid resolution: %s", e.Reason)
}

// ExhaustedRetriesError marks a queue entry that crossed the attempt ceiling.
// The entry is excluded from automatic draining until retried explicitly.
type ExhaustedRetriesError struct {
	EntityType EntityType
	EntityID   string
	Attempts   int
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s %s exhausted retries after %d attempts", e.EntityType, e.EntityID, e.Attempts)
}
