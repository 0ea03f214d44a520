// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// Status constants for commit responses
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StInvalid  = "invalid"
)

// Invalid reason constants
const (
	ReasonMissingClientID = "missing_client_id"
	ReasonBadPayload      = "bad_payload"
	ReasonPayloadTooLarge = "payload_too_large"
	ReasonInternalError   = "internal_error"
)
