// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"encoding/json"
	"time"
)

// SyncStatus is the per-inspection sync state machine position.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
)

// RecordStatus is the business-level inspection state, independent of sync.
type RecordStatus string

const (
	StatusDraft     RecordStatus = "draft"
	StatusSubmitted RecordStatus = "submitted"
)

// UploadStatus tracks an attachment blob's progress, independent of the
// owning inspection's sync state.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// EntityType identifies what a queue entry targets.
type EntityType string

const (
	EntityInspection EntityType = "inspection"
	EntityAttachment EntityType = "attachment"
)

// QueueAction is the operation a queue entry carries.
type QueueAction string

const (
	ActionCreate QueueAction = "create"
	ActionUpdate QueueAction = "update"
	ActionDelete QueueAction = "delete"
)

// Resolution is a human conflict decision.
type Resolution string

const (
	ServerWins Resolution = "server_wins"
	ClientWins Resolution = "client_wins"
	Merged     Resolution = "merged"
)

// FieldKind tags a FieldValue variant.
type FieldKind string

const (
	FieldScalar     FieldKind = "scalar"
	FieldAttachment FieldKind = "attachment"
)

// FieldValue is one answer in an inspection: either a scalar (string, number,
// bool, null) or a reference to a locally stored attachment. The field set is
// template-driven, so values stay semi-structured rather than schema-bound.
type FieldValue struct {
	Kind         FieldKind `json:"kind"`
	Value        any       `json:"value,omitempty"`
	AttachmentID string    `json:"attachment_id,omitempty"`
}

// Scalar builds a scalar field value.
func Scalar(v any) FieldValue { return FieldValue{Kind: FieldScalar, Value: v} }

// AttachmentRef builds a field value pointing at a local attachment.
func AttachmentRef(localID string) FieldValue {
	return FieldValue{Kind: FieldAttachment, AttachmentID: localID}
}

// Answered reports whether the field carries a usable answer.
func (v FieldValue) Answered() bool {
	switch v.Kind {
	case FieldAttachment:
		return v.AttachmentID != ""
	default:
		if v.Value == nil {
			return false
		}
		if s, ok := v.Value.(string); ok {
			return s != ""
		}
		return true
	}
}

// FieldMap is the per-field answer payload of an inspection.
type FieldMap map[string]FieldValue

// Clone returns a deep copy via JSON round trip.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	raw, _ := json.Marshal(m)
	var out FieldMap
	_ = json.Unmarshal(raw, &out)
	return out
}

// InspectionRecord is the locally stored inspection.
type InspectionRecord struct {
	LocalID            string       // Device-generated, never reused
	RemoteID           string       // Empty until first successful sync
	ClientID           string       // Stable logical identity, immutable
	TemplateID         string
	ProjectID          string
	LotID              string
	InspectorID        string
	Data               FieldMap
	Status             RecordStatus
	CompletionPct      float64
	TemplateFieldCount int // Denominator for completion; 0 falls back to len(Data)
	SyncVersion        int64
	IsDirty            bool
	SyncStatus         SyncStatus
	LastModifiedAt     time.Time
}

// AttachmentRecord is attachment metadata; the binary payload lives in the
// large-object table keyed by LocalID.
type AttachmentRecord struct {
	LocalID           string
	InspectionLocalID string
	FieldID           string
	UploadStatus      UploadStatus
	RemoteURL         string
	SizeBytes         int64
	MimeType          string
	Attempts          int
	LastError         string
	CreatedAt         time.Time
}

// SyncQueueEntry is one coalesced pending operation, at most one per
// (EntityType, EntityID).
type SyncQueueEntry struct {
	EntityType    EntityType
	Action        QueueAction
	EntityID      string
	Payload       json.RawMessage
	Attempts      int
	LastAttemptAt time.Time // Zero if never attempted
	NextAttemptAt time.Time // Zero means due immediately
	LastError     string
	Failed        bool // Crossed the retry ceiling; manual retry only
	CreatedAt     time.Time
}

// Due reports whether the entry's backoff window has elapsed.
func (e *SyncQueueEntry) Due(now time.Time) bool {
	return e.NextAttemptAt.IsZero() || !e.NextAttemptAt.After(now)
}

// ConflictRecord captures both sides of a detected concurrent edit.
type ConflictRecord struct {
	ID                string
	InspectionLocalID string
	ServerSnapshot    FieldMap
	ClientSnapshot    FieldMap
	ServerVersion     int64 // Server's version at detection, used by server_wins
	DetectedAt        time.Time
	Resolved          bool
	Resolution        Resolution
	MergedData        FieldMap
	ResolvedAt        *time.Time
	ResolvedBy        string
}

// completionOf recomputes the completion percentage for a data payload.
// templateFieldCount is the template's field total when known; otherwise the
// answered ratio over the fields present.
func completionOf(data FieldMap, templateFieldCount int) float64 {
	total := templateFieldCount
	if total <= 0 {
		total = len(data)
	}
	if total == 0 {
		return 0
	}
	answered := 0
	for _, v := range data {
		if v.Answered() {
			answered++
		}
	}
	pct := float64(answered) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
