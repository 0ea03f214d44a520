// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"

	"github.com/fieldworks/go-fieldsync/fieldsync"
)

// uploadAttachment pushes one attachment blob to object storage and registers
// its URL with the remote store. The pipeline is decoupled from inspection
// sync: a failure here never blocks the owning inspection's synced
// transition, it only shows up in the pending-uploads count.
func (e *Engine) uploadAttachment(ctx context.Context, localID string) error {
	if e.blobs == nil {
		return nil
	}

	att, err := e.store.GetAttachment(ctx, localID)
	if err != nil {
		return err
	}

	owner, err := e.store.GetInspection(ctx, att.InspectionLocalID)
	if err != nil {
		// Owner gone; the purge sweep will collect this attachment.
		e.logger.Warn("Skipping upload for orphan attachment", "local_id", localID)
		return nil
	}

	won, err := e.store.claimUpload(ctx, localID)
	if err != nil {
		return err
	}
	if !won {
		// Another pass holds the upload, or it already finished.
		return nil
	}

	payload, err := e.store.AttachmentBlob(ctx, localID)
	if err != nil {
		_, uErr := e.store.recordUploadFailure(ctx, localID, err.Error(), e.config.Backoff(att.Attempts+1), e.config.MaxAttempts)
		if uErr != nil {
			return uErr
		}
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	key := attachmentKey(owner.ClientID, att)
	url, err := e.blobs.Upload(rctx, key, bytes.NewReader(payload), att.MimeType)
	if err == nil {
		ref := owner.RemoteID
		if ref == "" {
			ref = owner.ClientID
		}
		err = e.remote.RegisterAttachment(rctx, &fieldsync.RegisterAttachmentRequest{
			InspectionRef: ref,
			FieldID:       att.FieldID,
			URL:           url,
			SizeBytes:     att.SizeBytes,
			MimeType:      att.MimeType,
		})
	}
	if err != nil {
		delay := e.config.Backoff(att.Attempts + 1)
		exhausted, uErr := e.store.recordUploadFailure(ctx, localID, err.Error(), delay, e.config.MaxAttempts)
		if uErr != nil {
			return uErr
		}
		if exhausted != nil {
			e.logger.Warn("Attachment upload retries exhausted", "error", exhausted)
		} else {
			e.logger.Debug("Attachment upload failed, rescheduled",
				"local_id", localID, "delay", delay, "error", err)
		}
		return nil
	}

	e.logger.Debug("Attachment uploaded", "local_id", localID, "url", url)
	return e.store.markUploaded(ctx, localID, url)
}

// attachmentKey builds the object storage key for an attachment blob.
func attachmentKey(clientID string, att *AttachmentRecord) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(att.MimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return path.Join("inspections", clientID, att.FieldID, att.LocalID+ext)
}

// PendingUploads reports attachments that have not reached uploaded yet,
// for the reporter and for manual retry UIs.
func (s *Store) PendingUploads(ctx context.Context) ([]*AttachmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, inspection_local_id, field_id, upload_status, remote_url,
			size_bytes, mime_type, attempts, last_error, created_at
		FROM attachments WHERE upload_status IN (?, ?, ?) ORDER BY created_at ASC
	`, UploadPending, UploadUploading, UploadFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending uploads: %w", err)
	}
	defer rows.Close()

	var out []*AttachmentRecord
	for rows.Next() {
		rec, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
