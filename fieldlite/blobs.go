// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	_ "image/gif"
	_ "image/png"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

const thumbnailMaxDim = 256

// StoreAttachmentBlob persists an attachment's binary payload plus a
// thumbnail derivative, and enqueues its upload, all in one transaction.
// Returns the generated local id for the caller to reference from the owning
// inspection's data.
func (s *Store) StoreAttachmentBlob(ctx context.Context, inspectionLocalID, fieldID string, data []byte, mimeType string) (string, error) {
	if inspectionLocalID == "" {
		return "", &ValidationError{Field: "inspectionLocalId", Reason: "required"}
	}
	if len(data) == 0 {
		return "", &ValidationError{Field: "bytes", Reason: "empty payload"}
	}

	localID := uuid.New().String()
	thumb := makeThumbnail(data)

	tx, done, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attachments (local_id, inspection_local_id, field_id, upload_status, size_bytes, mime_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, localID, inspectionLocalID, fieldID, UploadPending, len(data), mimeType, fmtTime(time.Now().UTC()))
	if err != nil {
		return "", fmt.Errorf("failed to insert attachment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attachment_blobs (local_id, payload, thumbnail) VALUES (?, ?, ?)
	`, localID, data, thumb)
	if err != nil {
		return "", fmt.Errorf("failed to store attachment blob: %w", err)
	}

	if err := s.enqueueInTx(ctx, tx, EntityAttachment, ActionCreate, localID, nil); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit attachment: %w", err)
	}
	return localID, nil
}

// makeThumbnail scales an image payload to fit thumbnailMaxDim, JPEG-encoded.
// Non-image payloads (or undecodable ones) get no thumbnail.
func makeThumbnail(data []byte) []byte {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil
	}
	scale := float64(thumbnailMaxDim) / float64(max(w, h))
	if scale > 1 {
		scale = 1
	}
	tw, th := int(float64(w)*scale), int(float64(h)*scale)
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil
	}
	return buf.Bytes()
}

// GetAttachment loads attachment metadata.
func (s *Store) GetAttachment(ctx context.Context, localID string) (*AttachmentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, inspection_local_id, field_id, upload_status, remote_url,
			size_bytes, mime_type, attempts, last_error, created_at
		FROM attachments WHERE local_id = ?
	`, localID)
	return scanAttachment(row)
}

// ListAttachments returns all attachments for an inspection, oldest first.
func (s *Store) ListAttachments(ctx context.Context, inspectionLocalID string) ([]*AttachmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, inspection_local_id, field_id, upload_status, remote_url,
			size_bytes, mime_type, attempts, last_error, created_at
		FROM attachments WHERE inspection_local_id = ? ORDER BY created_at ASC
	`, inspectionLocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
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

type rowScanner interface{ Scan(dest ...any) error }

func scanAttachment(row rowScanner) (*AttachmentRecord, error) {
	var rec AttachmentRecord
	var created string
	err := row.Scan(&rec.LocalID, &rec.InspectionLocalID, &rec.FieldID, &rec.UploadStatus,
		&rec.RemoteURL, &rec.SizeBytes, &rec.MimeType, &rec.Attempts, &rec.LastError, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attachment: %w", err)
	}
	rec.CreatedAt = parseTime(created)
	return &rec, nil
}

// AttachmentBlob returns the stored payload bytes. Returns an error if the
// blob was already evicted after upload.
func (s *Store) AttachmentBlob(ctx context.Context, localID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM attachment_blobs WHERE local_id = ?`, localID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment blob %s not found", localID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment blob: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("attachment blob %s evicted", localID)
	}
	return payload, nil
}

// AttachmentThumbnail returns the thumbnail derivative, which survives
// post-upload eviction for display.
func (s *Store) AttachmentThumbnail(ctx context.Context, localID string) ([]byte, error) {
	var thumb []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT thumbnail FROM attachment_blobs WHERE local_id = ?`, localID).Scan(&thumb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment blob %s not found", localID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thumbnail: %w", err)
	}
	return thumb, nil
}

// claimUpload is the per-attachment single-flight gate: it transitions a
// pending or failed attachment to uploading with a guarded update and reports
// whether this caller won. An attachment already uploading or uploaded is
// never claimed, so concurrent drain passes cannot upload or register the
// same blob twice.
func (s *Store) claimUpload(ctx context.Context, localID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE attachments SET upload_status = ? WHERE local_id = ? AND upload_status IN (?, ?)
	`, UploadUploading, localID, UploadPending, UploadFailed)
	if err != nil {
		return false, fmt.Errorf("failed to transition to uploading: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// markUploaded finishes an attachment upload: uploaded status, remote URL,
// queue entry removed and the full-size payload evicted (thumbnail kept).
func (s *Store) markUploaded(ctx context.Context, localID, remoteURL string) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, err = tx.ExecContext(ctx, `
		UPDATE attachments SET upload_status = ?, remote_url = ?, last_error = '' WHERE local_id = ?
	`, UploadUploaded, remoteURL, localID)
	if err != nil {
		return fmt.Errorf("failed to mark attachment uploaded: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, EntityAttachment, localID)
	if err != nil {
		return fmt.Errorf("failed to remove attachment queue entry: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE attachment_blobs SET payload = NULL WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to evict attachment payload: %w", err)
	}

	return tx.Commit()
}

// recordUploadFailure degrades a failed upload: failed status on the
// attachment and the shared queue backoff discipline on its entry.
func (s *Store) recordUploadFailure(ctx context.Context, localID, errMsg string, nextDelay time.Duration, ceiling int) (*ExhaustedRetriesError, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE attachments SET upload_status = ?, attempts = attempts + 1, last_error = ?
		WHERE local_id = ?
	`, UploadFailed, errMsg, localID); err != nil {
		return nil, fmt.Errorf("failed to mark attachment failed: %w", err)
	}
	return s.recordSyncFailure(ctx, EntityAttachment, localID, errMsg, nextDelay, ceiling)
}

// CountPendingUploads counts attachments not yet uploaded.
func (s *Store) CountPendingUploads(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attachments WHERE upload_status IN (?, ?, ?)
	`, UploadPending, UploadUploading, UploadFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending uploads: %w", err)
	}
	return n, nil
}
