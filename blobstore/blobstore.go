// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

// Package blobstore abstracts the object storage attachments are uploaded to.
package blobstore

import (
	"context"
	"io"
)

// Store is the narrow object-storage contract the sync engine consumes:
// upload bytes under a key, get back a stable URL.
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) (url string, err error)
}
