// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore is an in-memory Store for tests and demos.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// FailWith, when set, makes every Upload fail with this error.
	FailWith error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Upload stores the bytes and returns a mem:// URL.
func (m *MemoryStore) Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.objects[key] = data
	return fmt.Sprintf("mem://%s", key), nil
}

// Get returns stored bytes for assertions.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
