// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-fieldsync - Offline-First Inspection Sync")
	fmt.Println("============================================")
	fmt.Println()
	fmt.Println("go-fieldsync lets field devices capture structured inspection data while")
	fmt.Println("disconnected, then reconciles it with an authoritative store using optimistic")
	fmt.Println("concurrency. Conflicting concurrent edits are surfaced for explicit resolution,")
	fmt.Println("never silently discarded.")
	fmt.Println()
	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  fieldlite/  - SQLite offline core: local record store, coalesced sync queue,")
	fmt.Println("                sync engine with backoff and single-flight, conflict resolver,")
	fmt.Println("                connectivity monitor and status reporter")
	fmt.Println("  fieldsync/  - Postgres-backed authoritative service: versioned commits,")
	fmt.Println("                idempotent retries, attachment metadata, net/http handlers")
	fmt.Println("  blobstore/  - object storage drivers (S3/MinIO, in-memory) for attachment blobs")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println()
	fmt.Println("  examples/fieldsync_server/ - authoritative sync server over Postgres")
	fmt.Println("                               Run: cd examples/fieldsync_server && go run .")
	fmt.Println("  examples/device_flow/      - simulated field device: offline capture,")
	fmt.Println("                               reconnect, conflict, explicit resolution")
	fmt.Println("                               Run: cd examples/device_flow && go run .")
	fmt.Println()
	fmt.Println("See fieldlite's package tests for end-to-end offline and conflict scenarios.")
}
