package fieldlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertInspectionRequiresClientID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertInspection(ctx, &InspectionRecord{Data: FieldMap{"q1": Scalar("x")}})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "clientId", verr.Field)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth, "rejected write must not enqueue")
}

func TestUpsertInspectionWritesRecordAndQueueTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))
	require.NotEmpty(t, rec.LocalID)

	got, err := store.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, SyncPending, got.SyncStatus)
	require.True(t, got.IsDirty)
	require.Equal(t, StatusDraft, got.Status)
	require.InDelta(t, 50.0, got.CompletionPct, 0.001, "1 of 2 template fields answered")

	entry, err := store.GetQueueEntry(ctx, EntityInspection, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, ActionCreate, entry.Action)

	var payload FieldMap
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	require.Equal(t, rec.Data, payload)
}

func TestQueueCoalescesRepeatedEdits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))

	first, err := store.GetQueueEntry(ctx, EntityInspection, rec.LocalID)
	require.NoError(t, err)

	rec.Data = FieldMap{"q1": Scalar("revised"), "q2": Scalar(42)}
	require.NoError(t, store.UpsertInspection(ctx, rec))
	rec.Data["q2"] = Scalar(43)
	require.NoError(t, store.UpsertInspection(ctx, rec))

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	entry, err := store.GetQueueEntry(ctx, EntityInspection, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, ActionCreate, entry.Action, "an unsynced create stays a create")
	require.Equal(t, first.CreatedAt, entry.CreatedAt, "coalescing keeps the original FIFO position")

	var payload FieldMap
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	require.Equal(t, Scalar(float64(43)), payload["q2"], "payload reflects the latest edit")
}

func TestMarkSyncedClearsQueueEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))

	won, err := store.beginSync(ctx, rec.LocalID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.MarkSynced(ctx, rec.LocalID, "remote-1", 1))

	got, err := store.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, SyncSynced, got.SyncStatus)
	require.False(t, got.IsDirty)
	require.Equal(t, "remote-1", got.RemoteID)
	require.EqualValues(t, 1, got.SyncVersion)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestMarkSyncedKeepsEditThatLandedMidFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))

	won, err := store.beginSync(ctx, rec.LocalID)
	require.NoError(t, err)
	require.True(t, won)

	// An edit arrives while the commit is on the wire.
	rec.Data = FieldMap{"q1": Scalar("newer")}
	require.NoError(t, store.UpsertInspection(ctx, rec))

	require.NoError(t, store.MarkSynced(ctx, rec.LocalID, "remote-1", 1))

	got, err := store.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, SyncPending, got.SyncStatus, "the fresh edit still needs syncing")
	require.True(t, got.IsDirty)
	require.Equal(t, "remote-1", got.RemoteID, "the ack itself is kept")
	require.EqualValues(t, 1, got.SyncVersion)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestMarkConflictCapturesSnapshotsVerbatim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))

	serverSnap := FieldMap{"q1": Scalar("server says")}
	clientSnap := rec.Data.Clone()

	conflictID, err := store.MarkConflict(ctx, rec.LocalID, serverSnap, clientSnap, 3)
	require.NoError(t, err)
	require.NotEmpty(t, conflictID)

	got, err := store.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, SyncConflict, got.SyncStatus)

	conflict, err := store.GetConflict(ctx, conflictID)
	require.NoError(t, err)
	require.Equal(t, serverSnap, conflict.ServerSnapshot)
	require.Equal(t, clientSnap, conflict.ClientSnapshot)
	require.EqualValues(t, 3, conflict.ServerVersion)
	require.False(t, conflict.Resolved)

	// The entry survives but is off the automatic path.
	entry, err := store.GetQueueEntry(ctx, EntityInspection, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	due, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestUpsertKeepsConflictStatusUntilResolved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))
	_, err := store.MarkConflict(ctx, rec.LocalID, FieldMap{"q1": Scalar("s")}, rec.Data, 2)
	require.NoError(t, err)

	rec.Data = FieldMap{"q1": Scalar("edited while conflicted")}
	require.NoError(t, store.UpsertInspection(ctx, rec))

	got, err := store.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, SyncConflict, got.SyncStatus, "resolution is the only way out of conflict")
}

func TestDequeueBatchIsFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"client-a", "client-b", "client-c"} {
		rec := testRecord(c)
		require.NoError(t, store.UpsertInspection(ctx, rec))
		ids = append(ids, rec.LocalID)
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		require.Equal(t, ids[i], entry.EntityID)
	}

	entries, err = store.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2, "limit caps the batch")
}

func TestDequeueBatchExclusions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inFlight := testRecord("client-a")
	backedOff := testRecord("client-b")
	ready := testRecord("client-c")
	for _, rec := range []*InspectionRecord{inFlight, backedOff, ready} {
		require.NoError(t, store.UpsertInspection(ctx, rec))
	}

	won, err := store.beginSync(ctx, inFlight.LocalID)
	require.NoError(t, err)
	require.True(t, won)

	_, err = store.recordSyncFailure(ctx, EntityInspection, backedOff.LocalID, "slow network", time.Hour, 10)
	require.NoError(t, err)

	entries, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ready.LocalID, entries[0].EntityID)
}

func TestRecordSyncFailureCrossesCeiling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))

	for i := 1; i <= 3; i++ {
		won, err := store.beginSync(ctx, rec.LocalID)
		require.NoError(t, err)
		require.True(t, won)

		exhausted, err := store.recordSyncFailure(ctx, EntityInspection, rec.LocalID, "boom", 0, 3)
		require.NoError(t, err)
		if i < 3 {
			require.Nil(t, exhausted)
		} else {
			require.NotNil(t, exhausted)
			require.Equal(t, 3, exhausted.Attempts)
		}

		got, err := store.GetInspection(ctx, rec.LocalID)
		require.NoError(t, err)
		require.Equal(t, SyncPending, got.SyncStatus, "a failure always releases the single-flight gate")
	}

	failed, err := store.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, rec.LocalID, failed[0].EntityID)

	due, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due, "failed entries leave the automatic path")
}

func TestRetryFailedReturnsEntryToAutomaticPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))
	_, err := store.recordSyncFailure(ctx, EntityInspection, rec.LocalID, "boom", 0, 1)
	require.NoError(t, err)

	require.NoError(t, store.RetryFailed(ctx, rec.LocalID))

	entry, err := store.GetQueueEntry(ctx, EntityInspection, rec.LocalID)
	require.NoError(t, err)
	require.False(t, entry.Failed)
	require.Zero(t, entry.Attempts)
	require.Empty(t, entry.LastError)

	due, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestDeleteNeverSyncedRemovesOutright(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))
	require.NoError(t, store.DeleteInspection(ctx, rec.LocalID))

	_, err := store.GetInspection(ctx, rec.LocalID)
	require.Error(t, err)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth, "nothing remote to reconcile")
}

func TestDeleteSyncedQueuesRemoteDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))
	won, err := store.beginSync(ctx, rec.LocalID)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.MarkSynced(ctx, rec.LocalID, "remote-1", 1))

	require.NoError(t, store.DeleteInspection(ctx, rec.LocalID))

	got, err := store.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, SyncPending, got.SyncStatus)

	entry, err := store.GetQueueEntry(ctx, EntityInspection, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, ActionDelete, entry.Action)
	require.Nil(t, entry.Payload)

	require.NoError(t, store.FinalizeDelete(ctx, rec.LocalID))
	_, err = store.GetInspection(ctx, rec.LocalID)
	require.Error(t, err)
}

func TestPurgeOlderThanSweepsSyncedAndOrphans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testRecord("client-old")
	fresh := testRecord("client-fresh")
	require.NoError(t, store.UpsertInspection(ctx, old))
	require.NoError(t, store.UpsertInspection(ctx, fresh))

	won, err := store.beginSync(ctx, old.LocalID)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.MarkSynced(ctx, old.LocalID, "remote-old", 1))

	attID, err := store.StoreAttachmentBlob(ctx, old.LocalID, "photo1", []byte("not an image"), "text/plain")
	require.NoError(t, err)

	// Orphan: its owning inspection never existed locally.
	orphanID, err := store.StoreAttachmentBlob(ctx, "ghost-inspection", "photo2", []byte("bytes"), "text/plain")
	require.NoError(t, err)

	// Age the synced record past the cutoff.
	_, err = store.DB().ExecContext(ctx,
		`UPDATE inspections SET last_modified_at = ? WHERE local_id = ?`,
		fmtTime(time.Now().UTC().Add(-48*time.Hour)), old.LocalID)
	require.NoError(t, err)

	purged, err := store.PurgeOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = store.GetInspection(ctx, old.LocalID)
	require.Error(t, err)
	_, err = store.GetInspection(ctx, fresh.LocalID)
	require.NoError(t, err, "pending records are never purged")

	for _, id := range []string{attID, orphanID} {
		_, err = store.GetAttachment(ctx, id)
		require.Error(t, err)
		_, err = store.AttachmentBlob(ctx, id)
		require.Error(t, err)
	}

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth, "only the fresh inspection's entry remains")
}

func TestGetInspectionByClientID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))

	got, err := store.GetInspectionByClientID(ctx, "client-a")
	require.NoError(t, err)
	require.Equal(t, rec.LocalID, got.LocalID)

	_, err = store.GetInspectionByClientID(ctx, "nope")
	require.Error(t, err)
}

func TestListInspectionsFiltersByProjectAndInspector(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mine := testRecord("client-a")
	other := testRecord("client-b")
	other.InspectorID = "inspector-other"
	require.NoError(t, store.UpsertInspection(ctx, mine))
	require.NoError(t, store.UpsertInspection(ctx, other))

	got, err := store.ListInspections(ctx, "proj-1", "inspector-7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, mine.LocalID, got[0].LocalID)
}

func TestClaimForSyncSnapshotsAfterGate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))

	// A drain pass reads the record, then an edit lands before the pass
	// claims it. The claimed snapshot must carry that edit: committing the
	// earlier read and acknowledging it as current would drop the edit.
	stale, err := store.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)

	rec.Data = FieldMap{"q1": Scalar("edited")}
	require.NoError(t, store.UpsertInspection(ctx, rec))

	claimed, entry, err := store.claimForSync(ctx, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, SyncSyncing, claimed.SyncStatus)
	require.Equal(t, Scalar("edited"), claimed.Data["q1"])
	require.NotEqual(t, stale.Data["q1"], claimed.Data["q1"])
	require.NotNil(t, entry)
	require.Equal(t, ActionCreate, entry.Action)

	again, _, err := store.claimForSync(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Nil(t, again, "the gate is single-flight")
}

func TestOpenRecoversInterruptedStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldlite.db")
	store, err := Open(path, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	rec := testRecord("client-a")
	require.NoError(t, store.UpsertInspection(ctx, rec))
	won, err := store.beginSync(ctx, rec.LocalID)
	require.NoError(t, err)
	require.True(t, won)

	attID, err := store.StoreAttachmentBlob(ctx, rec.LocalID, "photo", []byte("bytes"), "text/plain")
	require.NoError(t, err)
	won, err = store.claimUpload(ctx, attID)
	require.NoError(t, err)
	require.True(t, won)

	// The process dies with both in flight.
	require.NoError(t, store.Close())

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.GetInspection(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, SyncPending, got.SyncStatus)

	att, err := reopened.GetAttachment(ctx, attID)
	require.NoError(t, err)
	require.Equal(t, UploadPending, att.UploadStatus)
}
