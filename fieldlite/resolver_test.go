package fieldlite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// conflictFixture sets up an inspection in conflict with captured snapshots.
func conflictFixture(t *testing.T, store *Store) (localID, conflictID string, serverSnap, clientSnap FieldMap) {
	t.Helper()
	ctx := context.Background()

	clientSnap = FieldMap{"q1": Scalar("client answer"), "q2": Scalar("client only")}
	serverSnap = FieldMap{"q1": Scalar("server answer")}

	rec := testRecord("client-a")
	rec.Data = clientSnap.Clone()
	require.NoError(t, store.UpsertInspection(ctx, rec))

	id, err := store.MarkConflict(ctx, rec.LocalID, serverSnap, clientSnap, 2)
	require.NoError(t, err)
	return rec.LocalID, id, serverSnap, clientSnap
}

func TestResolveServerWins(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())
	ctx := context.Background()

	localID, conflictID, serverSnap, _ := conflictFixture(t, store)

	require.NoError(t, resolver.Resolve(ctx, conflictID, ServerWins, nil, "supervisor-1"))

	got, err := store.GetInspection(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, serverSnap, got.Data)
	require.Equal(t, SyncSynced, got.SyncStatus)
	require.False(t, got.IsDirty)
	require.EqualValues(t, 2, got.SyncVersion, "adopts the server's version from detection")

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth, "nothing left to sync")

	conflict, err := store.GetConflict(ctx, conflictID)
	require.NoError(t, err)
	require.True(t, conflict.Resolved)
	require.Equal(t, ServerWins, conflict.Resolution)
	require.Equal(t, "supervisor-1", conflict.ResolvedBy)
	require.NotNil(t, conflict.ResolvedAt)
}

func TestResolveClientWins(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())
	ctx := context.Background()

	localID, conflictID, _, clientSnap := conflictFixture(t, store)

	require.NoError(t, resolver.Resolve(ctx, conflictID, ClientWins, nil, "supervisor-1"))

	got, err := store.GetInspection(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, clientSnap, got.Data, "client data survives unchanged")
	require.Equal(t, SyncPending, got.SyncStatus)
	require.True(t, got.IsDirty)
	require.EqualValues(t, 2, got.SyncVersion)

	entry, err := store.GetQueueEntry(ctx, EntityInspection, localID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	var payload FieldMap
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	require.Equal(t, clientSnap, payload)

	due, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "back on the automatic path")
}

func TestResolveMerged(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())
	ctx := context.Background()

	localID, conflictID, serverSnap, clientSnap := conflictFixture(t, store)

	merged := FieldMap{
		"q1": serverSnap["q1"],
		"q2": clientSnap["q2"],
	}
	require.NoError(t, resolver.Resolve(ctx, conflictID, Merged, merged, "supervisor-1"))

	got, err := store.GetInspection(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, merged, got.Data)
	require.Equal(t, SyncPending, got.SyncStatus)

	conflict, err := store.GetConflict(ctx, conflictID)
	require.NoError(t, err)
	require.True(t, conflict.Resolved)
	require.Equal(t, merged, conflict.MergedData, "the merged payload is part of the audit trail")
}

func TestResolveMergedRequiresPayload(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())
	ctx := context.Background()

	localID, conflictID, _, clientSnap := conflictFixture(t, store)

	err := resolver.Resolve(ctx, conflictID, Merged, nil, "supervisor-1")
	var ire *InvalidResolutionError
	require.True(t, errors.As(err, &ire))

	// The conflict stays open and the record untouched.
	conflict, err := store.GetConflict(ctx, conflictID)
	require.NoError(t, err)
	require.False(t, conflict.Resolved)

	got, err := store.GetInspection(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, SyncConflict, got.SyncStatus)
	require.Equal(t, clientSnap, got.Data)
}

func TestResolveUnknownResolutionRejected(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())

	_, conflictID, _, _ := conflictFixture(t, store)

	err := resolver.Resolve(context.Background(), conflictID, Resolution("coin_flip"), nil, "supervisor-1")
	var ire *InvalidResolutionError
	require.True(t, errors.As(err, &ire))
}

func TestResolveTwiceFails(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())
	ctx := context.Background()

	_, conflictID, _, _ := conflictFixture(t, store)

	require.NoError(t, resolver.Resolve(ctx, conflictID, ServerWins, nil, "supervisor-1"))

	err := resolver.Resolve(ctx, conflictID, ClientWins, nil, "supervisor-2")
	var ire *InvalidResolutionError
	require.True(t, errors.As(err, &ire))

	conflict, err := store.GetConflict(ctx, conflictID)
	require.NoError(t, err)
	require.Equal(t, ServerWins, conflict.Resolution, "the first resolution stands")
	require.Equal(t, "supervisor-1", conflict.ResolvedBy)
}

func TestResolveMissingConflict(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())

	err := resolver.Resolve(context.Background(), "no-such-conflict", ServerWins, nil, "supervisor-1")
	require.ErrorIs(t, err, ErrConflictNotFound)
}

func TestUnresolvedConflictsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testRecord("client-a")
	b := testRecord("client-b")
	require.NoError(t, store.UpsertInspection(ctx, a))
	require.NoError(t, store.UpsertInspection(ctx, b))

	firstID, err := store.MarkConflict(ctx, a.LocalID, FieldMap{}, a.Data, 1)
	require.NoError(t, err)
	secondID, err := store.MarkConflict(ctx, b.LocalID, FieldMap{}, b.Data, 1)
	require.NoError(t, err)

	open, err := store.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, firstID, open[0].ID)
	require.Equal(t, secondID, open[1].ID)
}

func TestConcurrentResolveAppliesOnce(t *testing.T) {
	store := newTestStore(t)
	resolver := NewResolver(store, testLogger())
	ctx := context.Background()

	localID, conflictID, serverSnap, clientSnap := conflictFixture(t, store)

	// Two supervisors race with opposite decisions. The resolved flag is
	// re-checked inside the write transaction, so the loser rolls back
	// instead of silently overwriting the winner.
	decisions := []Resolution{ServerWins, ClientWins}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func(i int, d Resolution) {
			defer wg.Done()
			errs[i] = resolver.Resolve(ctx, conflictID, d, nil, "supervisor-1")
		}(i, d)
	}
	wg.Wait()

	var winner Resolution
	applied := 0
	for i, err := range errs {
		if err == nil {
			applied++
			winner = decisions[i]
			continue
		}
		var ire *InvalidResolutionError
		require.True(t, errors.As(err, &ire), "loser gets the already-resolved error")
	}
	require.Equal(t, 1, applied, "exactly one resolution lands")

	conflict, err := store.GetConflict(ctx, conflictID)
	require.NoError(t, err)
	require.True(t, conflict.Resolved)
	require.Equal(t, winner, conflict.Resolution)

	got, err := store.GetInspection(ctx, localID)
	require.NoError(t, err)
	if winner == ServerWins {
		require.Equal(t, serverSnap, got.Data)
		require.Equal(t, SyncSynced, got.SyncStatus)
	} else {
		require.Equal(t, clientSnap, got.Data)
		require.Equal(t, SyncPending, got.SyncStatus)
	}
}
