// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/andresdvelez/ganadero-sub000/farmsync"
)

type upsertCall struct {
	entityType string
	req        *farmsync.UpsertRequest
}

// fakeTransport scripts server behavior without a network.
type fakeTransport struct {
	upsertFn func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error)
	pullFn   func(cursor string) (*farmsync.PullResponse, error)
	upserts  []upsertCall
	pulls    []string
}

func (f *fakeTransport) Upsert(ctx context.Context, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
	call := len(f.upserts)
	f.upserts = append(f.upserts, upsertCall{entityType: entityType, req: req})
	if f.upsertFn == nil {
		return echoUpsert(req), nil
	}
	return f.upsertFn(call, entityType, req)
}

func (f *fakeTransport) Pull(ctx context.Context, cursor string) (*farmsync.PullResponse, error) {
	f.pulls = append(f.pulls, cursor)
	if f.pullFn == nil {
		return &farmsync.PullResponse{Cursor: farmsync.FormatCursor(time.Now())}, nil
	}
	return f.pullFn(cursor)
}

// echoUpsert behaves like a server that accepts everything.
func echoUpsert(req *farmsync.UpsertRequest) *farmsync.UpsertResponse {
	if req.Op == farmsync.OpDelete {
		return &farmsync.UpsertResponse{Deleted: true}
	}
	return &farmsync.UpsertResponse{
		Row: serverRowJSON(req.ExternalID, farmsync.FormatCursor(time.Now()), req.Data),
	}
}

func serverRowJSON(externalID, token string, payload json.RawMessage) json.RawMessage {
	fields := map[string]any{}
	if payload != nil {
		_ = json.Unmarshal(payload, &fields)
	}
	fields["externalId"] = externalID
	fields["updatedAt"] = token
	out, _ := json.Marshal(fields)
	return out
}

func newTestManager(t *testing.T, config *Config) (*Manager, *Store, *fakeTransport) {
	t.Helper()
	store := newTestStore(t)
	transport := &fakeTransport{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, transport, nil, config, logger), store, transport
}

func animalPayload(name string) json.RawMessage {
	out, _ := json.Marshal(map[string]any{"name": name, "tagNumber": "T-1", "sex": "female"})
	return out
}

func conflictError(current json.RawMessage) error {
	return &RemoteError{
		Status:  http.StatusConflict,
		Code:    farmsync.CodeConflict,
		Message: "version mismatch",
		Current: current,
	}
}

func TestSyncPushCreateEndToEnd(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	entityID := uuid.New().String()

	require.NoError(t, store.PutLocal(ctx, farmsync.EntityAnimal, entityID, animalPayload("Bella")))
	_, err := store.Enqueue(ctx, farmsync.OpCreate, farmsync.EntityAnimal, entityID, animalPayload("Bella"))
	require.NoError(t, err)

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.True(t, result.Online)
	require.Equal(t, 1, result.Synced)
	require.Zero(t, result.Failed)
	require.Zero(t, result.PendingCount)

	// Create intents carry no version token.
	require.Len(t, transport.upserts, 1)
	require.Nil(t, transport.upserts[0].req.ExpectedUpdatedAt)

	// The local row adopted the server echo and its token.
	_, token, err := store.GetLocal(ctx, farmsync.EntityAnimal, entityID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A follow-up update pushes the adopted token as expectedUpdatedAt.
	_, err = store.Enqueue(ctx, farmsync.OpUpdate, farmsync.EntityAnimal, entityID, animalPayload("Bella Rosa"))
	require.NoError(t, err)
	_, err = manager.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, transport.upserts, 2)
	expected := transport.upserts[1].req.ExpectedUpdatedAt
	require.NotNil(t, expected)
	want, err := farmsync.ParseCursor(token)
	require.NoError(t, err)
	require.True(t, expected.Equal(want))
}

func TestSyncHaltsOnTransientErrorPreservingOrder(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()

	ids := make([]string, 3)
	for i, name := range []string{"A", "B", "C"} {
		ids[i] = uuid.New().String()
		_, err := store.Enqueue(ctx, farmsync.OpCreate, farmsync.EntityAnimal, ids[i], animalPayload(name))
		require.NoError(t, err)
	}

	failing := true
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		if failing && req.ExternalID == ids[1] {
			return nil, errors.New("connection refused")
		}
		return echoUpsert(req), nil
	}

	result, err := manager.Sync(ctx)
	require.Error(t, err, "halted cycle reports the transient failure")
	require.Equal(t, 1, result.Synced)
	require.Equal(t, 2, result.PendingCount)
	require.Len(t, transport.upserts, 2, "third intent must not be attempted out of order")
	require.Empty(t, transport.pulls, "pull skipped while the network is failing")

	// Once the network recovers the remaining intents go out in order.
	failing = false
	result, err = manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Synced)
	require.Zero(t, result.PendingCount)
	require.Equal(t, ids[1], transport.upserts[2].req.ExternalID)
	require.Equal(t, ids[2], transport.upserts[3].req.ExternalID)
}

func TestSyncConflictIsTerminalAndDoesNotHalt(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()

	conflictID := uuid.New().String()
	okID := uuid.New().String()
	serverCurrent := serverRowJSON(conflictID, "2026-03-01T10:00:00.000002Z", animalPayload("Server Bella"))

	require.NoError(t, store.ApplyServerRow(ctx, farmsync.EntityAnimal,
		serverRowJSON(conflictID, "2026-03-01T09:00:00.000001Z", animalPayload("Bella"))))
	_, err := store.Enqueue(ctx, farmsync.OpUpdate, farmsync.EntityAnimal, conflictID, animalPayload("Local Bella"))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, farmsync.OpCreate, farmsync.EntityAnimal, okID, animalPayload("Luna"))
	require.NoError(t, err)

	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		if req.ExternalID == conflictID {
			return nil, conflictError(serverCurrent)
		}
		return echoUpsert(req), nil
	}

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced, "push continues past the conflict")
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Conflicts)
	require.Equal(t, 1, result.ConflictCount)

	conflicts, err := store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, ClassConflict, conflicts[0].ErrorClass)
	require.JSONEq(t, string(serverCurrent), string(conflicts[0].ServerRow))
}

func TestResolveConflictAcceptServer(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	entityID := uuid.New().String()
	serverCurrent := serverRowJSON(entityID, "2026-03-01T10:00:00.000002Z", animalPayload("Server Bella"))

	require.NoError(t, store.PutLocal(ctx, farmsync.EntityAnimal, entityID, animalPayload("Local Bella")))
	_, err := store.Enqueue(ctx, farmsync.OpUpdate, farmsync.EntityAnimal, entityID, animalPayload("Local Bella"))
	require.NoError(t, err)
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		return nil, conflictError(serverCurrent)
	}
	_, err = manager.Sync(ctx)
	require.NoError(t, err)

	conflicts, err := store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, manager.ResolveConflict(ctx, conflicts[0].ID, ResolutionAcceptServer))

	data, token, err := store.GetLocal(ctx, farmsync.EntityAnimal, entityID)
	require.NoError(t, err)
	require.Equal(t, "2026-03-01T10:00:00.000002Z", token)
	require.JSONEq(t, string(serverCurrent), string(data))

	count, err := store.ConflictCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestResolveConflictKeepMine(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	entityID := uuid.New().String()
	serverToken := "2026-03-01T10:00:00.000002Z"
	serverCurrent := serverRowJSON(entityID, serverToken, animalPayload("Server Bella"))

	require.NoError(t, store.PutLocal(ctx, farmsync.EntityAnimal, entityID, animalPayload("Local Bella")))
	_, err := store.Enqueue(ctx, farmsync.OpUpdate, farmsync.EntityAnimal, entityID, animalPayload("Local Bella"))
	require.NoError(t, err)
	conflicting := true
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		if conflicting {
			return nil, conflictError(serverCurrent)
		}
		return echoUpsert(req), nil
	}
	_, err = manager.Sync(ctx)
	require.NoError(t, err)

	conflicts, err := store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, manager.ResolveConflict(ctx, conflicts[0].ID, ResolutionKeepMine))

	// Local data is untouched but the row adopted the server token, so the
	// retried push carries a matching expectedUpdatedAt.
	data, token, err := store.GetLocal(ctx, farmsync.EntityAnimal, entityID)
	require.NoError(t, err)
	require.Equal(t, serverToken, token)
	require.JSONEq(t, string(animalPayload("Local Bella")), string(data))

	item, err := store.GetQueueItem(ctx, conflicts[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Zero(t, item.RetryCount)

	conflicting = false
	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)
	last := transport.upserts[len(transport.upserts)-1]
	require.NotNil(t, last.req.ExpectedUpdatedAt)
	want, err := farmsync.ParseCursor(serverToken)
	require.NoError(t, err)
	require.True(t, last.req.ExpectedUpdatedAt.Equal(want))
}

func TestSyncOfflineIsNoOp(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	probe := func(ctx context.Context) bool { return false }
	manager := NewManager(store, transport, probe, nil, logger)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, farmsync.OpCreate, farmsync.EntityAnimal, uuid.New().String(), animalPayload("Bella"))
	require.NoError(t, err)

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.False(t, result.Online)
	require.Equal(t, 1, result.PendingCount, "intents stay queued while offline")
	require.Empty(t, transport.upserts)
	require.Empty(t, transport.pulls)

	online, syncing := manager.Status()
	require.False(t, online)
	require.False(t, syncing)
}

func TestSyncCoalescesConcurrentCalls(t *testing.T) {
	manager, _, _ := newTestManager(t, nil)

	atomic.StoreInt32(&manager.syncing, 1)
	result, err := manager.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, result.Skipped)
	atomic.StoreInt32(&manager.syncing, 0)
}

func TestPullMergesRowsAppliesTombstonesAndAdvancesCursor(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()

	keptID := uuid.New().String()
	newID := uuid.New().String()
	goneID := uuid.New().String()
	require.NoError(t, store.ApplyServerRow(ctx, farmsync.EntityAnimal,
		serverRowJSON(goneID, "2026-03-01T09:00:00Z", animalPayload("Doomed"))))

	nextCursor := "2026-03-02T00:00:00.000000Z"
	transport.pullFn = func(cursor string) (*farmsync.PullResponse, error) {
		return &farmsync.PullResponse{
			Cursor: nextCursor,
			Changes: map[string][]json.RawMessage{
				farmsync.EntityAnimal: {
					serverRowJSON(keptID, "2026-03-01T10:00:00Z", animalPayload("Bella")),
					serverRowJSON(newID, "2026-03-01T11:00:00Z", animalPayload("Luna")),
				},
			},
			Tombstones: []farmsync.Tombstone{
				{EntityType: farmsync.EntityAnimal, EntityID: goneID},
			},
		}, nil
	}

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Pulled)
	require.Equal(t, 1, result.Deleted)

	_, _, err = store.GetLocal(ctx, farmsync.EntityAnimal, goneID)
	require.ErrorIs(t, err, ErrNotFound)
	_, token, err := store.GetLocal(ctx, farmsync.EntityAnimal, keptID)
	require.NoError(t, err)
	require.Equal(t, "2026-03-01T10:00:00Z", token)

	cursor, err := store.LastPullCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, nextCursor, cursor)

	// The next pull resumes from the stored cursor.
	_, err = manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, nextCursor, transport.pulls[len(transport.pulls)-1])
}

func TestPullFullResyncReplacesLocalTables(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()

	staleID := uuid.New().String()
	snapshotID := uuid.New().String()
	require.NoError(t, store.ApplyServerRow(ctx, farmsync.EntityAnimal,
		serverRowJSON(staleID, "2026-01-01T00:00:00Z", animalPayload("Stale"))))

	transport.pullFn = func(cursor string) (*farmsync.PullResponse, error) {
		return &farmsync.PullResponse{
			Cursor:     "2026-03-02T00:00:00.000000Z",
			FullResync: true,
			Changes: map[string][]json.RawMessage{
				farmsync.EntityAnimal: {
					serverRowJSON(snapshotID, "2026-03-01T10:00:00Z", animalPayload("Bella")),
				},
			},
		}, nil
	}

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.True(t, result.FullResync)

	_, _, err = store.GetLocal(ctx, farmsync.EntityAnimal, staleID)
	require.ErrorIs(t, err, ErrNotFound, "rows absent from the snapshot are dropped")
	_, _, err = store.GetLocal(ctx, farmsync.EntityAnimal, snapshotID)
	require.NoError(t, err)
}

func TestPullSkipsRowsWithUnresolvedLocalIntent(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	entityID := uuid.New().String()

	require.NoError(t, store.PutLocal(ctx, farmsync.EntityAnimal, entityID, animalPayload("Local Bella")))
	_, err := store.Enqueue(ctx, farmsync.OpUpdate, farmsync.EntityAnimal, entityID, animalPayload("Local Bella"))
	require.NoError(t, err)

	// The push conflicts (terminal), then pull offers a newer server row for
	// the same entity: it must not clobber the locally edited row while the
	// conflict is unresolved.
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		return nil, conflictError(serverRowJSON(entityID, "2026-03-01T10:00:00Z", animalPayload("Server Bella")))
	}
	transport.pullFn = func(cursor string) (*farmsync.PullResponse, error) {
		return &farmsync.PullResponse{
			Cursor: "2026-03-02T00:00:00.000000Z",
			Changes: map[string][]json.RawMessage{
				farmsync.EntityAnimal: {
					serverRowJSON(entityID, "2026-03-01T10:00:00Z", animalPayload("Server Bella")),
				},
			},
		}, nil
	}

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Pulled)

	data, _, err := store.GetLocal(ctx, farmsync.EntityAnimal, entityID)
	require.NoError(t, err)
	require.JSONEq(t, string(animalPayload("Local Bella")), string(data))
}

func TestDiscardFailedIntentAppliesRetainedServerRow(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	entityID := uuid.New().String()
	serverRow := serverRowJSON(entityID, "2026-03-01T10:00:00.000002Z", animalPayload("Server Bella"))

	_, err := store.Enqueue(ctx, farmsync.OpUpdate, farmsync.EntityAnimal, entityID, animalPayload("Local Bella"))
	require.NoError(t, err)

	// The push is rejected as invalid (terminal, not a conflict); the pull
	// then offers a newer server row for the same entity.
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		return nil, &RemoteError{Status: http.StatusBadRequest, Code: farmsync.CodeValidation, Message: "bad payload"}
	}
	transport.pullFn = func(cursor string) (*farmsync.PullResponse, error) {
		return &farmsync.PullResponse{
			Cursor: "2026-03-02T00:00:00.000000Z",
			Changes: map[string][]json.RawMessage{
				farmsync.EntityAnimal: {serverRow},
			},
		}, nil
	}

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Pulled, "merge skipped while the intent is unresolved")
	require.Equal(t, 1, result.PendingCount)

	// The skipped server row is retained on the failed intent, because the
	// cursor has already advanced past it.
	failed, err := manager.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, ClassValidation, failed[0].ErrorClass)
	require.JSONEq(t, string(serverRow), string(failed[0].ServerRow))

	// Conflict resolution does not apply to it.
	err = manager.ResolveConflict(ctx, failed[0].ID, ResolutionAcceptServer)
	require.Error(t, err)

	// Discarding the intent converges the device on the server's state and
	// unblocks future pulls for the entity.
	require.NoError(t, manager.DiscardIntent(ctx, failed[0].ID))

	data, token, err := store.GetLocal(ctx, farmsync.EntityAnimal, entityID)
	require.NoError(t, err)
	require.Equal(t, "2026-03-01T10:00:00.000002Z", token)
	require.JSONEq(t, string(serverRow), string(data))

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	result, err = manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Pulled, "pull merges the entity again once resolved")
}

func TestRequeueFailedIntent(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	animalID := uuid.New().String()
	recordID := uuid.New().String()
	recordPayload, _ := json.Marshal(map[string]any{
		"animalExternalId": animalID,
		"type":             "vaccine",
		"description":      "brucellosis",
		"performedAt":      "2026-03-01T08:00:00Z",
	})

	_, err := store.Enqueue(ctx, farmsync.OpCreate, farmsync.EntityHealthRecord, recordID, json.RawMessage(recordPayload))
	require.NoError(t, err)

	// The referenced animal has not reached the server yet.
	missing := true
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		if missing && entityType == farmsync.EntityHealthRecord {
			return nil, &RemoteError{Status: http.StatusUnprocessableEntity, Code: farmsync.CodeRefNotFound, Message: "animal not found"}
		}
		return echoUpsert(req), nil
	}

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	failed, err := manager.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, ClassRefNotFound, failed[0].ErrorClass)

	// Once the animal exists the record can go back in line.
	missing = false
	require.NoError(t, manager.RequeueIntent(ctx, failed[0].ID))
	item, err := store.GetQueueItem(ctx, failed[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Zero(t, item.RetryCount)

	result, err = manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)
	require.Zero(t, result.PendingCount)
}

func TestRequeueIntentRejectsConflicts(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	entityID := uuid.New().String()

	require.NoError(t, store.PutLocal(ctx, farmsync.EntityAnimal, entityID, animalPayload("Local Bella")))
	_, err := store.Enqueue(ctx, farmsync.OpUpdate, farmsync.EntityAnimal, entityID, animalPayload("Local Bella"))
	require.NoError(t, err)
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		return nil, conflictError(serverRowJSON(entityID, "2026-03-01T10:00:00Z", animalPayload("Server Bella")))
	}
	_, err = manager.Sync(ctx)
	require.NoError(t, err)

	conflicts, err := store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	err = manager.RequeueIntent(ctx, conflicts[0].ID)
	require.Error(t, err, "conflicts must go through ResolveConflict")
}

func TestRetryExhaustionDeadLettersIntent(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 2
	manager, store, transport := newTestManager(t, config)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, farmsync.OpCreate, farmsync.EntityAnimal, uuid.New().String(), animalPayload("Bella"))
	require.NoError(t, err)
	transport.upsertFn = func(call int, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
		return nil, errors.New("connection refused")
	}

	// First cycle: transient failure, retry counter bumped, push halted.
	_, err = manager.Sync(ctx)
	require.Error(t, err)
	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Equal(t, 1, item.RetryCount)

	// Second cycle exhausts the budget: dead-lettered, cycle continues.
	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	item, err = store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, item.Status)
	require.Equal(t, ClassRetryExhausted, item.ErrorClass)
}

func TestSyncDeleteIntent(t *testing.T) {
	manager, store, transport := newTestManager(t, nil)
	ctx := context.Background()
	entityID := uuid.New().String()

	require.NoError(t, store.ApplyServerRow(ctx, farmsync.EntityAnimal,
		serverRowJSON(entityID, "2026-03-01T09:00:00.000001Z", animalPayload("Bella"))))
	_, err := store.Enqueue(ctx, farmsync.OpDelete, farmsync.EntityAnimal, entityID, nil)
	require.NoError(t, err)

	result, err := manager.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)

	// The delete carried the row's version token and the local row is gone.
	require.Len(t, transport.upserts, 1)
	require.Equal(t, farmsync.OpDelete, transport.upserts[0].req.Op)
	require.NotNil(t, transport.upserts[0].req.ExpectedUpdatedAt)
	_, _, err = store.GetLocal(ctx, farmsync.EntityAnimal, entityID)
	require.ErrorIs(t, err, ErrNotFound)
}
