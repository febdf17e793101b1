// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresdvelez/ganadero-sub000/farmsync"
)

// ConnectivityProbe reports whether the server is reachable. nil means assume
// online and let request errors decide.
type ConnectivityProbe func(ctx context.Context) bool

// Config holds configuration for the sync manager
type Config struct {
	MaxRetries   int           // transient retry budget per intent, e.g. 8
	BackoffMin   time.Duration // 1s
	BackoffMax   time.Duration // 60s
	SyncInterval time.Duration // periodic cadence, e.g. 30s
	PruneAfter   time.Duration // drop synced intents after this age, e.g. 7 days
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   8,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		SyncInterval: 30 * time.Second,
		PruneAfter:   7 * 24 * time.Hour,
	}
}

// Manager drives the two-phase sync cycle: strictly serialized push of the
// mutation queue, then a cursor-based pull merged into the local store.
type Manager struct {
	store     *Store
	transport Transport
	probe     ConnectivityProbe
	config    *Config
	logger    *slog.Logger

	writeMu sync.Mutex // serialize cycles against local write operations
	syncing int32      // atomic: one in-flight cycle
	online  int32      // atomic: last known connectivity
}

// NewManager creates a sync manager over a local store and a transport.
func NewManager(store *Store, transport Transport, probe ConnectivityProbe, config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		transport: transport,
		probe:     probe,
		config:    config,
		logger:    logger,
		online:    1,
	}
}

// SyncResult summarizes one sync cycle. Failures surface here as counts, not
// as errors: the returned error is reserved for local storage problems.
type SyncResult struct {
	Skipped    bool // another cycle was already in flight
	Online     bool
	Synced     int // intents acknowledged by the server
	Failed     int // intents that failed terminally this cycle
	Conflicts  int // subset of Failed caused by version mismatches
	Pulled     int // rows merged from the server
	Deleted    int // tombstones applied locally
	FullResync bool

	PendingCount  int // intents still awaiting sync (pending + failed)
	ConflictCount int // failed intents awaiting user resolution
}

// Sync runs one cycle. Concurrent calls coalesce: if a cycle is already in
// flight the call returns immediately with Skipped set. When offline the
// cycle is a no-op; queued intents stay queued.
func (m *Manager) Sync(ctx context.Context) (*SyncResult, error) {
	if !atomic.CompareAndSwapInt32(&m.syncing, 0, 1) {
		return &SyncResult{Skipped: true, Online: m.isOnline()}, nil
	}
	defer atomic.StoreInt32(&m.syncing, 0)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	started := time.Now().UTC()
	result := &SyncResult{Online: true}

	if m.probe != nil && !m.probe(ctx) {
		atomic.StoreInt32(&m.online, 0)
		result.Online = false
		if err := m.fillCounts(ctx, result); err != nil {
			return result, err
		}
		return result, nil
	}
	atomic.StoreInt32(&m.online, 1)

	halted, pushErr := m.pushPhase(ctx, result)
	if pushErr != nil {
		return result, pushErr
	}

	// A halted push means the network just failed; a pull now would fail the
	// same way, so the cycle ends and the backoff loop retries both phases.
	var cycleErr error
	if !halted {
		if err := m.pullPhase(ctx, result); err != nil {
			cycleErr = err
		}
	} else {
		cycleErr = fmt.Errorf("push halted on transient error")
	}

	if _, err := m.store.PruneSynced(ctx, m.config.PruneAfter); err != nil {
		m.logger.Warn("Failed to prune synced intents", "error", err)
	}
	if err := m.fillCounts(ctx, result); err != nil {
		return result, err
	}
	m.logSyncCycle(ctx, started, result, cycleErr)

	m.logger.Debug("Sync cycle finished",
		"synced", result.Synced, "failed", result.Failed, "conflicts", result.Conflicts,
		"pulled", result.Pulled, "deleted", result.Deleted, "pending", result.PendingCount)
	return result, cycleErr
}

// pushPhase sends pending intents one at a time in enqueue order. Terminal
// failures (conflict, validation, ref_not_found, retry exhaustion) mark the
// intent failed and move on; a transient failure bumps the retry counter and
// halts the phase so ordering is preserved.
func (m *Manager) pushPhase(ctx context.Context, result *SyncResult) (halted bool, err error) {
	items, err := m.store.PendingItems(ctx)
	if err != nil {
		return false, err
	}

	for i := range items {
		item := &items[i]
		if err := m.store.markSyncing(ctx, item.ID); err != nil {
			return false, err
		}

		response, pushErr := m.pushItem(ctx, item)
		if pushErr == nil {
			if err := m.store.markSynced(ctx, item.ID); err != nil {
				return false, err
			}
			if response.Deleted {
				if err := m.store.DeleteLocal(ctx, item.EntityType, item.EntityID); err != nil {
					return false, err
				}
			} else if response.Row != nil {
				if err := m.store.ApplyServerRow(ctx, item.EntityType, response.Row); err != nil {
					return false, err
				}
			}
			result.Synced++
			continue
		}

		class := classifyError(pushErr)
		switch class {
		case ClassTransient:
			if item.RetryCount+1 >= m.config.MaxRetries {
				// Dead-letter: the intent has exhausted its retry budget.
				if err := m.store.markFailed(ctx, item.ID, ClassRetryExhausted, pushErr.Error(), nil); err != nil {
					return false, err
				}
				result.Failed++
				m.logger.Warn("Intent dead-lettered after retries",
					"entity", item.EntityType, "pk", item.EntityID, "retries", item.RetryCount+1)
				continue
			}
			if err := m.store.markRetry(ctx, item.ID, pushErr.Error()); err != nil {
				return false, err
			}
			m.logger.Debug("Push halted on transient error",
				"entity", item.EntityType, "pk", item.EntityID, "error", pushErr)
			return true, nil
		case ClassConflict:
			var serverRow []byte
			var remote *RemoteError
			if errors.As(pushErr, &remote) {
				serverRow = remote.Current
			}
			if err := m.store.markFailed(ctx, item.ID, ClassConflict, pushErr.Error(), serverRow); err != nil {
				return false, err
			}
			result.Failed++
			result.Conflicts++
		default: // validation, ref_not_found
			if err := m.store.markFailed(ctx, item.ID, class, pushErr.Error(), nil); err != nil {
				return false, err
			}
			result.Failed++
		}
	}
	return false, nil
}

// pushItem builds and sends one upsert request. The optimistic-concurrency
// token is the server version the local row last saw; absent for creates and
// for rows the server has never echoed.
func (m *Manager) pushItem(ctx context.Context, item *QueueItem) (*farmsync.UpsertResponse, error) {
	req := &farmsync.UpsertRequest{
		ExternalID: item.EntityID,
		Op:         item.Operation,
		Data:       item.Data,
	}
	if item.Operation != farmsync.OpCreate {
		_, token, err := m.store.GetLocal(ctx, item.EntityType, item.EntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if token != "" {
			expected, parseErr := farmsync.ParseCursor(token)
			if parseErr != nil {
				return nil, fmt.Errorf("corrupt local version token %q: %w", token, parseErr)
			}
			req.ExpectedUpdatedAt = &expected
		}
	}
	return m.transport.Upsert(ctx, item.EntityType, req)
}

// pullPhase fetches changes since the persisted cursor and merges them
// atomically: rows, tombstones and the new cursor land in one transaction.
// Rows with an unresolved local intent are skipped so unsynced edits are not
// clobbered; the skipped server row is retained on failed intents so it stays
// reachable for resolution after the cursor moves on.
func (m *Manager) pullPhase(ctx context.Context, result *SyncResult) error {
	cursor, err := m.store.LastPullCursor(ctx)
	if err != nil {
		return err
	}

	response, err := m.transport.Pull(ctx, cursor)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	result.FullResync = response.FullResync

	tx, err := m.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pull transaction: %w", err)
	}
	defer tx.Rollback()

	if response.FullResync {
		// The cursor predates the server's deletion horizon (or this is the
		// first pull): replace local tables with the snapshot wholesale.
		for _, entityType := range farmsync.EntityTypes() {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, entityType)); err != nil {
				return fmt.Errorf("failed to clear %s for full resync: %w", entityType, err)
			}
		}
	}

	for _, entityType := range farmsync.EntityTypes() {
		for _, row := range response.Changes[entityType] {
			externalID, _, envErr := rowEnvelope(row)
			if envErr != nil {
				return fmt.Errorf("invalid pulled %s row: %w", entityType, envErr)
			}
			if !response.FullResync {
				pending, checkErr := m.store.hasPendingIntent(ctx, tx, entityType, externalID)
				if checkErr != nil {
					return checkErr
				}
				if pending {
					if retainErr := m.store.attachServerRow(ctx, tx, entityType, externalID, row); retainErr != nil {
						return retainErr
					}
					continue
				}
			}
			if err := applyServerRow(ctx, tx, m.store.UserID, entityType, row); err != nil {
				return err
			}
			result.Pulled++
		}
	}

	for _, tombstone := range response.Tombstones {
		if _, err := farmsync.LookupEntity(tombstone.EntityType); err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM "%s" WHERE external_id = ?`, tombstone.EntityType),
			tombstone.EntityID); err != nil {
			return fmt.Errorf("failed to apply tombstone: %w", err)
		}
		result.Deleted++
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_state
		SET last_pull_cursor = ?, last_synced_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE user_id = ?
	`, response.Cursor, m.store.UserID); err != nil {
		return fmt.Errorf("failed to advance pull cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pull: %w", err)
	}
	return nil
}

func (m *Manager) fillCounts(ctx context.Context, result *SyncResult) error {
	pending, err := m.store.PendingCount(ctx)
	if err != nil {
		return err
	}
	conflicts, err := m.store.ConflictCount(ctx)
	if err != nil {
		return err
	}
	result.PendingCount = pending
	result.ConflictCount = conflicts
	return nil
}

func (m *Manager) logSyncCycle(ctx context.Context, started time.Time, result *SyncResult, cycleErr error) {
	errText := ""
	if cycleErr != nil {
		errText = cycleErr.Error()
	}
	fullResync := 0
	if result.FullResync {
		fullResync = 1
	}
	_, err := m.store.DB.ExecContext(ctx, `
		INSERT INTO _sync_log (user_id, started_at, finished_at, pushed, failed, conflicts, pulled, deleted, full_resync, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.store.UserID,
		started.Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
		result.Synced, result.Failed, result.Conflicts, result.Pulled, result.Deleted,
		fullResync, errText)
	if err != nil {
		m.logger.Warn("Failed to record sync log", "error", err)
	}
}

// Run executes Sync on a fixed cadence until the context is cancelled. After
// a failed or offline cycle it retries with exponential backoff (BackoffMin
// doubling up to BackoffMax), which also makes reconnection pickup fast: the
// first online cycle after an outage happens within the backoff window, not
// the full interval.
func (m *Manager) Run(ctx context.Context) {
	backoff := m.config.BackoffMin
	wait := m.config.SyncInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if enabled, err := m.store.AutoSyncEnabled(ctx); err == nil && !enabled {
			wait = m.config.SyncInterval
			continue
		}

		result, err := m.Sync(ctx)
		if err != nil || !result.Online {
			wait = backoff
			backoff *= 2
			if backoff > m.config.BackoffMax {
				backoff = m.config.BackoffMax
			}
			if err != nil {
				m.logger.Warn("Sync cycle failed", "error", err, "retry_in", wait)
			}
			continue
		}
		backoff = m.config.BackoffMin
		wait = m.config.SyncInterval
	}
}

// Status reports last known connectivity and whether a cycle is in flight.
func (m *Manager) Status() (online bool, syncing bool) {
	return m.isOnline(), atomic.LoadInt32(&m.syncing) == 1
}

func (m *Manager) isOnline() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// PendingCount returns the number of intents awaiting sync or resolution.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.store.PendingCount(ctx)
}

// Conflicts returns failed intents awaiting user resolution.
func (m *Manager) Conflicts(ctx context.Context) ([]QueueItem, error) {
	return m.store.Conflicts(ctx)
}

// FailedItems returns all terminally failed intents of any class.
func (m *Manager) FailedItems(ctx context.Context) ([]QueueItem, error) {
	return m.store.FailedItems(ctx)
}
