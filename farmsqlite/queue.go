// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andresdvelez/ganadero-sub000/farmsync"
)

// Queue statuses
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Error classes recorded on failed queue items
const (
	ClassTransient      = "transient"
	ClassConflict       = "conflict"
	ClassValidation     = "validation"
	ClassRefNotFound    = "ref_not_found"
	ClassRetryExhausted = "retry_exhausted"
)

// QueueItem is one durable write intent awaiting (or done with) push.
type QueueItem struct {
	ID           int64
	UUID         string
	UserID       string
	Operation    string
	EntityType   string
	EntityID     string
	Data         json.RawMessage
	Status       string
	ErrorClass   string
	ErrorMessage string
	ServerRow    json.RawMessage // server's current row, retained on conflict
	RetryCount   int
	CreatedAt    string
	SyncedAt     string
}

// Enqueue records a write intent. Intents are strictly FIFO and never
// coalesced: two updates to the same entity stay as two queue rows. Create and
// update intents carry the full payload; delete intents carry none.
func (s *Store) Enqueue(ctx context.Context, operation, entityType, entityID string, data json.RawMessage) (int64, error) {
	switch operation {
	case farmsync.OpCreate, farmsync.OpUpdate:
		if len(data) == 0 {
			return 0, fmt.Errorf("%s intent requires a payload", operation)
		}
	case farmsync.OpDelete:
		data = nil
	default:
		return 0, fmt.Errorf("invalid operation %q", operation)
	}
	if _, err := farmsync.LookupEntity(entityType); err != nil {
		return 0, err
	}
	if _, err := uuid.Parse(entityID); err != nil {
		return 0, fmt.Errorf("invalid entity id %q: %w", entityID, err)
	}

	var payload any
	if data != nil {
		payload = string(data)
	}
	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_queue (uuid, user_id, operation, entity_type, entity_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), s.UserID, operation, entityType, entityID, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", operation, entityType, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue id: %w", err)
	}
	return id, nil
}

// PendingItems returns pending intents in enqueue order.
func (s *Store) PendingItems(ctx context.Context) ([]QueueItem, error) {
	return s.queryItems(ctx, `status = 'pending'`)
}

// PendingCount counts intents not yet acknowledged by the server: both
// pending ones and failed ones awaiting resolution.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_queue
		WHERE user_id = ? AND status IN ('pending', 'failed')
	`, s.UserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// ConflictCount counts failed intents whose error class is conflict.
func (s *Store) ConflictCount(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_queue
		WHERE user_id = ? AND status = 'failed' AND error_class = 'conflict'
	`, s.UserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

// Conflicts returns failed intents that need user resolution, oldest first.
func (s *Store) Conflicts(ctx context.Context) ([]QueueItem, error) {
	return s.queryItems(ctx, `status = 'failed' AND error_class = 'conflict'`)
}

// FailedItems returns all terminally failed intents of any class, oldest
// first.
func (s *Store) FailedItems(ctx context.Context) ([]QueueItem, error) {
	return s.queryItems(ctx, `status = 'failed'`)
}

// GetQueueItem loads a single intent by queue id.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	items, err := s.queryItems(ctx, fmt.Sprintf(`id = %d`, id))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (s *Store) queryItems(ctx context.Context, where string) ([]QueueItem, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, uuid, user_id, operation, entity_type, entity_id,
		       COALESCE(data, ''), status, error_class, error_message,
		       COALESCE(server_row, ''), retry_count, created_at, COALESCE(synced_at, '')
		FROM _sync_queue
		WHERE user_id = ? AND %s
		ORDER BY id
	`, where), s.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var (
			item      QueueItem
			data      string
			serverRow string
		)
		if err := rows.Scan(&item.ID, &item.UUID, &item.UserID, &item.Operation,
			&item.EntityType, &item.EntityID, &data, &item.Status,
			&item.ErrorClass, &item.ErrorMessage, &serverRow,
			&item.RetryCount, &item.CreatedAt, &item.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if data != "" {
			item.Data = json.RawMessage(data)
		}
		if serverRow != "" {
			item.ServerRow = json.RawMessage(serverRow)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue: %w", err)
	}
	return items, nil
}

// markSyncing flips an intent to syncing before its request goes out.
func (s *Store) markSyncing(ctx context.Context, id int64) error {
	return s.updateStatus(ctx, id, `
		UPDATE _sync_queue SET status = 'syncing', error_class = '', error_message = ''
		WHERE id = ?`)
}

// markSynced acknowledges a server-applied intent.
func (s *Store) markSynced(ctx context.Context, id int64) error {
	return s.updateStatus(ctx, id, `
		UPDATE _sync_queue
		SET status = 'synced', error_class = '', error_message = '', server_row = NULL,
		    synced_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?`)
}

// markFailed records a terminal failure with its class, keeping the server's
// current row when the class is conflict.
func (s *Store) markFailed(ctx context.Context, id int64, class, message string, serverRow json.RawMessage) error {
	var row any
	if serverRow != nil {
		row = string(serverRow)
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue SET status = 'failed', error_class = ?, error_message = ?, server_row = ?
		WHERE id = ?
	`, class, message, row, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item failed: %w", err)
	}
	return nil
}

// markRetry puts a transiently failed intent back to pending with the retry
// counter bumped. The item stays at its original queue position.
func (s *Store) markRetry(ctx context.Context, id int64, message string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue
		SET status = 'pending', error_class = 'transient', error_message = ?,
		    retry_count = retry_count + 1
		WHERE id = ?
	`, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item for retry: %w", err)
	}
	return nil
}

func (s *Store) updateStatus(ctx context.Context, id int64, query string) error {
	_, err := s.DB.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d: %w", id, err)
	}
	return nil
}

// PruneSynced removes acknowledged intents older than the given age.
func (s *Store) PruneSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	horizon := time.Now().UTC().Add(-olderThan).Format("2006-01-02T15:04:05.000Z")
	result, err := s.DB.ExecContext(ctx, `
		DELETE FROM _sync_queue
		WHERE user_id = ? AND status = 'synced' AND synced_at < ?
	`, s.UserID, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced items: %w", err)
	}
	return result.RowsAffected()
}

// attachServerRow retains the server's current row on failed intents for the
// entity. A pull that skips the merge because of such an intent would
// otherwise advance the cursor past this version of the row; retaining it
// keeps the server state reachable for DiscardIntent and ResolveConflict.
func (s *Store) attachServerRow(ctx context.Context, tx *sql.Tx, entityType, entityID string, row json.RawMessage) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_queue SET server_row = ?
		WHERE user_id = ? AND entity_type = ? AND entity_id = ? AND status = 'failed'
	`, string(row), s.UserID, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to retain server row: %w", err)
	}
	return nil
}

// hasPendingIntent reports whether any unresolved intent targets the entity.
// Pull merges skip such rows so unsynced local edits are not clobbered.
func (s *Store) hasPendingIntent(ctx context.Context, tx *sql.Tx, entityType, entityID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _sync_queue
		WHERE user_id = ? AND entity_type = ? AND entity_id = ?
		  AND status IN ('pending', 'syncing', 'failed'))
	`, s.UserID, entityType, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending intents: %w", err)
	}
	return exists, nil
}
