// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresdvelez/ganadero-sub000/farmsync"
)

// Resolution is the user's decision for a conflicted intent.
type Resolution string

const (
	// ResolutionKeepMine re-queues the local intent on top of the server's
	// current version: the local row adopts the server's version token so the
	// retried push passes the conflict check and overwrites the server row.
	ResolutionKeepMine Resolution = "keep_mine"

	// ResolutionAcceptServer drops the local intent and applies the server's
	// current row locally.
	ResolutionAcceptServer Resolution = "accept_server"
)

// ResolveConflict resolves one conflicted intent. Conflicts are never
// auto-resolved; both versions stay available until this is called.
func (m *Manager) ResolveConflict(ctx context.Context, id int64, resolution Resolution) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	item, err := m.failedItem(ctx, id)
	if err != nil {
		return err
	}
	if item.ErrorClass != ClassConflict {
		return fmt.Errorf("queue item %d is not a conflict (class=%s); use DiscardIntent or RequeueIntent", id, item.ErrorClass)
	}

	switch resolution {
	case ResolutionKeepMine:
		return m.resolveKeepMine(ctx, item)
	case ResolutionAcceptServer:
		return m.resolveAcceptServer(ctx, item)
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
}

func (m *Manager) resolveKeepMine(ctx context.Context, item *QueueItem) error {
	// Adopt the server's version token so the retried push carries a matching
	// expectedUpdatedAt. The local data stays as the user wrote it.
	if item.ServerRow != nil {
		_, serverToken, err := rowEnvelope(item.ServerRow)
		if err != nil {
			return fmt.Errorf("corrupt conflict record for item %d: %w", item.ID, err)
		}
		if err := m.store.setLocalToken(ctx, item.EntityType, item.EntityID, serverToken); err != nil {
			return err
		}
	}
	if err := m.store.requeueItem(ctx, item.ID); err != nil {
		return err
	}
	m.logger.Info("Conflict resolved keeping local version",
		"entity", item.EntityType, "pk", item.EntityID, "queue_id", item.ID)
	return nil
}

func (m *Manager) resolveAcceptServer(ctx context.Context, item *QueueItem) error {
	if item.ServerRow != nil {
		if err := m.store.ApplyServerRow(ctx, item.EntityType, item.ServerRow); err != nil {
			return err
		}
	} else {
		// No server row retained means the server no longer has the entity.
		if err := m.store.DeleteLocal(ctx, item.EntityType, item.EntityID); err != nil {
			return err
		}
	}
	if err := m.store.markSynced(ctx, item.ID); err != nil {
		return err
	}
	m.logger.Info("Conflict resolved accepting server version",
		"entity", item.EntityType, "pk", item.EntityID, "queue_id", item.ID)
	return nil
}

// DiscardIntent abandons a failed intent of any class. When a server row was
// retained for the entity (from a conflict response or a pull that had to
// skip the merge), it is applied locally so the device converges on the
// server's state; the intent itself is acknowledged and later pruned.
func (m *Manager) DiscardIntent(ctx context.Context, id int64) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	item, err := m.failedItem(ctx, id)
	if err != nil {
		return err
	}

	if item.ServerRow != nil {
		if err := m.store.ApplyServerRow(ctx, item.EntityType, item.ServerRow); err != nil {
			return err
		}
	}
	if err := m.store.markSynced(ctx, item.ID); err != nil {
		return err
	}
	m.logger.Info("Failed intent discarded",
		"entity", item.EntityType, "pk", item.EntityID, "queue_id", item.ID, "class", item.ErrorClass)
	return nil
}

// RequeueIntent puts a failed intent back at its queue position with a fresh
// retry budget, for failures whose cause has since been fixed (a referenced
// entity that has synced, a dead-lettered intent after an outage). Conflicts
// should go through ResolveConflict so the version token is reconciled first.
func (m *Manager) RequeueIntent(ctx context.Context, id int64) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	item, err := m.failedItem(ctx, id)
	if err != nil {
		return err
	}
	if item.ErrorClass == ClassConflict {
		return fmt.Errorf("queue item %d is a conflict; use ResolveConflict", id)
	}

	if err := m.store.requeueItem(ctx, item.ID); err != nil {
		return err
	}
	m.logger.Info("Failed intent requeued",
		"entity", item.EntityType, "pk", item.EntityID, "queue_id", item.ID, "class", item.ErrorClass)
	return nil
}

func (m *Manager) failedItem(ctx context.Context, id int64) (*QueueItem, error) {
	item, err := m.store.GetQueueItem(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("queue item %d not found", id)
		}
		return nil, err
	}
	if item.Status != StatusFailed {
		return nil, fmt.Errorf("queue item %d is not failed (status=%s)", id, item.Status)
	}
	return item, nil
}

// setLocalToken overwrites the server version token of a local row without
// touching its data. No-op when the row does not exist.
func (s *Store) setLocalToken(ctx context.Context, entityType, externalID, token string) error {
	if _, err := farmsync.LookupEntity(entityType); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET updated_at = ? WHERE external_id = ?`, entityType),
		token, externalID)
	if err != nil {
		return fmt.Errorf("failed to set version token for %s: %w", entityType, err)
	}
	return nil
}

// requeueItem puts a resolved intent back at its original queue position with
// a fresh retry budget.
func (s *Store) requeueItem(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue
		SET status = 'pending', error_class = '', error_message = '', retry_count = 0
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue item %d: %w", id, err)
	}
	return nil
}
