// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// recordTombstone durably logs a deletion so pull can propagate it to clients
// that last saw the entity before it was removed.
func (s *SyncService) recordTombstone(ctx context.Context, tx pgx.Tx, userID, entityType string, entityID uuid.UUID, deletedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO farm.tombstone (user_id, entity_type, entity_id, deleted_at)
		VALUES (@user_id, @entity_type, @entity_id, @deleted_at)
		ON CONFLICT (user_id, entity_type, entity_id)
		DO UPDATE SET deleted_at = EXCLUDED.deleted_at
	`, pgx.NamedArgs{
		"user_id":     userID,
		"entity_type": entityType,
		"entity_id":   entityID,
		"deleted_at":  deletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record tombstone: %w", err)
	}
	return nil
}

// tombstonesSinceInTx returns deletions strictly after since, mirroring the
// strictly-greater-than boundary used for entity rows.
func (s *SyncService) tombstonesSinceInTx(ctx context.Context, tx pgx.Tx, userID string, since time.Time) ([]Tombstone, error) {
	rows, err := tx.Query(ctx, `
		SELECT entity_type, entity_id::text, deleted_at
		FROM farm.tombstone
		WHERE user_id = $1 AND deleted_at > $2
		ORDER BY deleted_at
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	tombstones := []Tombstone{}
	for rows.Next() {
		var t Tombstone
		if err := rows.Scan(&t.EntityType, &t.EntityID, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones = append(tombstones, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tombstones: %w", err)
	}
	return tombstones, nil
}

// PruneTombstones drops deletion records older than the retention window.
// Clients whose cursor predates the horizon fall back to a full resync, so
// pruning never loses deletions silently. Returns the number of rows removed.
func (s *SyncService) PruneTombstones(ctx context.Context) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	horizon := s.now().UTC().Add(-s.config.TombstoneRetention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM farm.tombstone WHERE deleted_at < $1`, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	pruned := tag.RowsAffected()
	if pruned > 0 {
		s.logger.Info("Pruned tombstones", "count", pruned, "horizon", horizon)
	}
	return pruned, nil
}
