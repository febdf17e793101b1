// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProcessPull returns every row modified strictly after the cursor, plus the
// tombstones recorded since then, fanned out across all entity types in one
// round trip.
//
// The new cursor is captured before the snapshot queries run. Rows written
// while the response is being built therefore surface again on the next pull
// instead of being skipped; re-delivery is harmless because merges overwrite
// by external id. A cursor older than the tombstone retention horizon (or an
// absent cursor) is answered with a full snapshot and FullResync set, since
// deletions older than the horizon can no longer be enumerated.
func (s *SyncService) ProcessPull(ctx context.Context, userID, cursor string) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	since, err := ParseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cursor %q", ErrValidation, cursor)
	}

	now := s.now().UTC()
	horizon := now.Add(-s.config.TombstoneRetention)
	fullResync := since.IsZero() || since.Before(horizon)
	if fullResync {
		since = time.Time{}
	}

	response := &PullResponse{
		Cursor:     FormatCursor(now),
		FullResync: fullResync,
		Changes:    make(map[string][]json.RawMessage, len(entityDefs)),
		Tombstones: []Tombstone{},
	}

	// Repeatable read keeps the per-type queries on one snapshot so a row and
	// its tombstone cannot both appear in the same response.
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		for _, def := range entityDefs {
			rows, queryErr := s.changedRowsInTx(ctx, tx, userID, def.Name, since)
			if queryErr != nil {
				return queryErr
			}
			if len(rows) > 0 {
				response.Changes[def.Name] = rows
			}
		}
		if !fullResync {
			tombstones, queryErr := s.tombstonesSinceInTx(ctx, tx, userID, since)
			if queryErr != nil {
				return queryErr
			}
			response.Tombstones = tombstones
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process pull: %w", err)
	}

	s.logger.Debug("Pull processed",
		"user_id", userID, "full_resync", fullResync,
		"entity_types", len(response.Changes), "tombstones", len(response.Tombstones))
	return response, nil
}

// changedRowsInTx returns rows of one entity type with updated_at strictly
// greater than since. A row modified exactly at the cursor timestamp belongs
// to the next pull, not this one.
func (s *SyncService) changedRowsInTx(ctx context.Context, tx pgx.Tx, userID, entityType string, since time.Time) ([]json.RawMessage, error) {
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT external_id::text, data::text, updated_at
			FROM %s
			WHERE user_id = $1 AND updated_at > $2
			ORDER BY updated_at, id`, qualifiedTable(entityType)),
		userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", entityType, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var (
			externalID string
			data       []byte
			updatedAt  time.Time
		)
		if err := rows.Scan(&externalID, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s change: %w", entityType, err)
		}
		row, err := buildRowJSON(externalID, updatedAt, data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s changes: %w", entityType, err)
	}
	return out, nil
}
