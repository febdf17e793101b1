// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProcessUpsert applies a single write intent for the given entity type.
// The algorithm is identical across entity types:
//
//  1. Decode and validate the typed payload.
//  2. Resolve foreign external ids to server-internal ids.
//  3. Conflict detector: when a row exists and the caller supplied
//     expectedUpdatedAt, it must exactly equal the stored updated_at.
//  4. Write the row with a server-set updated_at and echo it back.
//
// Replays are safe: a payload content-identical to the stored row returns the
// stored row without bumping its version. Deletes run through the same
// surface, remove the row and record a tombstone.
func (s *SyncService) ProcessUpsert(ctx context.Context, userID, entityType string, req *UpsertRequest) (*UpsertResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	def, err := LookupEntity(entityType)
	if err != nil {
		return nil, err
	}

	externalID, err := uuid.Parse(req.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid external id %q", ErrValidation, req.ExternalID)
	}

	op := strings.ToLower(strings.TrimSpace(req.Op))
	switch op {
	case "":
		op = OpUpdate
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("%w: invalid operation %q", ErrValidation, req.Op)
	}

	if s.config.MaxPayloadBytes > 0 && len(req.Data) > s.config.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload too large: %d > %d", ErrValidation, len(req.Data), s.config.MaxPayloadBytes)
	}

	if op == OpDelete {
		return s.processDelete(ctx, userID, def, externalID, req.ExpectedUpdatedAt)
	}

	payload, err := DecodePayload(entityType, req.Data)
	if err != nil {
		return nil, err
	}
	// Canonical form: re-marshaled from the typed struct, so content equality
	// between a replay and the stored row is a byte comparison away.
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", entityType, err)
	}

	var response *UpsertResponse
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		refIDs, unresolved, refErr := s.resolveRefs(ctx, tx, userID, def, canonical)
		if refErr != nil {
			return refErr
		}

		table := qualifiedTable(def.Name)
		var (
			existingData []byte
			existingAt   time.Time
		)
		row := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT data::text, updated_at FROM %s WHERE user_id = $1 AND external_id = $2 FOR UPDATE`, table),
			userID, externalID)
		scanErr := row.Scan(&existingData, &existingAt)
		exists := true
		if errors.Is(scanErr, pgx.ErrNoRows) {
			exists = false
		} else if scanErr != nil {
			return fmt.Errorf("failed to load %s row: %w", def.Name, scanErr)
		}

		if exists {
			if jsonEqual(canonical, existingData) {
				// Replay of an already-applied write; echo the stored row
				// without bumping the version token.
				echo, buildErr := buildRowJSON(externalID.String(), existingAt, existingData)
				if buildErr != nil {
					return buildErr
				}
				response = &UpsertResponse{Row: echo, UnresolvedRefs: unresolved}
				return nil
			}
			if req.ExpectedUpdatedAt != nil && !req.ExpectedUpdatedAt.Equal(existingAt) {
				current, buildErr := buildRowJSON(externalID.String(), existingAt, existingData)
				if buildErr != nil {
					return buildErr
				}
				return &ConflictError{
					EntityType: def.Name,
					ExternalID: externalID.String(),
					Current:    current,
					Attempted:  canonical,
				}
			}
		}

		// Truncated to microseconds so the echoed token survives the
		// timestamptz round trip exactly.
		writtenAt := s.now().UTC().Truncate(time.Microsecond)
		if exists {
			set := []string{"data = $3", "updated_at = $4"}
			args := []any{userID, externalID, string(canonical), writtenAt}
			for _, ref := range def.Refs {
				args = append(args, refIDs[ref.Column])
				set = append(set, fmt.Sprintf("%s = $%d", ref.Column, len(args)))
			}
			if _, execErr := tx.Exec(ctx,
				fmt.Sprintf(`UPDATE %s SET %s WHERE user_id = $1 AND external_id = $2`, table, strings.Join(set, ", ")),
				args...); execErr != nil {
				return fmt.Errorf("failed to update %s row: %w", def.Name, execErr)
			}
		} else {
			cols := []string{"user_id", "external_id", "data", "updated_at"}
			args := []any{userID, externalID, string(canonical), writtenAt}
			for _, ref := range def.Refs {
				cols = append(cols, ref.Column)
				args = append(args, refIDs[ref.Column])
			}
			placeholders := make([]string, len(args))
			for i := range args {
				placeholders[i] = fmt.Sprintf("$%d", i+1)
			}
			if _, execErr := tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(cols, ", "), strings.Join(placeholders, ", ")),
				args...); execErr != nil {
				return fmt.Errorf("failed to insert %s row: %w", def.Name, execErr)
			}
		}

		// A re-created external id supersedes any earlier deletion.
		if _, execErr := tx.Exec(ctx,
			`DELETE FROM farm.tombstone WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3`,
			userID, def.Name, externalID); execErr != nil {
			return fmt.Errorf("failed to clear tombstone: %w", execErr)
		}

		echo, buildErr := buildRowJSON(externalID.String(), writtenAt, canonical)
		if buildErr != nil {
			return buildErr
		}
		response = &UpsertResponse{Row: echo, UnresolvedRefs: unresolved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Upsert applied",
		"entity", def.Name, "pk", externalID.String(), "user_id", userID, "op", op)
	return response, nil
}

// processDelete removes the row (conflict-checked like any other write) and
// records a tombstone. Deleting an absent row is an idempotent no-op.
func (s *SyncService) processDelete(ctx context.Context, userID string, def *EntityDef, externalID uuid.UUID, expected *time.Time) (*UpsertResponse, error) {
	var response *UpsertResponse
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		table := qualifiedTable(def.Name)
		var (
			existingData []byte
			existingAt   time.Time
		)
		row := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT data::text, updated_at FROM %s WHERE user_id = $1 AND external_id = $2 FOR UPDATE`, table),
			userID, externalID)
		scanErr := row.Scan(&existingData, &existingAt)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			response = &UpsertResponse{Deleted: true}
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("failed to load %s row: %w", def.Name, scanErr)
		}

		if expected != nil && !expected.Equal(existingAt) {
			current, buildErr := buildRowJSON(externalID.String(), existingAt, existingData)
			if buildErr != nil {
				return buildErr
			}
			return &ConflictError{
				EntityType: def.Name,
				ExternalID: externalID.String(),
				Current:    current,
			}
		}

		if _, execErr := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND external_id = $2`, table),
			userID, externalID); execErr != nil {
			return fmt.Errorf("failed to delete %s row: %w", def.Name, execErr)
		}
		if recordErr := s.recordTombstone(ctx, tx, userID, def.Name, externalID, s.now().UTC().Truncate(time.Microsecond)); recordErr != nil {
			return recordErr
		}
		response = &UpsertResponse{Deleted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Delete applied", "entity", def.Name, "pk", externalID.String(), "user_id", userID)
	return response, nil
}

// resolveRefs maps each foreign external id in the payload to the referenced
// row's internal id. Required references that cannot be resolved abort the
// write with RefNotFoundError; optional misses are written as NULL and
// reported back in the response.
func (s *SyncService) resolveRefs(ctx context.Context, tx pgx.Tx, userID string, def *EntityDef, payload []byte) (map[string]*int64, []string, error) {
	if len(def.Refs) == 0 {
		return nil, nil, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: payload not an object", ErrValidation)
	}

	refIDs := make(map[string]*int64, len(def.Refs))
	var unresolved []string
	for _, ref := range def.Refs {
		refIDs[ref.Column] = nil
		raw, found := fields[ref.Field]
		if !found || raw == nil {
			continue
		}
		refExternal, ok := raw.(string)
		if !ok || refExternal == "" {
			continue
		}
		refUUID, err := uuid.Parse(refExternal)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s is not a valid external id", ErrValidation, ref.Field)
		}

		var internalID int64
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT id FROM %s WHERE user_id = $1 AND external_id = $2`, qualifiedTable(ref.Entity)),
			userID, refUUID).Scan(&internalID)
		if errors.Is(err, pgx.ErrNoRows) {
			if ref.Required {
				return nil, nil, &RefNotFoundError{Entity: ref.Entity, ExternalID: refExternal, Field: ref.Field}
			}
			unresolved = append(unresolved, ref.Field)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve %s: %w", ref.Field, err)
		}
		id := internalID
		refIDs[ref.Column] = &id
	}

	return refIDs, unresolved, nil
}

func qualifiedTable(entityType string) string {
	return pgx.Identifier{SchemaName}.Sanitize() + "." + pgx.Identifier{entityType}.Sanitize()
}

// buildRowJSON merges the payload fields with the engine envelope: the stable
// cross-device key and the server version token.
func buildRowJSON(externalID string, updatedAt time.Time, data []byte) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("stored payload is not an object: %w", err)
	}
	fields["externalId"] = externalID
	fields["updatedAt"] = updatedAt.UTC().Format(time.RFC3339Nano)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func jsonEqual(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
