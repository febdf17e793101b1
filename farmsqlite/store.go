// Package farmsqlite provides the SQLite-based client engine for offline-first
// farm operations sync: a durable local entity store, a mutation queue and a
// sync manager that reconciles both against the server.
//
// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/andresdvelez/ganadero-sub000/farmsync"
)

// ErrNotFound is returned when a local row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable on-device store: one table per entity type keyed by
// external id, plus the sync metadata tables (_sync_queue, _sync_state,
// _sync_log). All access is scoped to a single signed-in user per DB file.
type Store struct {
	DB     *sql.DB
	UserID string
}

// NewStore initializes the local database (entity tables, sync metadata,
// pragmas) and returns a store bound to the given user.
func NewStore(db *sql.DB, userID string) (*Store, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store := &Store{DB: db, UserID: userID}
	if err := store.ensureState(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// initializeDatabase creates the entity tables and sync metadata tables
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One table per entity type. updated_at holds the server version token
	// verbatim; it is empty until the row has been echoed by the server.
	for _, entityType := range farmsync.EntityTypes() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			external_id  TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			updated_at   TEXT NOT NULL DEFAULT '',
			data         TEXT NOT NULL,
			PRIMARY KEY (external_id)
		)`, entityType)
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create entity table %s: %w", entityType, err)
		}
	}

	tables := []string{
		// Durable mutation queue, strictly FIFO by id. One row per write
		// intent; intents are never coalesced.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid          TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			operation     TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			data          TEXT,
			status        TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','synced','failed')),
			error_class   TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			server_row    TEXT,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			synced_at     TEXT
		)`,

		// Per-user sync cursor and switches (one row)
		`CREATE TABLE IF NOT EXISTS _sync_state (
			user_id           TEXT NOT NULL,
			last_pull_cursor  TEXT NOT NULL DEFAULT '',
			last_synced_at    TEXT NOT NULL DEFAULT '',
			auto_sync_enabled INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (user_id)
		)`,

		// Per-cycle outcome log
		`CREATE TABLE IF NOT EXISTS _sync_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			pushed      INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			conflicts   INTEGER NOT NULL DEFAULT 0,
			pulled      INTEGER NOT NULL DEFAULT 0,
			deleted     INTEGER NOT NULL DEFAULT 0,
			full_resync INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON _sync_queue (status, id)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureState(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _sync_state (user_id) VALUES (?)
		ON CONFLICT (user_id) DO NOTHING
	`, s.UserID)
	if err != nil {
		return fmt.Errorf("failed to ensure sync state: %w", err)
	}
	return nil
}

// PutLocal writes an entity snapshot locally without touching the server
// version token. The token keeps the value the server last echoed, so a later
// push still carries the right expectedUpdatedAt.
func (s *Store) PutLocal(ctx context.Context, entityType, externalID string, data json.RawMessage) error {
	if _, err := farmsync.LookupEntity(entityType); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (external_id, user_id, data) VALUES (?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET data = excluded.data
	`, entityType), externalID, s.UserID, string(data))
	if err != nil {
		return fmt.Errorf("failed to put local %s row: %w", entityType, err)
	}
	return nil
}

// GetLocal returns the locally stored snapshot and server version token for
// an entity. Returns ErrNotFound when the row does not exist.
func (s *Store) GetLocal(ctx context.Context, entityType, externalID string) (json.RawMessage, string, error) {
	if _, err := farmsync.LookupEntity(entityType); err != nil {
		return nil, "", err
	}
	var (
		data      string
		updatedAt string
	)
	err := s.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data, updated_at FROM "%s" WHERE external_id = ?`, entityType),
		externalID).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get local %s row: %w", entityType, err)
	}
	return json.RawMessage(data), updatedAt, nil
}

// DeleteLocal removes an entity row locally. Deleting an absent row is a no-op.
func (s *Store) DeleteLocal(ctx context.Context, entityType, externalID string) error {
	if _, err := farmsync.LookupEntity(entityType); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE external_id = ?`, entityType), externalID)
	if err != nil {
		return fmt.Errorf("failed to delete local %s row: %w", entityType, err)
	}
	return nil
}

// ApplyServerRow overwrites the local row with a server-issued row (as echoed
// by upsert or delivered by pull), adopting its version token.
func (s *Store) ApplyServerRow(ctx context.Context, entityType string, row json.RawMessage) error {
	return applyServerRow(ctx, s.DB, s.UserID, entityType, row)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyServerRow(ctx context.Context, db execer, userID, entityType string, row json.RawMessage) error {
	externalID, updatedAt, err := rowEnvelope(row)
	if err != nil {
		return fmt.Errorf("invalid server row for %s: %w", entityType, err)
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (external_id, user_id, updated_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			data = excluded.data
	`, entityType), externalID, userID, updatedAt, string(row))
	if err != nil {
		return fmt.Errorf("failed to apply server %s row: %w", entityType, err)
	}
	return nil
}

// rowEnvelope extracts the stable key and version token from a server row.
func rowEnvelope(row json.RawMessage) (externalID, updatedAt string, err error) {
	var envelope struct {
		ExternalID string `json:"externalId"`
		UpdatedAt  string `json:"updatedAt"`
	}
	if err := json.Unmarshal(row, &envelope); err != nil {
		return "", "", err
	}
	if envelope.ExternalID == "" {
		return "", "", errors.New("missing externalId")
	}
	if envelope.UpdatedAt == "" {
		return "", "", errors.New("missing updatedAt")
	}
	return envelope.ExternalID, envelope.UpdatedAt, nil
}

// LastPullCursor returns the persisted pull cursor; empty means never pulled.
func (s *Store) LastPullCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_pull_cursor FROM _sync_state WHERE user_id = ?`, s.UserID).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("failed to get pull cursor: %w", err)
	}
	return cursor, nil
}

// AutoSyncEnabled reports whether the periodic sync loop should run.
func (s *Store) AutoSyncEnabled(ctx context.Context) (bool, error) {
	var enabled int
	err := s.DB.QueryRowContext(ctx,
		`SELECT auto_sync_enabled FROM _sync_state WHERE user_id = ?`, s.UserID).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to get auto sync flag: %w", err)
	}
	return enabled != 0, nil
}

// SetAutoSync toggles the periodic sync loop.
func (s *Store) SetAutoSync(ctx context.Context, enabled bool) error {
	value := 0
	if enabled {
		value = 1
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE _sync_state SET auto_sync_enabled = ? WHERE user_id = ?`, value, s.UserID)
	if err != nil {
		return fmt.Errorf("failed to set auto sync flag: %w", err)
	}
	return nil
}
