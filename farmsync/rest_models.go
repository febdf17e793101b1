// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync HTTP API.

// UpsertRequest is the body of POST /sync/upsert/{entityType}.
// ExpectedUpdatedAt is the optimistic-concurrency token: the updated_at the
// caller last saw for this row. Absent for pure creates or when the caller
// does not track a version yet, in which case the conflict check is skipped.
type UpsertRequest struct {
	ExternalID        string          `json:"externalId"`
	Op                string          `json:"op,omitempty"` // create, update (default) or delete
	Data              json.RawMessage `json:"data,omitempty"`
	ExpectedUpdatedAt *time.Time      `json:"expectedUpdatedAt,omitempty"`
}

// UpsertResponse echoes the persisted server row after a successful write.
// For deletes the row is omitted and Deleted is set.
type UpsertResponse struct {
	Row            json.RawMessage `json:"row,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
	UnresolvedRefs []string        `json:"unresolvedRefs,omitempty"` // optional refs written as NULL
}

// Tombstone records a server-side deletion so clients that only pull
// incremental changes still learn about removals.
type Tombstone struct {
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"` // external id of the deleted record
	DeletedAt  time.Time `json:"deletedAt"`
}

// PullResponse is the body of GET /sync/pull. Changes maps entity type to the
// rows modified strictly after the request cursor, in merge-safe order.
// FullResync signals that the cursor predates the tombstone retention horizon
// (or was absent) and Changes is a complete snapshot the client must replace
// its local tables with.
type PullResponse struct {
	Cursor     string                       `json:"cursor"`
	FullResync bool                         `json:"fullResync,omitempty"`
	Changes    map[string][]json.RawMessage `json:"changes"`
	Tombstones []Tombstone                  `json:"tombstones"`
}

// ErrorResponse is the JSON error envelope. Current and Attempted are only
// populated for conflict errors so the caller can present both versions.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Current   json.RawMessage `json:"current,omitempty"`
	Attempted json.RawMessage `json:"attempted,omitempty"`
}

// CursorFormat is the wire format of pull cursors: server time in UTC with
// nanosecond precision. Cursors are opaque to clients.
const CursorFormat = time.RFC3339Nano

// FormatCursor renders a server timestamp as an opaque cursor string.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(CursorFormat)
}

// ParseCursor parses a cursor previously issued by FormatCursor. An empty
// cursor yields the zero time (full resync).
func ParseCursor(cursor string) (time.Time, error) {
	if cursor == "" {
		return time.Time{}, nil
	}
	return time.Parse(CursorFormat, cursor)
}
