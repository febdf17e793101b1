// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validation error sentinels for better error mapping
var (
	ErrValidation    = errors.New("validation")
	ErrUnknownEntity = errors.New("unknown_entity")
)

// RefNotFoundError is returned when a required foreign external id cannot be
// resolved to a server row. It is terminal for the offending change: retrying
// blindly risks an infinite loop when the referenced entity will never sync.
type RefNotFoundError struct {
	Entity     string // referenced entity type (e.g. "animal")
	ExternalID string // the external id that failed to resolve
	Field      string // payload field carrying the reference
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("%s %q referenced by %s not found", e.Entity, e.ExternalID, e.Field)
}

// ConflictError signals an optimistic-concurrency version mismatch. It carries
// both row versions so the caller can present a diff: the server's current row
// and the payload the caller attempted to write. Never auto-retried.
type ConflictError struct {
	EntityType string
	ExternalID string
	Current    json.RawMessage // server's current row (externalId, updatedAt, fields)
	Attempted  json.RawMessage // caller's incoming payload
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version mismatch for %s %s", e.EntityType, e.ExternalID)
}
