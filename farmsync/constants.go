// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

// Operation constants for queued write intents
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Entity type names. These are the logical table names shared between the
// client store, the queue and the server schema.
const (
	EntityAnimal         = "animal"
	EntityHealthRecord   = "health_record"
	EntityBreedingRecord = "breeding_record"
	EntityProduct        = "product"
	EntityStockMovement  = "stock_movement"
	EntityMilkRecord     = "milk_record"
	EntityPasture        = "pasture"
	EntityLabExam        = "lab_exam"
	EntityAIConversation = "ai_conversation"
	EntityFarm           = "farm"
)

// Error code constants used in HTTP error envelopes
const (
	CodeConflict      = "conflict"
	CodeValidation    = "validation"
	CodeRefNotFound   = "ref_not_found"
	CodeUnknownEntity = "unknown_entity"
	CodeInternalError = "internal_error"
)

// SchemaName is the dedicated Postgres schema holding all entity tables
// and the tombstone log.
const SchemaName = "farm"
