// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the farm schema and all entity tables if they
// do not exist. Each entity table keeps the validated payload as a JSON
// document next to the engine-maintained columns: user scope, external id and
// the updated_at version token. Foreign references resolved at upsert time
// land in dedicated internal-id columns so relational integrity is enforced
// by Postgres rather than by payload inspection.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS farm`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.farm (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.animal (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.product (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.pasture (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.health_record (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			animal_id   BIGINT REFERENCES farm.animal(id) ON DELETE SET NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.breeding_record (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			animal_id   BIGINT REFERENCES farm.animal(id) ON DELETE SET NULL,
			sire_id     BIGINT REFERENCES farm.animal(id) ON DELETE SET NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.stock_movement (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			product_id  BIGINT REFERENCES farm.product(id) ON DELETE SET NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.milk_record (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			animal_id   BIGINT REFERENCES farm.animal(id) ON DELETE SET NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.lab_exam (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			animal_id   BIGINT REFERENCES farm.animal(id) ON DELETE SET NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.ai_conversation (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			external_id UUID NOT NULL,
			data        JSON NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, external_id)
		)`,

		// Deletion log consulted by pull so removals propagate without
		// re-pulling entire tables. Re-deleting the same external id just
		// refreshes deleted_at.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS farm.tombstone (
			user_id     TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   UUID NOT NULL,
			deleted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, entity_id)
		)`,

		// Pull paths scan per user by version/deletion time.
		`CREATE INDEX IF NOT EXISTS farm_tombstone_user_deleted_idx ON farm.tombstone(user_id, deleted_at)`,
		`CREATE INDEX IF NOT EXISTS farm_animal_user_updated_idx ON farm.animal(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_health_record_user_updated_idx ON farm.health_record(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_breeding_record_user_updated_idx ON farm.breeding_record(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_product_user_updated_idx ON farm.product(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_stock_movement_user_updated_idx ON farm.stock_movement(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_milk_record_user_updated_idx ON farm.milk_record(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_pasture_user_updated_idx ON farm.pasture(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_lab_exam_user_updated_idx ON farm.lab_exam(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_ai_conversation_user_updated_idx ON farm.ai_conversation(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS farm_farm_user_updated_idx ON farm.farm(user_id, updated_at)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}

	return nil
}
