// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService is the server-side reconciliation service. It is stateless per
// request: every upsert and pull runs against the authoritative Postgres
// store, scoped to the authenticated user.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	// now is the server clock; swapped in tests to pin cursor boundaries.
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName string // Application name for logging/connection tracking

	// TombstoneRetention bounds how long deletion records are kept. A pull
	// whose cursor predates the horizon is answered with a full snapshot
	// instead of deltas. Zero means the default of 90 days.
	TombstoneRetention time.Duration

	// MaxPayloadBytes caps the raw JSON size of a single entity payload
	// (0 = unlimited).
	MaxPayloadBytes int
}

// DefaultTombstoneRetention is applied when ServiceConfig.TombstoneRetention
// is zero.
const DefaultTombstoneRetention = 90 * 24 * time.Hour

// NewSyncService creates a sync service from an existing pool and initializes
// the database schema. The caller owns the pool lifecycle.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "ganadero-sync"}
	}
	if config.TombstoneRetention <= 0 {
		config.TombstoneRetention = DefaultTombstoneRetention
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
		now:    time.Now,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// Close gracefully shuts down the sync service. It does NOT close the pool.
// Safe to call multiple times.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// TombstoneRetention reports the configured retention window.
func (s *SyncService) TombstoneRetention() time.Duration {
	return s.config.TombstoneRetention
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}
