// Package storage provides the PostgreSQL storage layer for Hanrei.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY (direct to Postgres), COPY-based batch ingestion for the
// projection views, and query methods for all tables. Every write that can
// carry free text passes through the redaction guard before it reaches
// Postgres; a guard refusal fails the write.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ashita-ai/hanrei/internal/redact"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY. The guard is the persistence gate applied on write paths.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	guard      *redact.Policy
	logger     *slog.Logger

	mirrorOutbox bool
}

// New creates a new DB with a connection pool.
// notifyDSN may be empty to disable LISTEN/NOTIFY (and with it SSE fan-out).
func New(ctx context.Context, poolDSN, notifyDSN string, guard *redact.Policy, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// Register pgvector types on each new connection so vector columns can
	// be encoded. Best-effort: before migrations create the extension the
	// registration fails; later connections succeed once it exists.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	if guard == nil {
		guard = redact.DefaultPolicy()
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		guard:      guard,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// EnableSearchOutbox turns on search_outbox enqueueing for embedding writes.
// Called when a secondary vector backend (Qdrant) mirrors the knowledge base.
func (db *DB) EnableSearchOutbox() {
	db.mirrorOutbox = true
}

// Guard returns the redaction policy used as the persistence gate.
func (db *DB) Guard() *redact.Policy {
	return db.guard
}

// HasNotifyConn reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
