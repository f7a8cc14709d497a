package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the Docker runtime image, which does not copy internal/db/schema.sql
// into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// Store is the PostgreSQL persistence layer for every tenant-scoped table.
// All methods take the tenant id explicitly; there are no cross-tenant
// queries anywhere in this package.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect initializes the pgx connection pool and verifies connectivity.
func Connect(ctx context.Context, connStr string, maxConns int32, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Store{pool: pool, log: log}, nil
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements. Every
// statement is idempotent, so running it on boot is safe.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.Info().Msg("intake schema initialized")
	return nil
}

// Ping reports store health for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the connection pool for subsystems that need raw access.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// patternErr maps pattern-table failures onto the shared taxonomy. Pattern
// store failures are fatal to ingest jobs, so the sentinel matters.
func patternErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrPatternStoreUnavailable, err)
}

// txnErr maps transaction-table failures onto the shared taxonomy.
func txnErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if errors.Is(err, models.ErrUserEditProtected) || errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrTransactionStoreUnavailable, err)
}
