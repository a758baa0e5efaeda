// Package storage is the relational repository behind the pipeline engine.
// Queries are written with '?' placeholders and rebound for the active driver,
// so the same code runs on Postgres and SQLite.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/shared/database"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Store handles all database operations for the pipeline engine
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying handle
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Driver returns the active driver name
func (s *Store) Driver() string {
	return s.db.DriverName()
}

// Now returns the store clock, in UTC
func (s *Store) Now() time.Time {
	return s.now()
}

// SetClock replaces the store clock. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Migrate applies the embedded schema for the active driver. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	file := "schema/postgres.sql"
	if s.Driver() == database.DriverSQLite {
		file = "schema/sqlite.sql"
	}

	ddl, err := schemaFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.logger.Info("Database schema applied",
		slog.String("driver", s.Driver()),
	)
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return database.RunInTx(ctx, s.db, fn)
}

// in expands slice arguments and rebinds the query for the active driver
func (s *Store) in(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand query: %w", err)
	}
	return s.db.Rebind(q), a, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// isUniqueViolation reports whether err is a unique constraint violation on either driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
