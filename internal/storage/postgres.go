// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("record not found")

// Storage is the core (directory) database: tenants and backup metadata.
type Storage struct {
	DB  *sqlx.DB
	sb  sq.StatementBuilderType
	log logrus.FieldLogger
}

type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

func NewStorage(dsn string, opts PoolOptions) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.MaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.MaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened handle; tests pass a sqlmock connection.
func New(db *sql.DB) *Storage {
	return &Storage{
		DB:  sqlx.NewDb(db, "postgres"),
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		log: logrus.StandardLogger(),
	}
}

func (s *Storage) SetLogger(l logrus.FieldLogger) {
	s.log = l
}

func (s *Storage) Close() error {
	return s.DB.Close()
}

// SQLDB exposes the underlying pool so the ORM layer can share it.
func (s *Storage) SQLDB() *sql.DB {
	return s.DB.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id            UUID PRIMARY KEY,
	slug          TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	subdomain     TEXT UNIQUE,
	custom_domain TEXT UNIQUE,
	database_name TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS backups (
	id            UUID PRIMARY KEY,
	tenant_id     UUID NOT NULL,
	tenant_slug   TEXT NOT NULL,
	file_name     TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	file_size     BIGINT NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	kind          TEXT NOT NULL,
	created_by    TEXT,
	compressed    BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT,
	remote_key    TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS backups_tenant_created_idx ON backups (tenant_id, created_at DESC);
`

// EnsureSchema creates the directory tables when they are missing.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func getOne[T any](ctx context.Context, db *sqlx.DB, q sq.Sqlizer) (*T, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var out T
	if err := db.GetContext(ctx, &out, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}
