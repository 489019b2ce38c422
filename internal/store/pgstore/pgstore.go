// Package pgstore keeps documents as jsonb rows in a single Postgres table.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/store"
)

const defaultTable = "documents"

// Config describes the Postgres connection.
type Config struct {
	DSN   string
	Table string
}

// Store is a store.Store backed by Postgres.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// New opens a connection pool and creates the documents table when missing.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil || strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTable
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &Store{
		pool:   pool,
		table:  pgx.Identifier{table}.Sanitize(),
		logger: logger,
	}

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Debug("connected to postgres", zap.String("table", table))

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        text PRIMARY KEY,
		body       jsonb NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, doc []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, body, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`, s.table)

	if _, err := s.pool.Exec(ctx, query, key, doc); err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE key = $1`, s.table)

	var doc []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return doc, nil
}

// Delete takes the row lock, so among concurrent callers only one sees a deleted row.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)`, s.table)

	var ok bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres exists %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([][]byte, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE key LIKE $1 ESCAPE '\' ORDER BY key COLLATE "C"`, s.table)

	rows, err := s.pool.Query(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	defer rows.Close()

	docs := make([][]byte, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres scan %s: %w", prefix, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	return docs, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
