// Package store provides document storage backends for Attune.
//
// This file implements a PostgreSQL-backed document store using JSONB columns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore.Get failed", "error", err, "collection", collection, "id", id)
		return false, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		collection, id, raw)
	if err != nil {
		slog.Error("PostgresStore.Set failed", "error", err, "collection", collection, "id", id)
		return fmt.Errorf("failed to set document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET doc = $1, updated_at = now() WHERE collection = $2 AND id = $3`,
		raw, collection, id)
	if err != nil {
		slog.Error("PostgresStore.Update failed", "error", err, "collection", collection, "id", id)
		return fmt.Errorf("failed to update document %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("document %s/%s does not exist", collection, id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		slog.Error("PostgresStore.Delete failed", "error", err, "collection", collection, "id", id)
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filters []Filter, opts QueryOptions, out any) (int, error) {
	where := []string{"collection = $1"}
	args := []any{collection}
	next := 2
	for _, f := range filters {
		if !validFieldName(f.Field) {
			return 0, fmt.Errorf("invalid filter field: %q", f.Field)
		}
		switch f.Op {
		case OpEqual:
			expr, arg, err := pgPredicate(f.Field, "=", f.Value, next)
			if err != nil {
				return 0, err
			}
			where = append(where, expr)
			args = append(args, arg)
			next++
		case OpLess:
			expr, arg, err := pgPredicate(f.Field, "<", f.Value, next)
			if err != nil {
				return 0, err
			}
			where = append(where, expr)
			args = append(args, arg)
			next++
		case OpArrayContains:
			elem, err := json.Marshal([]any{f.Value})
			if err != nil {
				return 0, fmt.Errorf("failed to marshal filter value: %w", err)
			}
			where = append(where, fmt.Sprintf("doc->'%s' @> $%d::jsonb", f.Field, next))
			args = append(args, string(elem))
			next++
		default:
			return 0, fmt.Errorf("unsupported filter operator: %s", f.Op)
		}
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+whereClause, args...).Scan(&total); err != nil {
		slog.Error("PostgresStore.Query count failed", "error", err, "collection", collection)
		return 0, fmt.Errorf("failed to count documents in %s: %w", collection, err)
	}

	query := `SELECT doc FROM documents WHERE ` + whereClause
	if opts.OrderBy != "" && !validFieldName(opts.OrderBy) {
		return 0, fmt.Errorf("invalid order field: %q", opts.OrderBy)
	}
	if opts.OrderBy != "" {
		dir := "ASC"
		if opts.Descending {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY doc->>'%s' %s", opts.OrderBy, dir)
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.Query failed", "error", err, "collection", collection)
		return 0, fmt.Errorf("failed to query documents in %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return 0, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate document rows: %w", err)
	}

	raw, err := json.Marshal(docs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal query results: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return 0, fmt.Errorf("failed to decode query results: %w", err)
	}
	slog.Debug("PostgresStore.Query succeeded", "collection", collection, "matched", total, "returned", len(docs))
	return total, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
