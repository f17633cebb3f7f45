// Package store provides document storage backends for Attune.
//
// This file implements an SQLite-backed document store. Filters translate to
// json_extract predicates so queries run inside the database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.Get failed", "error", err, "collection", collection, "id", id)
		return false, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(raw))
	if err != nil {
		slog.Error("SQLiteStore.Set failed", "error", err, "collection", collection, "id", id)
		return fmt.Errorf("failed to set document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET doc = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?`,
		string(raw), collection, id)
	if err != nil {
		slog.Error("SQLiteStore.Update failed", "error", err, "collection", collection, "id", id)
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

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		slog.Error("SQLiteStore.Delete failed", "error", err, "collection", collection, "id", id)
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, filters []Filter, opts QueryOptions, out any) (int, error) {
	where := []string{"collection = ?"}
	args := []any{collection}
	for _, f := range filters {
		if !validFieldName(f.Field) {
			return 0, fmt.Errorf("invalid filter field: %q", f.Field)
		}
		switch f.Op {
		case OpEqual:
			v, err := sqlScalar(f.Value)
			if err != nil {
				return 0, err
			}
			where = append(where, fmt.Sprintf("json_extract(doc, '$.%s') = ?", f.Field))
			args = append(args, v)
		case OpLess:
			v, err := sqlScalar(f.Value)
			if err != nil {
				return 0, err
			}
			where = append(where, fmt.Sprintf("json_extract(doc, '$.%s') < ?", f.Field))
			args = append(args, v)
		case OpArrayContains:
			v, err := jsonScalar(f.Value)
			if err != nil {
				return 0, err
			}
			where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(doc, '$.%s') WHERE json_each.value = ?)", f.Field))
			args = append(args, v)
		default:
			return 0, fmt.Errorf("unsupported filter operator: %s", f.Op)
		}
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+whereClause, args...).Scan(&total); err != nil {
		slog.Error("SQLiteStore.Query count failed", "error", err, "collection", collection)
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
		query += fmt.Sprintf(" ORDER BY json_extract(doc, '$.%s') %s", opts.OrderBy, dir)
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore.Query failed", "error", err, "collection", collection)
		return 0, fmt.Errorf("failed to query documents in %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var raw string
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
	slog.Debug("SQLiteStore.Query succeeded", "collection", collection, "matched", total, "returned", len(docs))
	return total, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
