// Package store provides document storage backends for Attune.
//
// Records are stored as JSON documents in named collections. The Store
// interface is deliberately generic so the session and workflow components
// stay agnostic to the backing database; implementations exist for Postgres,
// SQLite, and an in-memory map used by tests.
//
// Filter semantics: field values are compared in their JSON representation.
// Ordered comparison ("<") and ordering are defined for string fields (the
// components store timestamps as RFC3339 UTC, which orders lexicographically)
// and for numeric fields.
package store

import (
	"context"
	"strings"
)

// Filter operators supported by Query.
const (
	OpEqual         = "=="
	OpLess          = "<"
	OpArrayContains = "array-contains"
)

// Filter is a single field/operator/value predicate on document fields.
type Filter struct {
	Field string
	Op    string
	Value any
}

// QueryOptions controls ordering and pagination of Query results.
type QueryOptions struct {
	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
}

// Store is the document storage interface consumed by the core components.
type Store interface {
	// Get loads the document with the given id into out. It returns false
	// without error when the document does not exist.
	Get(ctx context.Context, collection, id string, out any) (bool, error)
	// Set creates or replaces a document.
	Set(ctx context.Context, collection, id string, doc any) error
	// Update replaces an existing document; it fails if the document is absent.
	Update(ctx context.Context, collection, id string, doc any) error
	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Query decodes matching documents into out (a pointer to a slice) and
	// returns the total number of matches before Limit/Offset are applied.
	Query(ctx context.Context, collection string, filters []Filter, opts QueryOptions, out any) (int, error)
	// Close releases underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
}

// Option configures store creation.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
