package engine

import (
	"context"
	"errors"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrDuplicateKey  = errors.New("duplicate primary key")
)

// KeyKind is the scalar type of an index key. Backends that need typed keys
// (DynamoDB) use it; others ignore it.
type KeyKind string

const (
	KeyKindS KeyKind = "S"
	KeyKindN KeyKind = "N"
	KeyKindB KeyKind = "B"
)

// IndexSpec describes a secondary index on a single field.
type IndexSpec struct {
	Name  string
	Field string
	Kind  KeyKind
}

// Backend is a document store that Conn executes composed queries against.
type Backend interface {
	// Begin starts a transaction. Read-only transactions are never committed.
	Begin(ctx context.Context, writable bool) (Tx, error)
}

// Tx is a unit of work on a Backend. A Tx is used by one goroutine.
//
// Records are map[string]any holding nil, bool, int, float64, string,
// time.Time, []any and map[string]any values. Lookups of absent records
// return a nil map and a nil error.
type Tx interface {
	Tables() ([]string, error)
	// CreateTable creates a table keyed by the primaryKey field. kind is the
	// scalar type of the key; empty means KeyKindS.
	CreateTable(name, primaryKey string, kind KeyKind) error
	PrimaryKey(table string) (string, error)

	Indexes(table string) ([]IndexSpec, error)
	CreateIndex(table string, spec IndexSpec) error
	// WaitIndex blocks until the index can serve lookups.
	WaitIndex(table, name string) error

	Get(table string, key any) (map[string]any, error)
	GetAll(table, index string, key any) ([]map[string]any, error)
	Scan(table string) ([]map[string]any, error)
	// Put inserts or replaces the record keyed by its primary key field.
	Put(table string, doc map[string]any) error
	Delete(table string, key any) error

	Commit() error
	Discard()
}
