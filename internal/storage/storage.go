// Package storage defines the collaborator interfaces the engine reads
// source tables through and commits target tables to, plus a small factory
// so binaries can select a backend by name. Physical table mechanics live in
// the backend subpackages; the engine only decides what to write and under
// which mode.
package storage

import (
	"context"
	"fmt"
	"sync"

	"refinery/internal/config"
	"refinery/pkg/rows"
)

// Provenance columns present on ingested source tables. They pass through
// the engine untouched unless a pipeline references them explicitly.
var ProvenanceColumns = []string{
	"filename", "path", "ingestion_timestamp", "file_format", "compression_type",
}

// Dataset is a row-oriented table snapshot.
type Dataset struct {
	Columns []string
	Rows    []rows.Row
}

// Reader supplies named source tables.
type Reader interface {
	// ReadTable returns the table's rows and its known column set.
	ReadTable(ctx context.Context, table string) (*Dataset, error)
}

// QuarantineRow is one row removed by a quarantine validation, tagged with
// its cause.
type QuarantineRow struct {
	ID         string // unique per record, for traceability
	Validation string // validation name that removed the row
	Reason     string // human-readable failure reason
	Row        rows.Row
}

// WriteRequest carries one target table's final column set to a writer.
type WriteRequest struct {
	Pipeline string
	Table    string

	// Mode is one of config.ModeOverwrite, ModeAppend, ModeMerge.
	Mode string

	// MergeKey holds the upsert key columns; non-empty iff Mode is merge.
	MergeKey []string

	Columns []string
	Rows    [][]any

	// Quarantine is the side output for rows removed under the quarantine
	// action. It is written even when empty tables produce no main rows.
	Quarantine []QuarantineRow
}

// Writer commits a validated row set. A failed commit must leave no partial
// state visible (the engine treats any error as table-level fatal).
type Writer interface {
	Commit(ctx context.Context, req WriteRequest) error
}

// Store combines both collaborator roles.
type Store interface {
	Reader
	Writer
	Close() error
}

// WriteError wraps a backend-reported commit failure.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage: write %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Config selects and configures a backend.
type Config struct {
	// Kind names a registered backend: "memory", "sqlite", "postgres".
	Kind string

	// DSN is the backend connection string (file path for sqlite).
	DSN string

	// AutoCreateTable lets SQL backends create missing target tables from
	// the committed column set.
	AutoCreateTable bool

	// Options carries backend-specific extras.
	Options config.Options
}

// OpenFunc constructs a backend Store.
type OpenFunc func(ctx context.Context, cfg Config) (Store, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]OpenFunc{}
)

// Register installs (or replaces) a backend constructor for kind. Backends
// register themselves in init; binaries blank-import storage/all (or a
// subset) to choose what is linked in.
func Register(kind string, open OpenFunc) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = open
}

// New opens the backend named by cfg.Kind.
func New(ctx context.Context, cfg Config) (Store, error) {
	factoryMu.RLock()
	open, ok := factories[cfg.Kind]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend %q (is it imported?)", cfg.Kind)
	}
	return open(ctx, cfg)
}
