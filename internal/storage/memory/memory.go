// Package memory implements an in-process storage backend. It is the
// canonical backend for tests and for embedding the engine as a library:
// source tables are seeded directly, committed tables and quarantine sets
// are inspected directly, and all three write modes are implemented with
// full upsert semantics.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeebo/xxh3"

	"refinery/internal/config"
	"refinery/internal/storage"
	"refinery/pkg/rows"
)

func init() {
	storage.Register("memory", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return NewStore(nil), nil
	})
}

// Store holds tables in memory. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	tables      map[string]*storage.Dataset
	quarantines map[string][]storage.QuarantineRow
}

// NewStore seeds a store with the given source tables (may be nil).
func NewStore(tables map[string]*storage.Dataset) *Store {
	s := &Store{
		tables:      map[string]*storage.Dataset{},
		quarantines: map[string][]storage.QuarantineRow{},
	}
	for name, ds := range tables {
		s.tables[name] = ds
	}
	return s
}

// Seed adds or replaces a source table.
func (s *Store) Seed(name string, ds *storage.Dataset) {
	s.mu.Lock()
	s.tables[name] = ds
	s.mu.Unlock()
}

// ReadTable implements storage.Reader.
func (s *Store) ReadTable(ctx context.Context, table string) (*storage.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("memory: unknown table %q", table)
	}
	return ds, nil
}

// Commit implements storage.Writer.
func (s *Store) Commit(ctx context.Context, req storage.WriteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := make([]rows.Row, len(req.Rows))
	for i, vals := range req.Rows {
		r := make(rows.Row, len(req.Columns))
		for j, c := range req.Columns {
			r[c] = vals[j]
		}
		incoming[i] = r
	}

	switch req.Mode {
	case config.ModeOverwrite:
		s.tables[req.Table] = &storage.Dataset{Columns: req.Columns, Rows: incoming}

	case config.ModeAppend:
		ds, ok := s.tables[req.Table]
		if !ok {
			ds = &storage.Dataset{Columns: req.Columns}
			s.tables[req.Table] = ds
		}
		ds.Rows = append(ds.Rows, incoming...)

	case config.ModeMerge:
		if len(req.MergeKey) == 0 {
			return &storage.WriteError{Table: req.Table, Err: fmt.Errorf("merge mode without merge key")}
		}
		ds, ok := s.tables[req.Table]
		if !ok {
			ds = &storage.Dataset{Columns: req.Columns}
			s.tables[req.Table] = ds
		}
		// Index existing rows by key hash; insert new keys, overwrite
		// matching keys' fields. Applying the same batch twice yields the
		// same table state.
		index := map[uint64]int{}
		for i, r := range ds.Rows {
			index[keyHash(r, req.MergeKey)] = i
		}
		for _, r := range incoming {
			h := keyHash(r, req.MergeKey)
			if i, ok := index[h]; ok {
				for k, v := range r {
					ds.Rows[i][k] = v
				}
			} else {
				index[h] = len(ds.Rows)
				ds.Rows = append(ds.Rows, r)
			}
		}

	default:
		return &storage.WriteError{Table: req.Table, Err: fmt.Errorf("unknown write mode %q", req.Mode)}
	}

	s.quarantines[req.Table] = append(s.quarantines[req.Table], req.Quarantine...)
	return nil
}

// Table returns a committed (or seeded) table, or nil.
func (s *Store) Table(name string) *storage.Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[name]
}

// Quarantine returns the quarantine set accumulated for a target table.
func (s *Store) Quarantine(table string) []storage.QuarantineRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quarantines[table]
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

// keyHash fingerprints a row's merge-key tuple. Values are rendered through
// fmt with a separator byte so adjacent fields cannot collide.
func keyHash(r rows.Row, keys []string) uint64 {
	h := xxh3.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%v", r[k])
		h.Write([]byte{0})
	}
	return h.Sum64()
}
