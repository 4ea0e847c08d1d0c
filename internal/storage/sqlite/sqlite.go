// Package sqlite implements a SQLite-backed storage backend using
// database/sql. Commits run inside a single transaction per target table;
// SQLite has no dedicated bulk-load API, but transactions keep performance
// acceptable for moderate volumes and guarantee no partial commit becomes
// visible on failure.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // cgo-free SQLite driver

	"refinery/internal/config"
	"refinery/internal/storage"
	"refinery/pkg/rows"
)

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is a SQLite-backed implementation of storage.Store.
type Store struct {
	db         *sql.DB
	autoCreate bool
}

// Open opens a SQLite database. The DSN is passed directly to database/sql,
// e.g. "file:refinery.db?cache=shared" or a plain path.
func Open(ctx context.Context, cfg storage.Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Store{db: db, autoCreate: cfg.AutoCreateTable}, nil
}

// Close implements storage.Store.
func (s *Store) Close() error { return s.db.Close() }

// ReadTable implements storage.Reader.
func (s *Store) ReadTable(ctx context.Context, table string) (*storage.Dataset, error) {
	rs, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("sqlite: read %s: %w", table, err)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns of %s: %w", table, err)
	}
	ds := &storage.Dataset{Columns: cols}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rs.Next() {
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", table, err)
		}
		r := make(rows.Row, len(cols))
		for i, c := range cols {
			r[c] = normalize(vals[i])
		}
		ds.Rows = append(ds.Rows, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: read %s: %w", table, err)
	}
	return ds, nil
}

// Commit implements storage.Writer. All statements for one request run in a
// single transaction; any error rolls the whole commit back.
func (s *Store) Commit(ctx context.Context, req storage.WriteRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.WriteError{Table: req.Table, Err: fmt.Errorf("begin tx: %w", err)}
	}
	if err := s.commitTx(ctx, tx, req); err != nil {
		_ = tx.Rollback()
		return &storage.WriteError{Table: req.Table, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &storage.WriteError{Table: req.Table, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func (s *Store) commitTx(ctx context.Context, tx *sql.Tx, req storage.WriteRequest) error {
	if s.autoCreate {
		if err := s.ensureTable(ctx, tx, req); err != nil {
			return err
		}
	}

	table := quoteIdent(req.Table)
	colList := strings.Join(quoteAll(req.Columns), ", ")
	placeholders := strings.Repeat("?, ", len(req.Columns))
	placeholders = strings.TrimSuffix(placeholders, ", ")

	var stmtSQL string
	switch req.Mode {
	case config.ModeOverwrite:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("overwrite delete: %w", err)
		}
		stmtSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, colList, placeholders)
	case config.ModeAppend:
		stmtSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, colList, placeholders)
	case config.ModeMerge:
		if len(req.MergeKey) == 0 {
			return fmt.Errorf("merge mode without merge key")
		}
		var updates []string
		for _, c := range req.Columns {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
		}
		stmtSQL = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			table, colList, placeholders,
			strings.Join(quoteAll(req.MergeKey), ", "),
			strings.Join(updates, ", "),
		)
	default:
		return fmt.Errorf("unknown write mode %q", req.Mode)
	}

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, row := range req.Rows {
		if len(row) != len(req.Columns) {
			return fmt.Errorf("row length %d != columns length %d", len(row), len(req.Columns))
		}
		if _, err := stmt.ExecContext(ctx, bindAll(row)...); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}

	return s.writeQuarantine(ctx, tx, req)
}

// writeQuarantine appends quarantined rows to a side table named
// "<table>_quarantine", creating it on first use.
func (s *Store) writeQuarantine(ctx context.Context, tx *sql.Tx, req storage.WriteRequest) error {
	if len(req.Quarantine) == 0 {
		return nil
	}
	qt := quoteIdent(req.Table + "_quarantine")
	create := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, validation TEXT, reason TEXT, row_json TEXT)", qt)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create quarantine table: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, validation, reason, row_json) VALUES (?, ?, ?, ?)", qt))
	if err != nil {
		return fmt.Errorf("prepare quarantine insert: %w", err)
	}
	defer stmt.Close()
	for _, q := range req.Quarantine {
		if _, err := stmt.ExecContext(ctx, q.ID, q.Validation, q.Reason, encodeRow(q.Row)); err != nil {
			return fmt.Errorf("quarantine insert: %w", err)
		}
	}
	return nil
}

// ensureTable creates the target table from the committed column set when it
// does not exist. Column affinity is inferred from the first non-nil value
// per column; merge keys become the primary key so ON CONFLICT has a
// conflict target.
func (s *Store) ensureTable(ctx context.Context, tx *sql.Tx, req storage.WriteRequest) error {
	defs := make([]string, 0, len(req.Columns))
	for i, c := range req.Columns {
		defs = append(defs, quoteIdent(c)+" "+affinity(req.Rows, i))
	}
	if len(req.MergeKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoteAll(req.MergeKey), ", ")+")")
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(req.Table), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("auto-create table: %w", err)
	}
	return nil
}

func affinity(rowVals [][]any, col int) string {
	for _, row := range rowVals {
		if col >= len(row) || row[col] == nil {
			continue
		}
		switch row[col].(type) {
		case int, int64:
			return "INTEGER"
		case float64:
			return "REAL"
		case bool:
			return "INTEGER"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// bindAll converts engine values into driver-friendly ones: bools become
// 0/1, nested structures are stored as their fmt rendering.
func bindAll(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch t := v.(type) {
		case bool:
			if t {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		case []any, map[string]any:
			out[i] = fmt.Sprintf("%v", t)
		case time.Time:
			out[i] = t.UTC().Format(time.RFC3339)
		default:
			out[i] = v
		}
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

func encodeRow(r rows.Row) string {
	b, err := json.Marshal(map[string]any(r))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(r))
	}
	return string(b)
}
