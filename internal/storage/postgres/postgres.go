// Package postgres implements a Postgres storage backend using pgx v5.
// Appends use COPY; merge commits COPY into a temporary staging table, then
// delete matching keys and insert from staging inside one transaction, so a
// failed commit leaves the target untouched.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"refinery/internal/config"
	"refinery/internal/storage"
	"refinery/pkg/rows"
)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is a Postgres-backed implementation of storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pgx pool using cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pgxpool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ReadTable implements storage.Reader.
func (s *Store) ReadTable(ctx context.Context, table string) (*storage.Dataset, error) {
	rs, err := s.pool.Query(ctx, "SELECT * FROM "+pgFQN(table))
	if err != nil {
		return nil, fmt.Errorf("postgres: read %s: %w", table, err)
	}
	defer rs.Close()

	fields := rs.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f.Name)
	}
	ds := &storage.Dataset{Columns: cols}
	for rs.Next() {
		vals, err := rs.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", table, err)
		}
		r := make(rows.Row, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		ds.Rows = append(ds.Rows, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read %s: %w", table, err)
	}
	return ds, nil
}

// Commit implements storage.Writer.
func (s *Store) Commit(ctx context.Context, req storage.WriteRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &storage.WriteError{Table: req.Table, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.commitTx(ctx, tx, req); err != nil {
		return &storage.WriteError{Table: req.Table, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &storage.WriteError{Table: req.Table, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func (s *Store) commitTx(ctx context.Context, tx pgx.Tx, req storage.WriteRequest) error {
	fq := pgFQN(req.Table)

	switch req.Mode {
	case config.ModeOverwrite:
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+fq); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		if err := copyRows(ctx, tx, fq, req.Columns, req.Rows); err != nil {
			return err
		}

	case config.ModeAppend:
		if err := copyRows(ctx, tx, fq, req.Columns, req.Rows); err != nil {
			return err
		}

	case config.ModeMerge:
		if len(req.MergeKey) == 0 {
			return fmt.Errorf("merge mode without merge key")
		}
		// Stage into a temp table, delete matching keys, insert from staging.
		tmp := "staging_" + strings.ReplaceAll(req.Table, ".", "_")
		create := fmt.Sprintf(
			"CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WHERE false",
			pgIdent(tmp), strings.Join(identAll(req.Columns), ", "), fq,
		)
		if _, err := tx.Exec(ctx, create); err != nil {
			return fmt.Errorf("create staging: %w", err)
		}
		if err := copyRows(ctx, tx, pgIdent(tmp), req.Columns, req.Rows); err != nil {
			return err
		}
		var conds []string
		for _, k := range req.MergeKey {
			conds = append(conds, fmt.Sprintf("t.%s = s.%s", pgIdent(k), pgIdent(k)))
		}
		del := fmt.Sprintf("DELETE FROM %s AS t USING %s AS s WHERE %s",
			fq, pgIdent(tmp), strings.Join(conds, " AND "))
		if _, err := tx.Exec(ctx, del); err != nil {
			return fmt.Errorf("delete matching keys: %w", err)
		}
		ins := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			fq, strings.Join(identAll(req.Columns), ", "),
			strings.Join(identAll(req.Columns), ", "), pgIdent(tmp))
		if _, err := tx.Exec(ctx, ins); err != nil {
			return fmt.Errorf("insert from staging: %w", err)
		}

	default:
		return fmt.Errorf("unknown write mode %q", req.Mode)
	}

	return writeQuarantine(ctx, tx, req)
}

func copyRows(ctx context.Context, tx pgx.Tx, table string, columns []string, rowVals [][]any) error {
	if len(rowVals) == 0 {
		return nil
	}
	ident := pgx.Identifier(strings.Split(strings.Trim(table, `"`), `"."`))
	n, err := tx.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rowVals))
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if n != int64(len(rowVals)) {
		return fmt.Errorf("copy: wrote %d of %d rows", n, len(rowVals))
	}
	return nil
}

func writeQuarantine(ctx context.Context, tx pgx.Tx, req storage.WriteRequest) error {
	if len(req.Quarantine) == 0 {
		return nil
	}
	qt := pgFQN(req.Table + "_quarantine")
	create := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, validation text, reason text, row jsonb)", qt)
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("create quarantine table: %w", err)
	}
	for _, q := range req.Quarantine {
		b, err := json.Marshal(map[string]any(q.Row))
		if err != nil {
			return fmt.Errorf("encode quarantine row: %w", err)
		}
		ins := fmt.Sprintf("INSERT INTO %s (id, validation, reason, row) VALUES ($1, $2, $3, $4)", qt)
		if _, err := tx.Exec(ctx, ins, q.ID, q.Validation, q.Reason, b); err != nil {
			return fmt.Errorf("quarantine insert: %w", err)
		}
	}
	return nil
}

// pgIdent quotes a single identifier.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgFQN quotes a possibly schema-qualified name ("silver.answers").
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

func identAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgIdent(n)
	}
	return out
}
