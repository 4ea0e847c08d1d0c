package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"refinery/internal/graph"
	"refinery/internal/metrics"
	"refinery/internal/storage"
	"refinery/pkg/rows"
)

const (
	defaultConcurrency = 4
	defaultOpTimeout   = 5 * time.Second
)

// Config tunes one execution of a compiled pipeline.
type Config struct {
	// Concurrency bounds the number of target tables evaluated at once.
	// Zero means defaultConcurrency.
	Concurrency int

	// OpTimeout bounds each invocation of a registered (non-builtin)
	// operation, parser, or validation. Zero means defaultOpTimeout.
	OpTimeout time.Duration

	Logger *log.Logger
}

// TableResult summarizes one target table's outcome.
type TableResult struct {
	Table       string
	Read        int
	Written     int
	Dropped     int
	Quarantined int
	Err         error
}

// Result summarizes one pipeline run.
type Result struct {
	RunID  string
	Tables []TableResult
}

// Failed reports whether any table ended in error.
func (r *Result) Failed() bool {
	for i := range r.Tables {
		if r.Tables[i].Err != nil {
			return true
		}
	}
	return false
}

// cellError is a row cell holding a deferred row-level error. Source-level
// transients are materialized once before any target policy is known, so an
// error is carried in the cell and surfaces under each target's own policy
// when referenced.
type cellError struct{ err error }

// runState is the per-run shared context: the configuration and the source
// table cache. The cache is written only during materialization; target
// goroutines read it concurrently afterwards.
type runState struct {
	p      *Pipeline
	cfg    Config
	tables map[string]*storage.Dataset
}

// Run executes the compiled pipeline. Source tables are read and their
// shared transients materialized once; target tables then evaluate
// concurrently, each isolated so one table's failure never blocks its
// siblings. The returned error is reserved for run-level problems (context
// cancellation, unreadable sources); per-table failures land in the result.
func (p *Pipeline) Run(ctx context.Context, r storage.Reader, w storage.Writer, cfg Config) (*Result, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	run := &runState{p: p, cfg: cfg, tables: map[string]*storage.Dataset{}}
	res := &Result{RunID: uuid.NewString()}
	cfg.Logger.Printf("pipeline %s: run %s starting (%d target tables)",
		p.Spec.Name, res.RunID, len(p.Plans))

	if err := run.readSources(ctx, r); err != nil {
		return nil, err
	}
	if err := run.materializeTransients(ctx); err != nil {
		return nil, err
	}

	results := make([]TableResult, len(p.Plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, tp := range p.Plans {
		g.Go(func() error {
			tr := run.evalTarget(gctx, tp, w)
			results[i] = tr
			metrics.RecordTable(p.Spec.Name, tr.Table, tr.Err)
			if tr.Err != nil {
				cfg.Logger.Printf("pipeline %s: table %s failed: %v", p.Spec.Name, tr.Table, tr.Err)
				// Sibling tables keep going; only cancellation stops the run.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			cfg.Logger.Printf("pipeline %s: table %s: read=%d written=%d dropped=%d quarantined=%d",
				p.Spec.Name, tr.Table, tr.Read, tr.Written, tr.Dropped, tr.Quarantined)
			return nil
		})
	}
	err := g.Wait()
	res.Tables = results
	if ferr := metrics.Flush(); ferr != nil {
		cfg.Logger.Printf("pipeline %s: metrics flush: %v", p.Spec.Name, ferr)
	}
	return res, err
}

// readSources loads every source table any target plan references, cloning
// rows so the cache owns its data.
func (run *runState) readSources(ctx context.Context, r storage.Reader) error {
	for _, tp := range run.p.Plans {
		for _, table := range tp.Graph.SourceTables {
			if _, ok := run.tables[table]; ok {
				continue
			}
			start := time.Now()
			ds, err := r.ReadTable(ctx, table)
			metrics.RecordStage(run.p.Spec.Name, table, "read", err, time.Since(start))
			if err != nil {
				return fmt.Errorf("read source table %q: %w", table, err)
			}
			cloned := &storage.Dataset{Columns: ds.Columns, Rows: make([]rows.Row, len(ds.Rows))}
			for i, row := range ds.Rows {
				cloned.Rows[i] = row.Clone()
			}
			run.tables[table] = cloned
			metrics.RecordRows(run.p.Spec.Name, table, "read", int64(len(ds.Rows)))
		}
	}
	return nil
}

// materializeTransients evaluates each source-level transient once per
// source table, regardless of how many targets reference it. Non-exploding
// transients cache their final value; exploding ones cache the parsed root,
// and each target plan fans out from it in its own scope. Row-level errors
// are stored as cellError and surface under the referencing target's policy.
func (run *runState) materializeTransients(ctx context.Context) error {
	done := map[string]bool{} // "table\x00name"
	for _, tp := range run.p.Plans {
		for i := range tp.Nodes {
			n := tp.Nodes[i].Node
			if n.Kind != graph.KindSourceTransient {
				continue
			}
			key := n.SourceTable + "\x00" + n.Name
			if done[key] {
				continue
			}
			done[key] = true
			ds, ok := run.tables[n.SourceTable]
			if !ok {
				return fmt.Errorf("transient %q: source table %q not loaded", n.Name, n.SourceTable)
			}
			for _, row := range ds.Rows {
				row[n.Name] = run.transientValue(ctx, n, row)
			}
		}
	}
	return nil
}

// transientValue computes one transient cell: the parse result for
// structural ops (path-resolved for non-exploding ones, parsed root for
// exploding ones), or the operation output otherwise.
func (run *runState) transientValue(ctx context.Context, n *graph.Node, row rows.Row) any {
	if n.OpImpl.Structural {
		parsed, err := run.parseCell(ctx, n, row)
		if err != nil {
			return cellError{err}
		}
		if n.Explode {
			return parsed
		}
		final, _ := n.Path.Resolve(parsed)
		if len(n.Schema) > 0 {
			coerced, err := applySchema(final, n.Schema)
			if err != nil {
				return cellError{err}
			}
			return coerced
		}
		return final
	}

	args := make([]any, 0, len(n.Refs))
	for _, ref := range n.Refs {
		v, err := resolveCell(row, ref)
		if err != nil {
			return cellError{err}
		}
		args = append(args, v)
	}
	v, err := run.invokeOp(ctx, n, args)
	if err != nil {
		return cellError{err}
	}
	return v
}

// parseCell resolves a parse node's input text and decodes it. Values that
// already arrive structured (maps, slices) pass through undecoded.
func (run *runState) parseCell(ctx context.Context, n *graph.Node, row rows.Row) (any, error) {
	var raw any
	if len(n.Refs) > 0 {
		v, err := resolveCell(row, n.Refs[0])
		if err != nil {
			return nil, err
		}
		raw = v
	}
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return run.invokeParser(ctx, n.Parser, v)
	case []byte:
		return run.invokeParser(ctx, n.Parser, string(v))
	default:
		return v, nil
	}
}

func (run *runState) invokeParser(ctx context.Context, name, text string) (any, error) {
	fn, builtin, err := run.p.reg.Parser(name)
	if err != nil {
		return nil, err
	}
	if builtin {
		return fn(text)
	}
	return run.invoke(ctx, "parser "+name, func(context.Context) (any, error) {
		return fn(text)
	})
}

func (run *runState) invokeOp(ctx context.Context, n *graph.Node, args []any) (any, error) {
	op := n.OpImpl
	if op.Builtin {
		return op.Fn(ctx, args, n.Params)
	}
	return run.invoke(ctx, "operation "+op.Name, func(ictx context.Context) (any, error) {
		return op.Fn(ictx, args, n.Params)
	})
}

// invoke runs user-registered code under the per-invocation timeout,
// converting panics into row-level errors so one bad extension cannot take
// down the run.
func (run *runState) invoke(ctx context.Context, name string, call func(context.Context) (any, error)) (any, error) {
	ictx, cancel := context.WithTimeout(ctx, run.cfg.OpTimeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%s: panic: %v", name, r)}
			}
		}()
		v, err := call(ictx)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.v, out.err
	case <-ictx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Name: name, Timeout: run.cfg.OpTimeout}
	}
}

// resolveCell resolves one reference against a row. A missing root or
// non-applicable path yields nil (absent data is a validation concern, not
// an evaluation error); a cached cellError propagates as the error.
func resolveCell(row rows.Row, ref graph.Ref) (any, error) {
	root := ref.Path.Root()
	v, ok := row[root]
	if !ok {
		return nil, nil
	}
	if ce, bad := v.(cellError); bad {
		return nil, ce.err
	}
	out, ok := ref.Path.Rest().Resolve(v)
	if !ok {
		return nil, nil
	}
	return out, nil
}
