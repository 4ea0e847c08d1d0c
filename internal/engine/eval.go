package engine

import (
	"context"
	"fmt"
	"time"

	"refinery/internal/config"
	"refinery/internal/fieldpath"
	"refinery/internal/graph"
	"refinery/internal/metrics"
	"refinery/internal/plan"
	"refinery/internal/storage"
	"refinery/pkg/rows"
)

// tableEval carries one target table's evaluation state: the current row
// set, which widens at each explode boundary and narrows as policies remove
// rows.
type tableEval struct {
	run    *runState
	plan   *plan.TablePlan
	target *config.TargetTableSpec
	res    *TableResult

	rows       []rows.Row
	quarantine []storage.QuarantineRow
	exploded   int64
}

// evalTarget runs one target table end to end: evaluate, validate, commit.
// Any error is table-level; it lands in the result and never escapes to the
// run.
func (run *runState) evalTarget(ctx context.Context, tp *plan.TablePlan, w storage.Writer) TableResult {
	tr := TableResult{Table: tp.Graph.Target.Table}
	e := &tableEval{run: run, plan: tp, target: tp.Graph.Target, res: &tr}
	name := run.p.Spec.Name

	start := time.Now()
	err := e.evaluate(ctx)
	metrics.RecordStage(name, tr.Table, "evaluate", err, time.Since(start))
	if err != nil {
		tr.Err = err
		return tr
	}
	if e.exploded > 0 {
		metrics.RecordRows(name, tr.Table, "exploded", e.exploded)
	}

	start = time.Now()
	err = e.runValidations(ctx)
	metrics.RecordStage(name, tr.Table, "validate", err, time.Since(start))
	if err != nil {
		tr.Err = err
		return tr
	}

	req := e.buildRequest()
	start = time.Now()
	err = w.Commit(ctx, req)
	metrics.RecordStage(name, tr.Table, "write", err, time.Since(start))
	if err != nil {
		tr.Err = &storage.WriteError{Table: tr.Table, Err: err}
		return tr
	}
	tr.Written = len(req.Rows)
	metrics.RecordRows(name, tr.Table, "written", int64(tr.Written))
	metrics.RecordRows(name, tr.Table, "dropped", int64(tr.Dropped))
	metrics.RecordRows(name, tr.Table, "quarantined", int64(tr.Quarantined))
	return tr
}

func (e *tableEval) evaluate(ctx context.Context) error {
	base, ok := e.run.tables[e.target.DefaultSource]
	if !ok {
		return fmt.Errorf("table %q: source table %q not loaded", e.target.Table, e.target.DefaultSource)
	}

	// Raw source field references could not be verified at compile time
	// (sources carry no schema); check them against the reader's column set
	// before touching any row.
	cols := map[string]bool{}
	for _, c := range base.Columns {
		cols[c] = true
	}
	for _, root := range e.plan.Graph.Roots {
		if !cols[root.Name] {
			return fmt.Errorf("table %q: source table %q has no column %q",
				e.target.Table, root.SourceTable, root.Name)
		}
	}

	e.rows = make([]rows.Row, len(base.Rows))
	for i, r := range base.Rows {
		e.rows[i] = r.Clone()
	}
	e.res.Read = len(e.rows)

	for i := range e.plan.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := &e.plan.Nodes[i]
		// Non-exploding source transients were materialized into the cached
		// rows; their value is already present under the transient name.
		if n.Kind == graph.KindSourceTransient && !n.Explode {
			continue
		}
		var err error
		switch n.Op {
		case "parse_json", "parse_and_flatten":
			err = e.evalParse(ctx, n)
		case "join":
			err = e.evalJoin(ctx, n)
		default:
			err = e.evalScalar(ctx, n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// evalScalar evaluates a 1:1 operation over the current row set.
func (e *tableEval) evalScalar(ctx context.Context, n *plan.Node) error {
	kept := e.rows[:0]
	for _, r := range e.rows {
		args := make([]any, 0, len(n.Refs))
		var rerr error
		for _, ref := range n.Refs {
			v, err := resolveCell(r, ref)
			if err != nil {
				rerr = err
				break
			}
			args = append(args, v)
		}
		if rerr == nil {
			var v any
			v, rerr = e.run.invokeOp(ctx, n.Node, args)
			if rerr == nil {
				r[n.Name] = v
				kept = append(kept, r)
				continue
			}
		}
		if err := e.rowFail(n.Node, r, rerr); err != nil {
			return err
		}
	}
	e.rows = kept
	return nil
}

// evalParse evaluates parse_json and parse_and_flatten. Exploding nodes
// replace each input row with one row per addressed array element; the
// element lands under the node's name and all other cells carry over, so
// ancestor fields stay addressable in the widened scope.
func (e *tableEval) evalParse(ctx context.Context, n *plan.Node) error {
	idx := n.Path.ExplodeIndex()
	var pre, suf fieldpath.Path
	if idx >= 0 {
		pre, suf = n.Path.Split(idx)
	}

	before := len(e.rows)
	out := make([]rows.Row, 0, before)
	for _, r := range e.rows {
		var parsed any
		var rerr error
		if n.Kind == graph.KindSourceTransient {
			// Exploding source transients cache the parsed root.
			if ce, bad := r[n.Name].(cellError); bad {
				rerr = ce.err
			} else {
				parsed = r[n.Name]
			}
		} else {
			parsed, rerr = e.run.parseCell(ctx, n.Node, r)
		}
		if rerr != nil {
			if err := e.rowFail(n.Node, r, rerr); err != nil {
				return err
			}
			continue
		}

		if !n.Explode {
			final, _ := n.Path.Resolve(parsed)
			if len(n.Schema) > 0 {
				final, rerr = applySchema(final, n.Schema)
				if rerr != nil {
					if err := e.rowFail(n.Node, r, rerr); err != nil {
						return err
					}
					continue
				}
			}
			r[n.Name] = final
			out = append(out, r)
			continue
		}

		arrv, _ := pre.Resolve(parsed)
		if arrv == nil {
			// Nothing to fan out; the row yields zero children.
			continue
		}
		arr, ok := arrv.([]any)
		if !ok {
			rerr = fmt.Errorf("path %q: expected an array, got %T", n.Path, arrv)
			if err := e.rowFail(n.Node, r, rerr); err != nil {
				return err
			}
			continue
		}
		for _, elem := range arr {
			val, _ := suf.Resolve(elem)
			if len(n.Schema) > 0 {
				var serr error
				val, serr = applySchema(val, n.Schema)
				if serr != nil {
					if err := e.rowFail(n.Node, r, serr); err != nil {
						return err
					}
					continue
				}
			}
			child := r.Clone()
			child[n.Name] = val
			out = append(out, child)
		}
	}
	if grown := len(out) - before; grown > 0 {
		e.exploded += int64(grown)
	}
	e.rows = out
	return nil
}

// evalJoin folds the node's join specs over the current row set. Each spec
// emits one row per matched right row; inner misses drop the row, left
// misses keep it with null-filled right columns. Right tables index lazily,
// once per spec.
func (e *tableEval) evalJoin(ctx context.Context, n *plan.Node) error {
	joinType := n.Params.String("join_type", "inner")
	// Left key refs sit at the tail of the ref list, aligned with Join order.
	offset := len(n.Refs) - len(n.Join)

	cur := e.rows
	before := len(cur)
	for si := range n.Join {
		js := &n.Join[si]
		right, ok := e.run.tables[js.Table]
		if !ok {
			return fmt.Errorf("table %q: join table %q not loaded", e.target.Table, js.Table)
		}
		rkey, err := fieldpath.Parse(js.RightKey)
		if err != nil {
			return &config.ConfigError{Path: n.DocPath, Reason: err.Error()}
		}
		index := map[string][]rows.Row{}
		for _, rr := range right.Rows {
			if v, ok := resolveRowPath(rr, rkey); ok {
				if key, usable := joinKey(v); usable {
					index[key] = append(index[key], rr)
				}
			}
		}
		rightCols := js.Columns
		if len(rightCols) == 0 {
			rightCols = right.Columns
		}

		next := make([]rows.Row, 0, len(cur))
		for _, r := range cur {
			lv, rerr := resolveCell(r, n.Refs[offset+si])
			if rerr != nil {
				if err := e.rowFail(n.Node, r, rerr); err != nil {
					return err
				}
				continue
			}
			var matches []rows.Row
			if key, usable := joinKey(lv); usable {
				matches = index[key]
			}
			if len(matches) == 0 {
				if joinType == "left" {
					child := r.Clone()
					mergeJoinValue(child, n.Name, rightCols, nil)
					next = append(next, child)
				}
				continue
			}
			for _, m := range matches {
				child := r.Clone()
				mergeJoinValue(child, n.Name, rightCols, m)
				next = append(next, child)
			}
		}
		cur = next
	}
	if grown := len(cur) - before; grown > 0 {
		e.exploded += int64(grown)
	}
	e.rows = cur
	return nil
}

// mergeJoinValue folds one matched right row (nil for a left-join miss) into
// the join node's output map on the row.
func mergeJoinValue(r rows.Row, name string, cols []string, match rows.Row) {
	merged := map[string]any{}
	if prev, ok := r[name].(map[string]any); ok {
		for k, v := range prev {
			merged[k] = v
		}
	}
	for _, c := range cols {
		if match == nil {
			merged[c] = nil
		} else {
			merged[c] = match[c]
		}
	}
	r[name] = merged
}

// joinKey renders a join key value for hash matching. Nil keys never match.
func joinKey(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// resolveRowPath walks a path whose root is a row cell.
func resolveRowPath(r rows.Row, p fieldpath.Path) (any, bool) {
	root := p.Root()
	v, ok := r[root]
	if !ok {
		return nil, false
	}
	return p.Rest().Resolve(v)
}

// rowFail applies the field's configured failure action to a row-level
// error. Drop and quarantine remove the row; fail (the default) aborts the
// table.
func (e *tableEval) rowFail(n *graph.Node, r rows.Row, cause error) error {
	switch e.actionFor(n.Name) {
	case config.ActionDrop:
		e.res.Dropped++
		return nil
	case config.ActionQuarantine:
		e.res.Quarantined++
		e.quarantine = append(e.quarantine, storage.QuarantineRow{
			ID:         newQuarantineID(),
			Validation: n.Op,
			Reason:     cause.Error(),
			Row:        sanitizeRow(r),
		})
		return nil
	default:
		return &ValidationFailure{
			Table:      e.target.Table,
			Field:      n.Name,
			Validation: n.Op,
			Reason:     cause.Error(),
		}
	}
}

// actionFor returns the failure action configured for a field: the action of
// the first validation declared on it, defaulting to fail.
func (e *tableEval) actionFor(field string) string {
	for i := range e.target.Validation {
		v := &e.target.Validation[i]
		fp, err := fieldpath.Parse(v.Field)
		if err != nil {
			continue
		}
		if fp.Root() == field {
			if v.Action == "" {
				return config.ActionFail
			}
			return v.Action
		}
	}
	return config.ActionFail
}

// sanitizeRow prepares a row for quarantine output: deferred cell errors
// flatten into their message strings so every cell is serializable.
func sanitizeRow(r rows.Row) rows.Row {
	out := r.Clone()
	for k, v := range out {
		if ce, ok := v.(cellError); ok {
			out[k] = ce.err.Error()
		}
	}
	return out
}

// buildRequest projects the surviving rows onto the persisted column set, in
// declaration order.
func (e *tableEval) buildRequest() storage.WriteRequest {
	var cols []string
	for i := range e.target.Columns {
		if !e.target.Columns[i].Transient {
			cols = append(cols, e.target.Columns[i].Name)
		}
	}
	out := make([][]any, len(e.rows))
	for i, r := range e.rows {
		out[i] = r.Project(cols)
	}
	mode := e.target.Mode
	if mode == "" {
		mode = config.ModeOverwrite
	}
	return storage.WriteRequest{
		Pipeline:   e.run.p.Spec.Name,
		Table:      e.target.Table,
		Mode:       mode,
		MergeKey:   e.target.MergeKeys(),
		Columns:    cols,
		Rows:       out,
		Quarantine: e.quarantine,
	}
}

// applySchema coerces the named fields of a structural value to their
// declared types. The input map is copied, never mutated; parsed values are
// shared across targets.
func applySchema(v any, schema []config.SchemaField) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		out[k] = val
	}
	for _, f := range schema {
		val, present := out[f.Name]
		if !present || val == nil {
			continue
		}
		coerced, err := castValue(val, f.Type, false, "")
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", f.Name, err)
		}
		out[f.Name] = coerced
	}
	return out, nil
}
