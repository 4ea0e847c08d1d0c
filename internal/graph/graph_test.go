package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"refinery/internal/config"
	"refinery/internal/registry"
)

// testRegistry installs the operation names graph construction needs to
// resolve, with trivial bodies; build never invokes them.
func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	identity := func(ctx context.Context, args []any, params config.Options) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	}
	ops := []registry.Operation{
		{Name: "copy", Cardinality: registry.OneToOne, Builtin: true, Fn: identity},
		{Name: "cast", Cardinality: registry.OneToOne, Builtin: true, Fn: identity},
		{Name: "parse_json", Cardinality: registry.OneToOne, Builtin: true, Structural: true},
		{Name: "parse_and_flatten", Cardinality: registry.Expanding, Builtin: true, Structural: true},
		{Name: "join", Cardinality: registry.Expanding, Builtin: true, Structural: true},
	}
	for _, op := range ops {
		if err := r.Install(op, false); err != nil {
			t.Fatalf("install %s: %v", op.Name, err)
		}
	}
	if err := r.InstallParser("json", func(s string) (any, error) { return s, nil }, false); err != nil {
		t.Fatalf("install parser: %v", err)
	}
	if err := r.InstallValidation("not_null", func(v any, p config.Options) (bool, error) { return v != nil, nil }, false); err != nil {
		t.Fatalf("install validation: %v", err)
	}
	return r
}

func spec(targets ...config.TargetTableSpec) *config.PipelineSpec {
	return &config.PipelineSpec{
		Name: "p",
		SourceTables: []config.SourceTableSpec{
			{Name: "src", Transients: []config.TransientSpec{
				{Name: "doc", Op: "parse_json", Field: "raw", Transient: true},
			}},
			{Name: "users"},
		},
		TargetTables: targets,
	}
}

/*
TestBuild_Basic builds a two-column target where the second column references
the first, and checks node kinds, edges, and the root set.
*/
func TestBuild_Basic(t *testing.T) {
	graphs, err := Build(spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{
			{Name: "a", Op: "copy", Field: "x"},
			{Name: "b", Op: "copy", Field: "a"},
		},
	}), testRegistry(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := graphs[0]

	a, b := g.Node("a"), g.Node("b")
	if a == nil || b == nil {
		t.Fatalf("missing nodes: a=%v b=%v", a, b)
	}
	if a.Kind != KindColumn || !a.Persist {
		t.Fatalf("a: kind=%v persist=%v", a.Kind, a.Persist)
	}
	if len(b.Inputs) != 1 || b.Inputs[0] != a {
		t.Fatalf("b should depend on a; inputs=%v", b.Inputs)
	}
	if len(g.Roots) != 1 || g.Roots[0].Name != "x" || g.Roots[0].Kind != KindSourceField {
		t.Fatalf("roots=%v; want single source field x", g.Roots)
	}
	if len(g.SourceTables) != 1 || g.SourceTables[0] != "src" {
		t.Fatalf("source tables=%v", g.SourceTables)
	}
}

/*
TestBuild_PullsSourceTransient verifies that referencing a source-level
transient materializes it as a graph node of kind KindSourceTransient with
declaration index -1, ahead of target entries.
*/
func TestBuild_PullsSourceTransient(t *testing.T) {
	graphs, err := Build(spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{
			{Name: "title", Op: "copy", Field: "doc.title"},
		},
	}), testRegistry(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := graphs[0]
	doc := g.Node("doc")
	if doc == nil || doc.Kind != KindSourceTransient {
		t.Fatalf("doc node=%v; want source transient", doc)
	}
	if doc.Decl != -1 || doc.SourceTable != "src" {
		t.Fatalf("doc decl=%d table=%q", doc.Decl, doc.SourceTable)
	}
	title := g.Node("title")
	if len(title.Inputs) != 1 || title.Inputs[0] != doc {
		t.Fatalf("title should depend on doc; inputs=%v", title.Inputs)
	}
}

/*
TestBuild_Cycle checks that mutually referencing columns abort the compile
with a CyclicDependencyError naming every member of the cycle.
*/
func TestBuild_Cycle(t *testing.T) {
	_, err := Build(spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{
			{Name: "a", Op: "copy", Field: "b"},
			{Name: "b", Op: "copy", Field: "c"},
			{Name: "c", Op: "copy", Field: "a"},
		},
	}), testRegistry(t))
	var ce *CyclicDependencyError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v; want CyclicDependencyError", err)
	}
	if ce.Table != "out" {
		t.Fatalf("cycle table=%q", ce.Table)
	}
	members := strings.Join(ce.Cycle, ",")
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(members, name) {
			t.Fatalf("cycle %v does not name %q", ce.Cycle, name)
		}
	}
}

/*
TestBuild_PrunesUnusedTransients verifies that a target-level transient no
persisted column depends on is dropped from the schedule rather than
rejected.
*/
func TestBuild_PrunesUnusedTransients(t *testing.T) {
	graphs, err := Build(spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{
			{Name: "dead", Op: "copy", Field: "x", Transient: true},
			{Name: "kept", Op: "copy", Field: "y"},
		},
	}), testRegistry(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := graphs[0]
	if g.Node("dead") != nil {
		t.Fatalf("unused transient was not pruned")
	}
	if g.Node("kept") == nil {
		t.Fatalf("kept column missing")
	}
	if len(g.Roots) != 1 || g.Roots[0].Name != "y" {
		t.Fatalf("roots=%v; want only y (x is referenced solely by pruned node)", g.Roots)
	}
}

/*
TestBuild_Errors covers compile-time rejections: unknown operation, unknown
parser, custom_op without its operation parameter, parse_and_flatten without
an explode step, and validations referencing undeclared fields.
*/
func TestBuild_Errors(t *testing.T) {
	cases := []struct {
		name   string
		target config.TargetTableSpec
	}{
		{
			name: "unknown op",
			target: config.TargetTableSpec{
				Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
				Columns: []config.ColumnSpec{{Name: "a", Op: "reverse", Field: "x"}},
			},
		},
		{
			name: "unknown parser",
			target: config.TargetTableSpec{
				Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
				Columns: []config.ColumnSpec{{Name: "a", Op: "parse_json", Field: "x", Parser: "toml"}},
			},
		},
		{
			name: "custom_op without operation param",
			target: config.TargetTableSpec{
				Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
				Columns: []config.ColumnSpec{{Name: "a", Op: "custom_op", Field: "x"}},
			},
		},
		{
			name: "parse_and_flatten without explode",
			target: config.TargetTableSpec{
				Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
				Columns: []config.ColumnSpec{{Name: "a", Op: "parse_and_flatten", Field: "x", Path: "items"}},
			},
		},
		{
			name: "validation on undeclared field",
			target: config.TargetTableSpec{
				Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
				Columns:    []config.ColumnSpec{{Name: "a", Op: "copy", Field: "x"}},
				Validation: []config.ValidationSpec{{Field: "ghost", Op: "not_null", Action: "drop"}},
			},
		},
	}
	for _, tc := range cases {
		if _, err := Build(spec(tc.target), testRegistry(t)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

/*
TestBuild_Join verifies join columns mark themselves exploding, register the
joined table as an additional source, and resolve their left key reference.
*/
func TestBuild_Join(t *testing.T) {
	graphs, err := Build(spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{
			{Name: "owner", Op: "join", Join: []config.JoinSpec{
				{Table: "users", LeftKey: "owner_id", RightKey: "user_id"},
			}},
			{Name: "kept", Op: "copy", Field: "x"},
		},
	}), testRegistry(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := graphs[0]
	owner := g.Node("owner")
	if owner == nil || !owner.Explode {
		t.Fatalf("join node should be exploding: %v", owner)
	}
	if len(owner.Refs) != 1 || owner.Refs[0].Path.Root() != "owner_id" {
		t.Fatalf("join refs=%v; want left key owner_id", owner.Refs)
	}
	found := false
	for _, st := range g.SourceTables {
		if st == "users" {
			found = true
		}
	}
	if !found {
		t.Fatalf("source tables=%v; join table not registered", g.SourceTables)
	}
}

/*
TestBuild_SelfNamedCopy builds a column whose name equals the source field it
copies. The reference must resolve to the raw source field, not to the column
itself, so the compile succeeds without a spurious cycle.
*/
func TestBuild_SelfNamedCopy(t *testing.T) {
	graphs, err := Build(spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{
			{Name: "title", Op: "copy", Field: "title"},
		},
	}), testRegistry(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := graphs[0]
	n := g.Node("title")
	if n == nil {
		t.Fatalf("column node missing")
	}
	if len(n.Inputs) != 0 {
		t.Fatalf("self-named copy must not depend on another node; inputs=%v", n.Inputs)
	}
	if len(n.Refs) != 1 || n.Refs[0].Node.Kind != KindSourceField {
		t.Fatalf("refs=%v; want a single raw source field reference", n.Refs)
	}
	if len(g.Roots) != 1 || g.Roots[0].Name != "title" {
		t.Fatalf("roots=%v; want source field title", g.Roots)
	}
}

/*
TestBuild_KeepsValidatedTransients verifies that a target-level transient
referenced only by a validation survives pruning, so the predicate sees the
derived value rather than a missing cell.
*/
func TestBuild_KeepsValidatedTransients(t *testing.T) {
	graphs, err := Build(spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{
			{Name: "score_num", Op: "cast", Field: "score", Transient: true},
			{Name: "kept", Op: "copy", Field: "x"},
		},
		Validation: []config.ValidationSpec{{Field: "score_num", Op: "not_null", Action: "drop"}},
	}), testRegistry(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := graphs[0]
	if g.Node("score_num") == nil {
		t.Fatalf("validated transient was pruned")
	}
	found := false
	for _, r := range g.Roots {
		if r.Name == "score" {
			found = true
		}
	}
	if !found {
		t.Fatalf("roots=%v; validated transient's source field missing", g.Roots)
	}
}

/*
TestBuild_ChecksUnreferencedTransients verifies that a source-level transient
no target references still has its op and parser resolved at compile time.
*/
func TestBuild_ChecksUnreferencedTransients(t *testing.T) {
	p := spec(config.TargetTableSpec{
		Table: "out", DefaultSource: "src", Mode: config.ModeOverwrite,
		Columns: []config.ColumnSpec{{Name: "a", Op: "copy", Field: "x"}},
	})
	p.SourceTables[0].Transients = append(p.SourceTables[0].Transients,
		config.TransientSpec{Name: "ghost", Op: "no_such_op", Field: "raw", Transient: true})
	if _, err := Build(p, testRegistry(t)); err == nil {
		t.Fatalf("expected error for unreferenced transient with unknown op")
	}

	p.SourceTables[0].Transients[1] = config.TransientSpec{
		Name: "ghost", Op: "parse_json", Field: "raw", Parser: "toml", Transient: true,
	}
	if _, err := Build(p, testRegistry(t)); err == nil {
		t.Fatalf("expected error for unreferenced transient with unknown parser")
	}
}
