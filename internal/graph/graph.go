// Package graph builds the per-target dependency DAG from a pipeline spec.
//
// Nodes are target columns, target-level transients, and the source-level
// transients they pull in transitively; raw source fields are roots with no
// producer. Edges follow field references. Construction resolves every
// operation, parser, and validation name against the registry, detects
// reference cycles, and prunes nodes that no persisted column or validation
// depends on (unused transients are legal dead code, never evaluated).
package graph

import (
	"fmt"
	"strings"

	"refinery/internal/config"
	"refinery/internal/fieldpath"
	"refinery/internal/registry"
)

// Kind classifies a node.
type Kind int

const (
	// KindSourceField is a raw field on a source table; a graph root.
	KindSourceField Kind = iota
	// KindSourceTransient is a source-level transient shared across targets.
	KindSourceTransient
	// KindTargetTransient is a target-level transient.
	KindTargetTransient
	// KindColumn is a persisted target column.
	KindColumn
)

// Ref is one resolved field reference: the full dotted path plus the node
// producing its root segment.
type Ref struct {
	Path fieldpath.Path
	Node *Node
}

// Node is one derivation in a target table's DAG.
type Node struct {
	Name    string
	Kind    Kind
	Op      string
	OpImpl  registry.Operation
	Refs    []Ref
	Inputs  []*Node
	Explode bool
	Persist bool
	Decl    int    // declaration order in the document, for stable plans
	DocPath string // document path for error reporting

	// Parse operation attributes.
	Path   fieldpath.Path
	Parser string
	Schema []config.SchemaField

	Params config.Options

	// Join attributes (Op == "join").
	Join []config.JoinSpec

	// SourceTable names the owning table for source fields and source-level
	// transients.
	SourceTable string
}

// TableGraph is the compiled DAG for one target table.
type TableGraph struct {
	Target *config.TargetTableSpec

	// Nodes holds every scheduled (post-prune) non-root node keyed by name,
	// plus the slice in declaration order for deterministic iteration.
	Nodes  []*Node
	byName map[string]*Node

	// Roots are the raw source fields referenced by scheduled nodes.
	Roots []*Node

	// SourceTables lists every table this target reads: the default source
	// plus join tables, deduplicated in reference order.
	SourceTables []string
}

// Node returns the scheduled node with the given name, or nil.
func (g *TableGraph) Node(name string) *Node {
	return g.byName[name]
}

// CyclicDependencyError reports a reference cycle among transients/columns,
// naming the members in detected order.
type CyclicDependencyError struct {
	Table string
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("graph: cycle in table %q: %s", e.Table, strings.Join(e.Cycle, " -> "))
}

// Build constructs one TableGraph per target table. Any unresolved operation,
// parser, or validation reference, malformed path, dangling transient
// reference, or cycle aborts the whole compile.
func Build(p *config.PipelineSpec, reg *registry.Registry) ([]*TableGraph, error) {
	sources := map[string]*config.SourceTableSpec{}
	for i := range p.SourceTables {
		st := &p.SourceTables[i]
		sources[st.Name] = st
		// Every declared transient must resolve, referenced or not. Unused
		// ones stay legal and unevaluated, but a dangling op, parser, or
		// malformed path is a document defect regardless.
		for j := range st.Transients {
			if err := checkTransient(&st.Transients[j], i, j, reg); err != nil {
				return nil, err
			}
		}
	}

	out := make([]*TableGraph, 0, len(p.TargetTables))
	for ti := range p.TargetTables {
		tt := &p.TargetTables[ti]
		g, err := buildTarget(tt, ti, sources, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

type builder struct {
	target  *config.TargetTableSpec
	docBase string
	sources map[string]*config.SourceTableSpec
	reg     *registry.Registry

	nodes     map[string]*Node // by produced name (non-root)
	roots     map[string]*Node // by source field name
	order     []*Node          // declaration order
	validated []*Node          // nodes referenced by validation fields
	tables    []string
	seen      map[string]struct{} // table dedupe
}

func buildTarget(tt *config.TargetTableSpec, ti int, sources map[string]*config.SourceTableSpec, reg *registry.Registry) (*TableGraph, error) {
	b := &builder{
		target:  tt,
		docBase: fmt.Sprintf("target_tables[%d]", ti),
		sources: sources,
		reg:     reg,
		nodes:   map[string]*Node{},
		roots:   map[string]*Node{},
		seen:    map[string]struct{}{},
	}
	b.addTable(tt.DefaultSource)

	// Pass 1: declare all target-level nodes so forward references resolve.
	decl := 0
	for ci := range tt.Columns {
		c := &tt.Columns[ci]
		kind := KindColumn
		if c.Transient {
			kind = KindTargetTransient
		}
		n := &Node{
			Name:    c.Name,
			Kind:    kind,
			Op:      c.Op,
			Persist: !c.Transient,
			Decl:    decl,
			DocPath: fmt.Sprintf("%s.columns[%d]", b.docBase, ci),
			Parser:  c.Parser,
			Schema:  c.Schema,
			Params:  c.Params,
			Join:    c.Join,
		}
		decl++
		b.nodes[c.Name] = n
		b.order = append(b.order, n)
	}

	// Pass 2: resolve operations and references.
	for ci := range tt.Columns {
		c := &tt.Columns[ci]
		n := b.nodes[c.Name]
		if err := b.resolveOp(n); err != nil {
			return nil, err
		}
		if err := b.resolveParse(n, c.Path); err != nil {
			return nil, err
		}
		refs := make([]string, 0, 1+len(c.Fields))
		if c.Field != "" {
			refs = append(refs, c.Field)
		}
		refs = append(refs, c.Fields...)
		for _, js := range c.Join {
			b.addTable(js.Table)
			refs = append(refs, js.LeftKey)
		}
		for _, ref := range refs {
			if err := b.resolveRef(n, ref); err != nil {
				return nil, err
			}
		}
	}

	// Validations: predicate names and field references must resolve.
	for vi := range tt.Validation {
		v := &tt.Validation[vi]
		path := fmt.Sprintf("%s.validation[%d]", b.docBase, vi)
		if v.Op == "custom_validation" {
			if _, _, err := reg.Validation(v.Validation); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		} else if _, _, err := reg.Validation(v.Op); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		fp, err := fieldpath.Parse(v.Field)
		if err != nil {
			return nil, &config.ConfigError{Path: path + ".field", Reason: err.Error()}
		}
		checked, ok := b.nodes[fp.Root()]
		if !ok {
			return nil, &config.ConfigError{Path: path + ".field",
				Reason: fmt.Sprintf("validation references %q, which is not a declared column or transient", v.Field)}
		}
		b.validated = append(b.validated, checked)
	}

	if err := b.detectCycle(); err != nil {
		return nil, err
	}
	b.prune()

	g := &TableGraph{
		Target:       tt,
		Nodes:        b.order,
		byName:       b.nodes,
		SourceTables: b.tables,
	}
	for _, r := range b.roots {
		g.Roots = append(g.Roots, r)
	}
	return g, nil
}

// checkTransient resolves a source-level transient's registry references and
// path without scheduling it anywhere.
func checkTransient(tr *config.TransientSpec, ti, tj int, reg *registry.Registry) error {
	b := &builder{reg: reg}
	n := &Node{
		Name:    tr.Name,
		Op:      tr.Op,
		DocPath: fmt.Sprintf("source_tables[%d].transients[%d]", ti, tj),
		Parser:  tr.Parser,
		Params:  tr.Params,
	}
	if err := b.resolveOp(n); err != nil {
		return err
	}
	if err := b.resolveParse(n, tr.Path); err != nil {
		return err
	}
	if tr.Field != "" {
		if _, err := fieldpath.Parse(tr.Field); err != nil {
			return &config.ConfigError{Path: n.DocPath + ".field", Reason: err.Error()}
		}
	}
	return nil
}

func (b *builder) addTable(name string) {
	if name == "" {
		return
	}
	if _, ok := b.seen[name]; ok {
		return
	}
	b.seen[name] = struct{}{}
	b.tables = append(b.tables, name)
}

// resolveOp binds the node's operation implementation. The "custom_op"
// indirection resolves the registered name from params.
func (b *builder) resolveOp(n *Node) error {
	name := n.Op
	if name == "custom_op" {
		name = n.Params.String("operation", "")
		if name == "" {
			return &config.ConfigError{Path: n.DocPath + ".params.operation",
				Reason: "custom_op requires an \"operation\" parameter naming the registered operation"}
		}
	}
	op, err := b.reg.Operation(name)
	if err != nil {
		return fmt.Errorf("%s.op: %w", n.DocPath, err)
	}
	n.OpImpl = op
	return nil
}

// resolveParse compiles the structural path, checks the parser reference, and
// determines the explode flag.
func (b *builder) resolveParse(n *Node, rawPath string) error {
	if rawPath != "" {
		p, err := fieldpath.Parse(rawPath)
		if err != nil {
			return &config.ConfigError{Path: n.DocPath + ".path", Reason: err.Error()}
		}
		n.Path = p
	}
	switch n.Op {
	case "parse_json", "parse_and_flatten":
		parser := n.Parser
		if parser == "" {
			parser = "json"
			n.Parser = parser
		}
		if _, _, err := b.reg.Parser(parser); err != nil {
			return fmt.Errorf("%s.parser: %w", n.DocPath, err)
		}
		if n.Op == "parse_and_flatten" && n.Path.ExplodeIndex() < 0 {
			return &config.ConfigError{Path: n.DocPath + ".path",
				Reason: "parse_and_flatten requires a path with an explode step (\"[]\")"}
		}
		n.Explode = n.Path.ExplodeIndex() >= 0
	case "join":
		// Join may expand (one row per matched pair) or contract (inner
		// misses); descendants evaluate in the join's output scope.
		n.Explode = true
	}
	return nil
}

// resolveRef resolves one dotted reference: target-level names first, then
// source-level transients of the target's tables, then raw source fields.
func (b *builder) resolveRef(n *Node, ref string) error {
	fp, err := fieldpath.Parse(ref)
	if err != nil {
		return &config.ConfigError{Path: n.DocPath + ".field", Reason: err.Error()}
	}
	root := fp.Root()
	if root == "" {
		return &config.ConfigError{Path: n.DocPath + ".field", Reason: fmt.Sprintf("reference %q has no root field", ref)}
	}

	// A node never consumes its own output; a reference whose root names the
	// consuming node (copy of a same-named field) reads the raw source field.
	if root != n.Name {
		if producer, ok := b.nodes[root]; ok {
			n.Refs = append(n.Refs, Ref{Path: fp, Node: producer})
			n.Inputs = append(n.Inputs, producer)
			return nil
		}
		if tr, table := b.findSourceTransient(root); tr != nil {
			producer, err := b.pullSourceTransient(tr, table)
			if err != nil {
				return err
			}
			n.Refs = append(n.Refs, Ref{Path: fp, Node: producer})
			n.Inputs = append(n.Inputs, producer)
			return nil
		}
	}

	// Raw source field: a root with no producer. Existence is checked against
	// the reader's column set when the table is materialized.
	rootNode, ok := b.roots[root]
	if !ok {
		rootNode = &Node{
			Name:        root,
			Kind:        KindSourceField,
			SourceTable: b.target.DefaultSource,
		}
		b.roots[root] = rootNode
	}
	n.Refs = append(n.Refs, Ref{Path: fp, Node: rootNode})
	return nil
}

func (b *builder) findSourceTransient(name string) (*config.TransientSpec, string) {
	for _, table := range b.tables {
		st, ok := b.sources[table]
		if !ok {
			continue
		}
		for i := range st.Transients {
			if st.Transients[i].Name == name {
				return &st.Transients[i], table
			}
		}
	}
	return nil, ""
}

// pullSourceTransient materializes a source-level transient as a node of this
// target's graph (transitively resolving its own references).
func (b *builder) pullSourceTransient(tr *config.TransientSpec, table string) (*Node, error) {
	if n, ok := b.nodes[tr.Name]; ok {
		return n, nil
	}
	n := &Node{
		Name:        tr.Name,
		Kind:        KindSourceTransient,
		Op:          tr.Op,
		Decl:        -1, // source transients order before target entries
		DocPath:     fmt.Sprintf("source_tables(%s).transients(%s)", table, tr.Name),
		Parser:      tr.Parser,
		Schema:      tr.Schema,
		Params:      tr.Params,
		SourceTable: table,
	}
	b.nodes[tr.Name] = n
	b.order = append(b.order, n)
	if err := b.resolveOp(n); err != nil {
		return nil, err
	}
	if err := b.resolveParse(n, tr.Path); err != nil {
		return nil, err
	}
	if tr.Field != "" {
		if err := b.resolveRef(n, tr.Field); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// detectCycle runs a DFS with a recursion stack over non-root nodes and
// reports the first cycle found, naming its members in detected order.
func (b *builder) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[*Node]int{}
	var stack []string

	var visit func(n *Node) *CyclicDependencyError
	visit = func(n *Node) *CyclicDependencyError {
		color[n] = gray
		stack = append(stack, n.Name)
		for _, in := range n.Inputs {
			switch color[in] {
			case gray:
				// Close the cycle: members from the first occurrence of the
				// repeated name.
				start := 0
				for i, name := range stack {
					if name == in.Name {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), in.Name)
				return &CyclicDependencyError{Table: b.target.Table, Cycle: cycle}
			case white:
				if err := visit(in); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range b.order {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// prune drops nodes neither a persisted column nor a validation transitively
// depends on. Unused transients are legal; they are simply never evaluated.
func (b *builder) prune() {
	needed := map[*Node]struct{}{}
	var mark func(n *Node)
	mark = func(n *Node) {
		if _, ok := needed[n]; ok {
			return
		}
		needed[n] = struct{}{}
		for _, in := range n.Inputs {
			mark(in)
		}
	}
	for _, n := range b.order {
		if n.Persist {
			mark(n)
		}
	}
	for _, n := range b.validated {
		mark(n)
	}

	kept := b.order[:0]
	for _, n := range b.order {
		if _, ok := needed[n]; ok {
			kept = append(kept, n)
		} else {
			delete(b.nodes, n.Name)
		}
	}
	b.order = kept

	// Drop roots only referenced by pruned nodes.
	liveRoots := map[string]*Node{}
	for _, n := range b.order {
		for _, r := range n.Refs {
			if r.Node.Kind == KindSourceField {
				liveRoots[r.Node.Name] = r.Node
			}
		}
	}
	b.roots = liveRoots
}
