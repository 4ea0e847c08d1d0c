// Package plan turns a target table's dependency graph into a deterministic
// execution order. The ordering is topological with a stable tie-break on
// document declaration order, so identical configuration always produces an
// identical, diff-friendly plan. The planner also assigns each node a scope
// (the row-cardinality context between explode boundaries) and records the
// explode lineage the evaluator needs to keep parent-child row
// correspondences intact.
package plan

import (
	"fmt"

	"refinery/internal/graph"
)

// Node is a planned graph node with its scope assignment.
type Node struct {
	*graph.Node

	// Scope identifies the row-cardinality context the node evaluates in.
	// Scope 0 is the source table's own cardinality; each explode ancestor
	// opens a new scope.
	Scope int

	// Lineage lists the names of prior explode nodes this node's scope
	// descends from, outermost first.
	Lineage []string
}

// TablePlan is the ordered plan for one target table.
type TablePlan struct {
	Graph *graph.TableGraph
	Nodes []Node
}

// Order produces the topological ordering of a table graph. Source-level
// transients (declaration index -1) order before target entries; ties break
// on declaration order.
func Order(g *graph.TableGraph) (*TablePlan, error) {
	indegree := map[*graph.Node]int{}
	dependents := map[*graph.Node][]*graph.Node{}
	for _, n := range g.Nodes {
		if _, ok := indegree[n]; !ok {
			indegree[n] = 0
		}
		for _, in := range n.Inputs {
			indegree[n]++
			dependents[in] = append(dependents[in], n)
		}
	}

	ordered := make([]*graph.Node, 0, len(g.Nodes))
	scheduled := map[*graph.Node]bool{}
	for len(ordered) < len(g.Nodes) {
		// Pick the ready node with the smallest declaration index. The scan
		// is quadratic in node count, which is irrelevant at config scale and
		// keeps the tie-break trivially correct.
		var pick *graph.Node
		for _, n := range g.Nodes {
			if scheduled[n] || indegree[n] != 0 {
				continue
			}
			if pick == nil || n.Decl < pick.Decl {
				pick = n
			}
		}
		if pick == nil {
			// Cycles are caught at graph build; reaching this means the graph
			// handed us an inconsistent structure.
			return nil, fmt.Errorf("plan: no ready node for table %q; graph is not acyclic", g.Target.Table)
		}
		scheduled[pick] = true
		ordered = append(ordered, pick)
		for _, d := range dependents[pick] {
			indegree[d]--
		}
	}

	plan := &TablePlan{Graph: g, Nodes: make([]Node, 0, len(ordered))}
	lineages := map[*graph.Node][]string{}
	scopeIDs := map[string]int{"": 0}
	for _, n := range ordered {
		lineage := mergeLineages(n, lineages)
		key := lineageKey(lineage)
		id, ok := scopeIDs[key]
		if !ok {
			id = len(scopeIDs)
			scopeIDs[key] = id
		}
		plan.Nodes = append(plan.Nodes, Node{Node: n, Scope: id, Lineage: lineage})

		// The node's own explode opens a wider scope for its descendants.
		if n.Explode {
			lineages[n] = append(append([]string{}, lineage...), n.Name)
		} else {
			lineages[n] = lineage
		}
	}
	return plan, nil
}

// mergeLineages computes a node's scope lineage: the longest lineage among
// its producers. Producer lineages are always prefix-compatible because
// explode scopes nest; the longest one is the innermost scope the node must
// evaluate in.
func mergeLineages(n *graph.Node, lineages map[*graph.Node][]string) []string {
	var longest []string
	for _, in := range n.Inputs {
		if l := lineages[in]; len(l) > len(longest) {
			longest = l
		}
	}
	return longest
}

func lineageKey(lineage []string) string {
	key := ""
	for _, name := range lineage {
		key += name + "\x00"
	}
	return key
}
