// Package engine compiles declarative pipeline specs into executable plans
// and runs them: dependency-ordered node evaluation with explode fan-out,
// policy-driven validations with quarantine, and mode-aware commits through
// the storage collaborator.
package engine

import (
	"refinery/internal/config"
	"refinery/internal/graph"
	"refinery/internal/plan"
	"refinery/internal/registry"
)

// Pipeline is a compiled, immutable execution plan for one pipeline spec.
type Pipeline struct {
	Spec  *config.PipelineSpec
	Plans []*plan.TablePlan

	reg *registry.Registry
}

// Compile parses, lints, and plans a pipeline spec against the registry.
// All compile-time errors (config defects, unresolved registry references,
// malformed paths, cycles) abort here, before any data is read. The first
// successful compile seals the registry so later registrations cannot
// invalidate a plan's references.
func Compile(spec *config.PipelineSpec, reg *registry.Registry) (*Pipeline, error) {
	for _, iss := range config.Lint(spec) {
		if iss.Severity == config.SeverityError {
			return nil, &config.ConfigError{Path: iss.Path, Reason: iss.Message}
		}
	}
	graphs, err := graph.Build(spec, reg)
	if err != nil {
		return nil, err
	}
	plans := make([]*plan.TablePlan, 0, len(graphs))
	for _, g := range graphs {
		tp, err := plan.Order(g)
		if err != nil {
			return nil, err
		}
		plans = append(plans, tp)
	}

	reg.Seal()
	return &Pipeline{Spec: spec, Plans: plans, reg: reg}, nil
}
