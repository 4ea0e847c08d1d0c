// Package config provides the pipeline document model and helpers.
//
// This file adds a lightweight linter for PipelineSpec values. It performs
// static checks over a decoded spec and returns a list of issues (errors and
// warnings) that callers can surface in a CLI or tests. Reference resolution
// against registries and dependency analysis happen later, at compile time;
// the linter only checks what the document alone can prove wrong.
package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that should be surfaced to users
	// but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single lint finding for a pipeline document.
//
// Path is a dotted path into the document (e.g. "target_tables[1].mode").
// Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error where convenient.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Lint performs static validation of a pipeline spec. It does not mutate the
// spec; callers decide whether to treat warnings as fatal.
func Lint(p *PipelineSpec) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "name",
			Message:  "pipeline name must not be empty; it is used for metrics labeling and identifying runs",
		})
	}

	// Table names must be unique across source and target tables.
	seen := map[string]string{}
	for i, st := range p.SourceTables {
		path := fmt.Sprintf("source_tables[%d].name", i)
		if strings.TrimSpace(st.Name) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: "source table name must not be empty"})
			continue
		}
		if prev, dup := seen[st.Name]; dup {
			issues = append(issues, Issue{Severity: SeverityError, Path: path,
				Message: fmt.Sprintf("table name %q already declared at %s", st.Name, prev)})
		}
		seen[st.Name] = path
		issues = append(issues, lintTransients(st, i)...)
	}

	if len(p.TargetTables) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "target_tables",
			Message:  "no target tables configured; the pipeline derives nothing",
		})
	}
	sources := map[string]struct{}{}
	for _, st := range p.SourceTables {
		sources[st.Name] = struct{}{}
	}
	for i, tt := range p.TargetTables {
		base := fmt.Sprintf("target_tables[%d]", i)
		if strings.TrimSpace(tt.Table) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: base + ".table", Message: "target table name must not be empty"})
		} else {
			if prev, dup := seen[tt.Table]; dup {
				issues = append(issues, Issue{Severity: SeverityError, Path: base + ".table",
					Message: fmt.Sprintf("table name %q already declared at %s", tt.Table, prev)})
			}
			seen[tt.Table] = base + ".table"
		}
		if strings.TrimSpace(tt.DefaultSource) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: base + ".default_source", Message: "default_source must not be empty"})
		} else if _, ok := sources[tt.DefaultSource]; !ok {
			issues = append(issues, Issue{Severity: SeverityError, Path: base + ".default_source",
				Message: fmt.Sprintf("default_source %q is not a declared source table", tt.DefaultSource)})
		}
		issues = append(issues, lintMode(tt, base)...)
		issues = append(issues, lintColumns(tt, base)...)
		issues = append(issues, lintValidations(tt, base)...)
	}

	return issues
}

func lintTransients(st SourceTableSpec, idx int) []Issue {
	var issues []Issue
	names := map[string]struct{}{}
	for j, tr := range st.Transients {
		path := fmt.Sprintf("source_tables[%d].transients[%d]", idx, j)
		if strings.TrimSpace(tr.Name) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".name", Message: "transient name must not be empty"})
			continue
		}
		if _, dup := names[tr.Name]; dup {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".name",
				Message: fmt.Sprintf("duplicate transient %q in table %q", tr.Name, st.Name)})
		}
		names[tr.Name] = struct{}{}
		if strings.TrimSpace(tr.Op) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".op", Message: "transient op must not be empty"})
		}
		if strings.TrimSpace(tr.Field) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".field", Message: "transient field reference must not be empty"})
		}
		if !tr.Transient {
			issues = append(issues, Issue{Severity: SeverityWarning, Path: path + ".transient",
				Message: "source-level entries are always transient; set \"transient\": true for clarity"})
		}
	}
	return issues
}

func lintMode(tt TargetTableSpec, base string) []Issue {
	var issues []Issue
	switch tt.Mode {
	case ModeOverwrite, ModeAppend:
		if strings.TrimSpace(tt.MergeKey) != "" {
			issues = append(issues, Issue{Severity: SeverityWarning, Path: base + ".merge_key",
				Message: fmt.Sprintf("merge_key is ignored in %q mode", tt.Mode)})
		}
	case ModeMerge:
		if strings.TrimSpace(tt.MergeKey) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: base + ".merge_key",
				Message: "merge mode requires a merge_key"})
			break
		}
		persisted := map[string]struct{}{}
		for _, c := range tt.Columns {
			if !c.Transient {
				persisted[c.Name] = struct{}{}
			}
		}
		for _, k := range tt.MergeKeys() {
			if _, ok := persisted[k]; !ok {
				issues = append(issues, Issue{Severity: SeverityError, Path: base + ".merge_key",
					Message: fmt.Sprintf("merge key %q is not a persisted column of table %q", k, tt.Table)})
			}
		}
	case "":
		issues = append(issues, Issue{Severity: SeverityError, Path: base + ".mode",
			Message: "mode must be one of overwrite, append, merge"})
	default:
		issues = append(issues, Issue{Severity: SeverityError, Path: base + ".mode",
			Message: fmt.Sprintf("unknown mode %q; expected overwrite, append, or merge", tt.Mode)})
	}
	return issues
}

func lintColumns(tt TargetTableSpec, base string) []Issue {
	var issues []Issue
	if len(tt.Columns) == 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: base + ".columns",
			Message: "target table declares no columns"})
		return issues
	}
	names := map[string]struct{}{}
	persisted := 0
	for j, c := range tt.Columns {
		path := fmt.Sprintf("%s.columns[%d]", base, j)
		if strings.TrimSpace(c.Name) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".name", Message: "column name must not be empty"})
			continue
		}
		if _, dup := names[c.Name]; dup {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".name",
				Message: fmt.Sprintf("duplicate column %q in table %q", c.Name, tt.Table)})
		}
		names[c.Name] = struct{}{}
		if !c.Transient {
			persisted++
		}
		if strings.TrimSpace(c.Op) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".op", Message: "column op must not be empty"})
		}
		if strings.TrimSpace(c.Field) == "" && len(c.Join) == 0 {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".field",
				Message: "column needs a field reference (or a join specification)"})
		}
		for k, j := range c.Join {
			jp := fmt.Sprintf("%s.join[%d]", path, k)
			if strings.TrimSpace(j.Table) == "" {
				issues = append(issues, Issue{Severity: SeverityError, Path: jp + ".table", Message: "join table must not be empty"})
			}
			if strings.TrimSpace(j.LeftKey) == "" || strings.TrimSpace(j.RightKey) == "" {
				issues = append(issues, Issue{Severity: SeverityError, Path: jp, Message: "join requires left_key and right_key"})
			}
		}
	}
	if persisted == 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: base + ".columns",
			Message: "all columns are transient; a target table must persist at least one column"})
	}
	return issues
}

func lintValidations(tt TargetTableSpec, base string) []Issue {
	var issues []Issue
	for j, v := range tt.Validation {
		path := fmt.Sprintf("%s.validation[%d]", base, j)
		if strings.TrimSpace(v.Field) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".field", Message: "validation field must not be empty"})
		}
		if strings.TrimSpace(v.Op) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".op", Message: "validation op must not be empty"})
		}
		switch v.Action {
		case ActionDrop, ActionQuarantine, ActionFail:
		case "":
			// Missing action defaults to fail at run time; surface it anyway.
			issues = append(issues, Issue{Severity: SeverityWarning, Path: path + ".action",
				Message: "no action configured; failures will abort the target table (fail)"})
		default:
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".action",
				Message: fmt.Sprintf("unknown action %q; expected drop, quarantine, or fail", v.Action)})
		}
		if v.Op == "custom_validation" && strings.TrimSpace(v.Validation) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".validation",
				Message: "custom_validation requires a registered validation name"})
		}
	}
	return issues
}
