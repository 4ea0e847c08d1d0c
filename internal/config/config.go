// Package config defines the canonical, serializable configuration model for
// declarative transformation pipelines. It is intentionally small and
// explicit so that pipeline documents can be loaded from disk (or other
// sources) and passed through the program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the document structure used in
//     pipeline files (JSON or YAML).
//  3. Minimalism: Decoding is performed by encoding/json (or yaml.v3 for
//     YAML documents), with a light Options helper for typed access to
//     operation-specific parameter bags.
//
// Example (trimmed):
//
//	{
//	  "pipeline": {
//	    "name": "questions",
//	    "source_tables": [
//	      { "name": "bronze.questions", "transients": [
//	        { "name": "answers_struct", "op": "parse_and_flatten",
//	          "field": "answers_json", "path": "answers[]", "transient": true }
//	      ]}
//	    ],
//	    "target_tables": [
//	      { "table": "silver.answers", "default_source": "bronze.questions",
//	        "mode": "append",
//	        "columns": [
//	          { "name": "question_id", "op": "copy", "field": "question_id" },
//	          { "name": "author", "op": "copy", "field": "answers_struct.author" }
//	        ],
//	        "validation": [
//	          { "field": "author", "op": "not_null", "action": "drop" }
//	        ]
//	      }
//	    ]
//	  }
//	}
package config

import (
	"encoding/json"
	"strings"
)

// Write modes for target tables.
const (
	ModeOverwrite = "overwrite"
	ModeAppend    = "append"
	ModeMerge     = "merge"
)

// Validation actions.
const (
	ActionDrop       = "drop"
	ActionQuarantine = "quarantine"
	ActionFail       = "fail"
)

// Document is the top-level shape of a pipeline file.
type Document struct {
	Pipeline PipelineSpec `json:"pipeline" yaml:"pipeline"`
}

// PipelineSpec describes one pipeline: the source tables it reads (with their
// shared transient columns) and the target tables it derives.
type PipelineSpec struct {
	// Name identifies the pipeline; it is used for metrics labeling and logs.
	Name string `json:"name" yaml:"name"`

	// SourceTables lists the input tables. A source table's transients are
	// computed once per run and may be referenced by any target table that
	// declares the source as an input.
	SourceTables []SourceTableSpec `json:"source_tables" yaml:"source_tables"`

	// TargetTables lists the derived tables, in document order.
	TargetTables []TargetTableSpec `json:"target_tables" yaml:"target_tables"`
}

// SourceTableSpec names an input table and its source-level transients.
type SourceTableSpec struct {
	Name       string          `json:"name" yaml:"name"`
	Transients []TransientSpec `json:"transients" yaml:"transients"`
}

// TransientSpec declares a source-level transient column. Transients are
// never persisted; they exist to avoid recomputing shared derivations across
// target tables.
type TransientSpec struct {
	// Name is the transient's identifier, unique within the owning table.
	Name string `json:"name" yaml:"name"`

	// Op names the operation in the operation registry.
	Op string `json:"op" yaml:"op"`

	// Field is the input field reference (dotted path).
	Field string `json:"field" yaml:"field"`

	// Path optionally addresses into a nested structure using dot/bracket
	// notation, e.g. "answers[].author". A "[]" step marks an explode point.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Parser optionally names a registered parser for parse operations.
	// Defaults to "json".
	Parser string `json:"parser,omitempty" yaml:"parser,omitempty"`

	// Params is the operation-specific parameter bag.
	Params Options `json:"params,omitempty" yaml:"params,omitempty"`

	// Schema optionally declares the expected shape of a parsed value; it is
	// used to validate (and coerce) parsed fields.
	Schema []SchemaField `json:"schema,omitempty" yaml:"schema,omitempty"`

	// Transient is always true for source-level transients; kept explicit so
	// documents read unambiguously.
	Transient bool `json:"transient" yaml:"transient"`
}

// SchemaField is one (name, type) pair of an explicit parse schema.
type SchemaField struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TargetTableSpec describes one derived table.
type TargetTableSpec struct {
	Table       string `json:"table" yaml:"table"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// DefaultSource names the source table whose rows seed this target.
	DefaultSource string `json:"default_source" yaml:"default_source"`

	// Columns lists target columns and target-level transients (entries with
	// Transient=true), in document order.
	Columns []ColumnSpec `json:"columns" yaml:"columns"`

	// Validation lists validations applied after all columns are derived,
	// in document order.
	Validation []ValidationSpec `json:"validation,omitempty" yaml:"validation,omitempty"`

	// Mode selects the write mode: overwrite, append, or merge.
	Mode string `json:"mode" yaml:"mode"`

	// MergeKey names the upsert key column(s); required iff Mode == merge.
	// A comma-separated list declares a composite key.
	MergeKey string `json:"merge_key,omitempty" yaml:"merge_key,omitempty"`
}

// MergeKeys splits the merge key declaration into its column names.
func (t *TargetTableSpec) MergeKeys() []string {
	if t.MergeKey == "" {
		return nil
	}
	parts := strings.Split(t.MergeKey, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// ColumnSpec describes a target column or target-level transient.
type ColumnSpec struct {
	Name string `json:"name" yaml:"name"`
	Op   string `json:"op" yaml:"op"`

	// Field is the primary input reference: a dotted path, possibly rooted at
	// a transient name.
	Field string `json:"field" yaml:"field"`

	// Fields carries additional input references for ops with arity > 1.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Path / Parser / Schema apply to parse operations, as in TransientSpec.
	Path   string        `json:"path,omitempty" yaml:"path,omitempty"`
	Parser string        `json:"parser,omitempty" yaml:"parser,omitempty"`
	Schema []SchemaField `json:"schema,omitempty" yaml:"schema,omitempty"`

	// Params is the operation-specific parameter bag (e.g. cast target type).
	Params Options `json:"params,omitempty" yaml:"params,omitempty"`

	// Join lists the joined tables when Op == "join".
	Join []JoinSpec `json:"join,omitempty" yaml:"join,omitempty"`

	// Transient marks a target-level transient: computed, referenceable by
	// later columns, never persisted.
	Transient bool `json:"transient,omitempty" yaml:"transient,omitempty"`
}

// JoinSpec describes one joined source table for a join column.
type JoinSpec struct {
	// Table is the right-side source table name.
	Table string `json:"table" yaml:"table"`

	// LeftKey is the key reference evaluated against the current row;
	// RightKey is the column matched on the joined table.
	LeftKey  string `json:"left_key" yaml:"left_key"`
	RightKey string `json:"right_key" yaml:"right_key"`

	// Columns optionally projects a subset of the joined table's columns into
	// the join value. Empty means the whole joined row.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// ValidationSpec describes one validation rule for a target table.
type ValidationSpec struct {
	// Field is the target field reference the predicate evaluates.
	Field string `json:"field" yaml:"field"`

	// Op names the predicate kind: not_null, non_negative, regex, range,
	// one_of, or custom_validation.
	Op string `json:"op" yaml:"op"`

	// Validation names the registered predicate when Op == custom_validation.
	Validation string `json:"validation,omitempty" yaml:"validation,omitempty"`

	// Action selects the failure handling: drop, quarantine, or fail.
	Action string `json:"action" yaml:"action"`

	// Params carries predicate parameters (pattern, min/max, values).
	Params Options `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Options is a small helper to fetch typed values from arbitrary decoded
// maps without introducing third-party configuration libraries. It performs
// only minimal type coercion and returns provided defaults when a key is
// absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64,
// so this method accepts float64 and casts to int.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

// Float returns the float64 value for key or def.
func (o Options) Float(key string, def float64) float64 {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return def
}

// StringSlice returns a []string for key when the value is an array of
// strings (or an array of interface values containing strings).
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Map returns a map[string]any for key, or nil when the key is missing or
// the value is not an object. Useful for nested rule blocks such as a
// value_conversion mapping.
func (o Options) Map(key string) map[string]any {
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// Has reports whether key is present at all.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null params
// object decodes to a non-nil, empty Options map. This removes nil-checks at
// call sites.
func (o *Options) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
