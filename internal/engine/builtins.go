// Built-in registrations: the fixed operation, parser, and validation set
// installed at engine initialization. User extensions are added on top via
// the registry's Register methods any time before the first compile.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"refinery/internal/config"
	"refinery/internal/registry"
)

// NewRegistry returns a registry with all built-ins installed.
func NewRegistry() *registry.Registry {
	r := registry.New()
	for _, op := range builtinOps() {
		if err := r.Install(op, false); err != nil {
			panic(fmt.Sprintf("engine: install builtin %q: %v", op.Name, err))
		}
	}
	for name, fn := range builtinParsers() {
		if err := r.InstallParser(name, fn, false); err != nil {
			panic(fmt.Sprintf("engine: install parser %q: %v", name, err))
		}
	}
	for name, fn := range builtinValidations() {
		if err := r.InstallValidation(name, fn, false); err != nil {
			panic(fmt.Sprintf("engine: install validation %q: %v", name, err))
		}
	}
	return r
}

func builtinOps() []registry.Operation {
	identity := func(ctx context.Context, args []any, params config.Options) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	}
	return []registry.Operation{
		{Name: "copy", Cardinality: registry.OneToOne, Builtin: true, Fn: identity},
		{Name: "rename", Cardinality: registry.OneToOne, Builtin: true, Fn: identity},
		{
			Name: "cast", Cardinality: registry.OneToOne, Builtin: true,
			Fn: func(ctx context.Context, args []any, params config.Options) (any, error) {
				if len(args) == 0 {
					return nil, nil
				}
				return castValue(
					args[0],
					params.String("type", ""),
					params.Bool("strict", false),
					params.String("layout", ""),
				)
			},
		},
		{
			Name: "value_conversion", Cardinality: registry.OneToOne, Builtin: true,
			Fn: func(ctx context.Context, args []any, params config.Options) (any, error) {
				if len(args) == 0 {
					return nil, nil
				}
				return convertValue(args[0], params)
			},
		},
		// Structural operations need row scopes and table access; the
		// evaluator dispatches them directly.
		{Name: "parse_json", Cardinality: registry.OneToOne, Builtin: true, Structural: true},
		{Name: "parse_and_flatten", Cardinality: registry.Expanding, Builtin: true, Structural: true},
		{Name: "join", Cardinality: registry.Expanding, Builtin: true, Structural: true},
	}
}

func builtinParsers() map[string]registry.ParserFunc {
	return map[string]registry.ParserFunc{
		"json": func(text string) (any, error) {
			var v any
			if err := json.Unmarshal([]byte(text), &v); err != nil {
				return nil, fmt.Errorf("parse json: %w", err)
			}
			return v, nil
		},
		"yaml": func(text string) (any, error) {
			var v any
			if err := yaml.Unmarshal([]byte(text), &v); err != nil {
				return nil, fmt.Errorf("parse yaml: %w", err)
			}
			return v, nil
		},
	}
}

func builtinValidations() map[string]registry.ValidationFunc {
	return map[string]registry.ValidationFunc{
		"not_null": func(v any, params config.Options) (bool, error) {
			if v == nil {
				return false, nil
			}
			if s, ok := v.(string); ok && s == "" {
				return false, nil
			}
			return true, nil
		},
		"non_negative": func(v any, params config.Options) (bool, error) {
			f, err := castFloat(v)
			if err != nil {
				return false, nil
			}
			return f.(float64) >= 0, nil
		},
		"regex": func(v any, params config.Options) (bool, error) {
			pattern := params.String("pattern", "")
			if pattern == "" {
				return false, fmt.Errorf("regex validation requires a pattern parameter")
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, fmt.Errorf("regex validation: %w", err)
			}
			s, ok := v.(string)
			if !ok {
				return false, nil
			}
			return re.MatchString(s), nil
		},
		"range": func(v any, params config.Options) (bool, error) {
			f, err := castFloat(v)
			if err != nil {
				return false, nil
			}
			x := f.(float64)
			if params.Has("min") && x < params.Float("min", 0) {
				return false, nil
			}
			if params.Has("max") && x > params.Float("max", 0) {
				return false, nil
			}
			return true, nil
		},
		"one_of": func(v any, params config.Options) (bool, error) {
			values := params.StringSlice("values")
			s := fmt.Sprintf("%v", v)
			for _, allowed := range values {
				if s == allowed {
					return true, nil
				}
			}
			return false, nil
		},
	}
}
