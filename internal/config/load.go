package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a malformed or incomplete pipeline document. Path is a
// dotted path into the document (e.g. "target_tables[0].columns[2].op").
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Reason)
}

// Load reads and decodes a pipeline document from path. The format is chosen
// by extension: .yaml/.yml decode with yaml.v3, everything else with
// encoding/json. Lint issues of error severity are returned as a ConfigError.
func Load(path string) (*PipelineSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline document: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return Parse(b, "yaml")
	default:
		return Parse(b, "json")
	}
}

// Parse decodes a pipeline document from raw bytes. format is "json" or
// "yaml". The returned spec has passed the static linter with no
// error-severity issues; warnings are not surfaced here (use Lint).
func Parse(b []byte, format string) (*PipelineSpec, error) {
	var doc Document
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("decode yaml: %v", err)}
		}
	case "json":
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("decode json: %v", err)}
		}
	default:
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown document format %q", format)}
	}

	p := doc.Pipeline
	for _, iss := range Lint(&p) {
		if iss.Severity == SeverityError {
			return nil, &ConfigError{Path: iss.Path, Reason: iss.Message}
		}
	}
	return &p, nil
}

// UnmarshalYAML mirrors UnmarshalJSON: params decode to a non-nil map and
// nested YAML maps normalize to map[string]any.
func (o *Options) UnmarshalYAML(value *yaml.Node) error {
	var tmp map[string]any
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	if tmp == nil {
		tmp = map[string]any{}
	}
	*o = Options(tmp)
	return nil
}
