// Value kernels for the built-in operations: cast coercion, boolean
// vocabularies, date parsing, and declarative value conversion. These are the
// hot-path primitives; they avoid allocations where cheap and never round
// silently.

package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"refinery/internal/config"
)

// castValue converts v to the named type. Numeric narrowing truncates; with
// strict set, precision loss raises a CastError instead. Casting a value to
// its own type returns it unchanged. nil passes through (missing stays
// missing; policy on nulls belongs to validations).
func castValue(v any, typ string, strict bool, layout string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch normalizeType(typ) {
	case "int":
		return castInt(v, strict)
	case "float":
		return castFloat(v)
	case "bool":
		return castBool(v)
	case "string":
		return castString(v)
	case "date":
		return castDate(v, layout)
	default:
		return nil, &CastError{Value: v, Type: typ, Reason: "unknown target type"}
	}
}

func normalizeType(typ string) string {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "int", "integer", "long", "bigint":
		return "int"
	case "float", "double", "real", "number":
		return "float"
	case "bool", "boolean":
		return "bool"
	case "string", "text", "":
		return "string"
	case "date", "datetime", "timestamp":
		return "date"
	default:
		return strings.ToLower(strings.TrimSpace(typ))
	}
}

func castInt(v any, strict bool) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if t != float64(int64(t)) {
			if strict {
				return nil, &CastError{Value: v, Type: "int", Reason: "precision loss"}
			}
			// Truncate toward zero; never round silently.
			return int64(t), nil
		}
		return int64(t), nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		if i, ok := toIntFast(t); ok {
			return i, nil
		}
		return nil, &CastError{Value: v, Type: "int", Reason: "not an integer"}
	default:
		return nil, &CastError{Value: v, Type: "int", Reason: "unsupported source type"}
	}
}

func castFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, nil
		}
		return nil, &CastError{Value: v, Type: "float", Reason: "not a number"}
	default:
		return nil, &CastError{Value: v, Type: "float", Reason: "unsupported source type"}
	}
}

func castBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case string:
		if b, ok := toBoolFast(t); ok {
			return b, nil
		}
		return nil, &CastError{Value: v, Type: "bool", Reason: "unrecognized boolean"}
	default:
		return nil, &CastError{Value: v, Type: "bool", Reason: "unsupported source type"}
	}
}

func castString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	case []any, map[string]any:
		return nil, &CastError{Value: v, Type: "string", Reason: "cannot stringify a structural value"}
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func castDate(v any, layout string) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, &CastError{Value: v, Type: "date", Reason: "empty string"}
		}
		if layout != "" {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse("2006-01-02", s); err == nil {
			return ts, nil
		}
		if ts, ok := parseDottedDate(s); ok {
			return ts, nil
		}
		return nil, &CastError{Value: v, Type: "date", Reason: "unrecognized date"}
	default:
		return nil, &CastError{Value: v, Type: "date", Reason: "unsupported source type"}
	}
}

// toIntFast parses integers quickly and only falls back to float parsing when
// the field contains a '.' (supporting inputs like "42.0").
func toIntFast(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if f == float64(int64(f)) {
				return int64(f), true
			}
		}
	}
	return 0, false
}

// toBoolFast resolves common boolean spellings, case-insensitively.
func toBoolFast(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}

// parseDottedDate implements a zero-allocation parser for "02.01.2006"
// (DD.MM.YYYY), a common layout in ingested exports.
func parseDottedDate(s string) (time.Time, bool) {
	if len(s) < 10 || s[2] != '.' || s[5] != '.' {
		return time.Time{}, false
	}
	d1, d0 := s[0]-'0', s[1]-'0'
	m1, m0 := s[3]-'0', s[4]-'0'
	y3, y2, y1, y0 := s[6]-'0', s[7]-'0', s[8]-'0', s[9]-'0'
	if d1 > 9 || d0 > 9 || m1 > 9 || m0 > 9 || y3 > 9 || y2 > 9 || y1 > 9 || y0 > 9 {
		return time.Time{}, false
	}
	day := int(d1)*10 + int(d0)
	mon := int(m1)*10 + int(m0)
	year := int(y3)*1000 + int(y2)*100 + int(y1)*10 + int(y0)
	if mon < 1 || mon > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC), true
}

// convertValue applies a declarative value conversion rule set:
//
//   - "mapping": object keyed by the value's string form, with optional
//     "default" for unmapped values (unmapped without default passes through)
//   - "factor" / "offset": numeric unit conversion (v*factor + offset)
//   - "normalize": "nfc", "nfkc", "strip_accents", "lower", "upper"
//
// Rules compose in that order when several are present.
func convertValue(v any, params config.Options) (any, error) {
	if v == nil {
		return nil, nil
	}
	out := v

	if m := params.Map("mapping"); m != nil {
		key := fmt.Sprintf("%v", out)
		if mapped, ok := m[key]; ok {
			out = mapped
		} else if params.Has("default") {
			out = params.Any("default")
		}
	}

	if params.Has("factor") || params.Has("offset") {
		f, err := castFloat(out)
		if err != nil {
			return nil, fmt.Errorf("value_conversion: %w", err)
		}
		out = f.(float64)*params.Float("factor", 1) + params.Float("offset", 0)
	}

	if rule := params.String("normalize", ""); rule != "" {
		s, ok := out.(string)
		if !ok {
			return nil, fmt.Errorf("value_conversion: normalize %q needs a string, got %T", rule, out)
		}
		switch rule {
		case "nfc":
			out = norm.NFC.String(s)
		case "nfkc":
			out = norm.NFKC.String(s)
		case "strip_accents":
			out = stripAccents(s)
		case "lower":
			out = strings.ToLower(s)
		case "upper":
			out = strings.ToUpper(s)
		default:
			return nil, fmt.Errorf("value_conversion: unknown normalize rule %q", rule)
		}
	}

	return out, nil
}

// stripAccents removes combining marks after canonical decomposition, so
// "Dvořák" becomes "Dvorak".
func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
