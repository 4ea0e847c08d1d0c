// Package rows defines the row model shared by the engine and its storage
// collaborators. A Row is a named-field record; nested structures decoded by
// parsers appear as map[string]any / []any values inside a field.
package rows

// Row is a single record keyed by column name. Values are nil, bool, int64,
// float64, string, time.Time, []any, or map[string]any.
type Row map[string]any

// Clone returns a shallow copy of the row. Field values are shared; the map
// itself is fresh, so adding columns to the clone does not touch the original.
func (r Row) Clone() Row {
	out := make(Row, len(r)+4)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns the row's values for the given columns, in order. Missing
// columns yield nil.
func (r Row) Project(columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = r[c]
	}
	return out
}
