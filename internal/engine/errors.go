// Error taxonomy for the run-time half of the engine. Compile-time errors
// (config, registry resolution, cycles) live with the packages that raise
// them; this file covers the row-level and table-level failures the
// evaluator converts into policy outcomes.

package engine

import (
	"fmt"
	"time"
)

// CastError reports an unconvertible or precision-losing cast. It is
// row-level: the evaluator applies the field's configured action.
type CastError struct {
	Value  any
	Type   string
	Reason string
}

func (e *CastError) Error() string {
	return fmt.Sprintf("cast %v (%T) to %s: %s", e.Value, e.Value, e.Type, e.Reason)
}

// TimeoutError reports a custom operation, parser, or validation that
// exceeded the per-invocation timeout. Row-level; defaults to the fail
// action when the field declares none.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Name, e.Timeout)
}

// ValidationFailure aborts a target table: either a validation with the fail
// action rejected a row, or a row-level error occurred on a field without a
// lenient action. The table's partial output is discarded; sibling tables
// continue.
type ValidationFailure struct {
	Table      string
	Field      string
	Validation string
	Reason     string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed for table %q, field %q (%s): %s",
		e.Table, e.Field, e.Validation, e.Reason)
}
