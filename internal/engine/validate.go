package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"refinery/internal/config"
	"refinery/internal/fieldpath"
	"refinery/internal/registry"
	"refinery/internal/storage"
)

func newQuarantineID() string { return uuid.NewString() }

// runValidations applies the target's validations in declaration order, each
// over the rows surviving the previous one. Drop and quarantine narrow the
// set; fail aborts the table on first offense.
func (e *tableEval) runValidations(ctx context.Context) error {
	for vi := range e.target.Validation {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := &e.target.Validation[vi]
		name := v.Op
		if v.Op == "custom_validation" {
			name = v.Validation
		}
		fn, builtin, err := e.run.p.reg.Validation(name)
		if err != nil {
			return fmt.Errorf("table %q: %w", e.target.Table, err)
		}
		fp, err := fieldpath.Parse(v.Field)
		if err != nil {
			return &config.ConfigError{Path: "validation.field", Reason: err.Error()}
		}
		action := v.Action
		if action == "" {
			action = config.ActionFail
		}

		kept := e.rows[:0]
		for _, r := range e.rows {
			val, _ := resolveRowPath(r, fp)
			ok, verr := e.run.invokeValidation(ctx, name, fn, builtin, val, v.Params)
			if ok && verr == nil {
				kept = append(kept, r)
				continue
			}
			reason := fmt.Sprintf("value %v failed %s", val, name)
			if verr != nil {
				reason = verr.Error()
			}
			switch action {
			case config.ActionDrop:
				e.res.Dropped++
			case config.ActionQuarantine:
				e.res.Quarantined++
				e.quarantine = append(e.quarantine, storage.QuarantineRow{
					ID:         newQuarantineID(),
					Validation: name,
					Reason:     reason,
					Row:        sanitizeRow(r),
				})
			default:
				return &ValidationFailure{
					Table:      e.target.Table,
					Field:      v.Field,
					Validation: name,
					Reason:     reason,
				}
			}
		}
		e.rows = kept
	}
	return nil
}

func (run *runState) invokeValidation(ctx context.Context, name string, fn registry.ValidationFunc, builtin bool, value any, params config.Options) (bool, error) {
	if builtin {
		return fn(value, params)
	}
	v, err := run.invoke(ctx, "validation "+name, func(context.Context) (any, error) {
		ok, verr := fn(value, params)
		return ok, verr
	})
	if err != nil {
		return false, err
	}
	ok, _ := v.(bool)
	return ok, nil
}
