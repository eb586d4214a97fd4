// Package params translates wire-format tool arguments into typed internal
// records. The hosting client flattens nested arguments, so every tool schema
// is flat snake_case at the top level, and fields that are logically arrays
// or objects may arrive either as native JSON or as JSON-encoded strings.
// This package is the only place external field names exist; everything past
// it speaks the internal camelCase model.
//
// Validation is composite: a Decoder accumulates every missing and ill-typed
// field and reports them in one error, so a caller can fix all problems in a
// single round-trip.
package params

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reasonbridge/reasonbridge/internal/analysis"
	"github.com/reasonbridge/reasonbridge/internal/errs"
)

// Decoder reads fields from a wire argument map, collecting problems as it
// goes. Zero values come back for fields that failed; check Err before using
// the results.
type Decoder struct {
	args    map[string]any
	missing []string
	invalid map[string]string
}

// NewDecoder wraps a wire argument map. A nil map behaves as empty.
func NewDecoder(args map[string]any) *Decoder {
	if args == nil {
		args = map[string]any{}
	}
	return &Decoder{args: args, invalid: map[string]string{}}
}

// Missing records key as a missing required field.
func (d *Decoder) Missing(key string) {
	for _, m := range d.missing {
		if m == key {
			return
		}
	}
	d.missing = append(d.missing, key)
}

// Invalid records a problem with key. The first problem per key wins.
func (d *Decoder) Invalid(key, msg string) {
	if _, ok := d.invalid[key]; !ok {
		d.invalid[key] = msg
	}
}

// Err returns the composite validation error, or nil when every field
// decoded cleanly.
func (d *Decoder) Err() error {
	if len(d.missing) == 0 && len(d.invalid) == 0 {
		return nil
	}
	return errs.NewValidation(d.missing, d.invalid)
}

func (d *Decoder) lookup(key string, required bool) (any, bool) {
	v, ok := d.args[key]
	if !ok || v == nil {
		if required {
			d.Missing(key)
		}
		return nil, false
	}
	return v, true
}

// String reads a required or optional string field.
func (d *Decoder) String(key string, required bool) string {
	v, ok := d.lookup(key, required)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.Invalid(key, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
	if required && strings.TrimSpace(s) == "" {
		d.Missing(key)
		return ""
	}
	return s
}

// Int reads an optional integer field, returning def when absent. JSON
// numbers and numeric strings are both accepted.
func (d *Decoder) Int(key string, def int) int {
	v, ok := d.lookup(key, false)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n
		}
	}
	d.Invalid(key, fmt.Sprintf("expected integer, got %T", v))
	return def
}

// IntIn reads an optional integer restricted to [min, max].
func (d *Decoder) IntIn(key string, def, min, max int) int {
	n := d.Int(key, def)
	if n < min || n > max {
		d.Invalid(key, fmt.Sprintf("must be between %d and %d, got %d", min, max, n))
		return def
	}
	return n
}

// Bool reads an optional boolean field, returning def when absent. String
// forms ("true"/"false") are accepted.
func (d *Decoder) Bool(key string, def bool) bool {
	v, ok := d.lookup(key, false)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b
		}
	}
	d.Invalid(key, fmt.Sprintf("expected boolean, got %T", v))
	return def
}

// StringList reads a field that is logically a string array: a native JSON
// array, a JSON-encoded array string, or a bare string (treated as a single
// element).
func (d *Decoder) StringList(key string, required bool) []string {
	v, ok := d.lookup(key, required)
	if !ok {
		return nil
	}

	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				d.Invalid(key, fmt.Sprintf("element %d: expected string, got %T", i, e))
				return nil
			}
			out = append(out, s)
		}
		if required && len(out) == 0 {
			d.Missing(key)
		}
		return out
	case []string:
		return x
	case string:
		trimmed := strings.TrimSpace(x)
		if trimmed == "" {
			if required {
				d.Missing(key)
			}
			return nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var out []string
			if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
				d.Invalid(key, "not a valid JSON string array: "+err.Error())
				return nil
			}
			return out
		}
		return []string{x}
	}
	d.Invalid(key, fmt.Sprintf("expected string array, got %T", v))
	return nil
}

// Object reads a field that is logically a JSON object or array into out,
// accepting both native JSON values and JSON-encoded strings.
func (d *Decoder) Object(key string, required bool, out any) bool {
	v, ok := d.lookup(key, required)
	if !ok {
		return false
	}

	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			d.Invalid(key, "not JSON-encodable: "+err.Error())
			return false
		}
		raw = b
	}
	if err := json.Unmarshal(raw, out); err != nil {
		d.Invalid(key, "malformed value: "+err.Error())
		return false
	}
	return true
}

// --- Composite decoders shared across tools ---

// AnalysisContext decodes the universal context packet carried by every
// escalation-style tool, applying the external-to-internal field mapping.
func AnalysisContext(d *Decoder) analysis.Context {
	var c analysis.Context
	c.AttemptedApproaches = d.StringList("attempted_approaches", true)
	d.Object("partial_findings", true, &c.PartialFindings)
	c.StuckPoints = d.StringList("stuck_description", true)
	d.Object("code_scope", true, &c.FocusArea)
	c.AnalysisBudgetRemaining = d.Int("time_budget_seconds", 0)
	if len(c.FocusArea.Files) == 0 {
		if _, present := d.args["code_scope"]; present {
			d.Invalid("code_scope", "must name at least one file")
		}
	}
	return c
}

// AnalysisType decodes and validates the analysis_type field.
func AnalysisType(d *Decoder) analysis.AnalysisType {
	s := d.String("analysis_type", true)
	if s == "" {
		return ""
	}
	t, err := analysis.ParseAnalysisType(s)
	if err != nil {
		d.Invalid("analysis_type", err.Error())
		return ""
	}
	return t
}

// TimeBudget converts a time_budget_seconds value to a duration, zero when
// unset.
func TimeBudget(d *Decoder) time.Duration {
	secs := d.Int("time_budget_seconds", 0)
	if secs < 0 {
		d.Invalid("time_budget_seconds", "must be positive")
		return 0
	}
	return time.Duration(secs) * time.Second
}
