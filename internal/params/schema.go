package params

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Each tool publishes a flat JSON Schema describing its wire format. The
// same schema document is registered with the MCP server and compiled here,
// so the advertised contract and the enforced one cannot drift.

// CompileSchema compiles a raw JSON Schema document.
func CompileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(name + ".json")
}

// MustCompileSchema is CompileSchema for static tool schemas known at build
// time.
func MustCompileSchema(name string, raw []byte) *jsonschema.Schema {
	s, err := CompileSchema(name, raw)
	if err != nil {
		panic("compile schema " + name + ": " + err.Error())
	}
	return s
}

// CheckSchema validates the argument map against a compiled schema and folds
// every violation into the decoder, keeping errors composite.
func (d *Decoder) CheckSchema(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	err := schema.Validate(normalizeForSchema(d.args))
	if err == nil {
		return
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		d.Invalid("arguments", err.Error())
		return
	}
	d.foldValidationError(ve)
}

// normalizeForSchema re-types the argument map so schema validation matches
// what the decoders will later accept: JSON-encoded array/object strings
// count as their decoded value.
func normalizeForSchema(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			if dec, ok := decodeJSONString(s); ok {
				out[k] = dec
				continue
			}
		}
		out[k] = v
	}
	return out
}

func decodeJSONString(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, false
	}
	return v, true
}

// foldValidationError flattens the cause tree into missing/invalid entries.
func (d *Decoder) foldValidationError(ve *jsonschema.ValidationError) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			d.foldValidationError(c)
		}
		return
	}

	if names, ok := missingProperties(ve.Message); ok {
		for _, n := range names {
			d.Missing(n)
		}
		return
	}

	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if i := strings.IndexByte(field, '/'); i >= 0 {
		field = field[:i]
	}
	if field == "" {
		field = "arguments"
	}
	d.Invalid(field, ve.Message)
}

// missingProperties parses the validator's "missing properties: 'a', 'b'"
// message form.
func missingProperties(msg string) ([]string, bool) {
	const prefix = "missing properties: "
	if !strings.HasPrefix(msg, prefix) {
		return nil, false
	}
	var names []string
	for _, part := range strings.Split(msg[len(prefix):], ",") {
		names = append(names, strings.Trim(strings.TrimSpace(part), "'"))
	}
	return names, true
}
