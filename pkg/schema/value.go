package schema

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// ValueKind enumerates the shapes a VariableValue can take.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "boolean"
	ValueJSON   ValueKind = "json"
)

// VariableValue is a typed variable value. The zero value is the empty string.
type VariableValue struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	raw  any
}

// StringValue returns a string value.
func StringValue(s string) VariableValue { return VariableValue{kind: ValueString, str: s} }

// NumberValue returns a numeric value.
func NumberValue(n float64) VariableValue { return VariableValue{kind: ValueNumber, num: n} }

// BoolValue returns a boolean value.
func BoolValue(b bool) VariableValue { return VariableValue{kind: ValueBool, b: b} }

// JSONValue returns a structured value. v must be JSON-compatible.
func JSONValue(v any) VariableValue { return VariableValue{kind: ValueJSON, raw: v} }

// ValueOf converts a native Go value, as produced by encoding/json or an
// expression engine, into a VariableValue.
func ValueOf(v any) VariableValue {
	switch x := v.(type) {
	case VariableValue:
		return x
	case string:
		return StringValue(x)
	case bool:
		return BoolValue(x)
	case float64:
		return NumberValue(x)
	case float32:
		return NumberValue(float64(x))
	case int:
		return NumberValue(float64(x))
	case int32:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case uint:
		return NumberValue(float64(x))
	case uint32:
		return NumberValue(float64(x))
	case uint64:
		return NumberValue(float64(x))
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return NumberValue(f)
		}
		return StringValue(x.String())
	default:
		return JSONValue(x)
	}
}

// Kind returns the value's shape.
func (v VariableValue) Kind() ValueKind {
	if v.kind == "" {
		return ValueString
	}
	return v.kind
}

// Str returns the string payload and whether v is a string.
func (v VariableValue) Str() (string, bool) {
	return v.str, v.Kind() == ValueString
}

// Number returns the numeric payload and whether v is a number.
func (v VariableValue) Number() (float64, bool) {
	return v.num, v.kind == ValueNumber
}

// Bool returns the boolean payload and whether v is a boolean.
func (v VariableValue) Bool() (bool, bool) {
	return v.b, v.kind == ValueBool
}

// Native returns v as a plain Go value suitable for expression engines and
// JSON encoding.
func (v VariableValue) Native() any {
	switch v.Kind() {
	case ValueNumber:
		return v.num
	case ValueBool:
		return v.b
	case ValueJSON:
		return v.raw
	default:
		return v.str
	}
}

// Text is the canonical rendering used for substitution into command
// templates: strings verbatim, integral numbers without a fraction, booleans
// as true/false and structured values as compact JSON.
func (v VariableValue) Text() string {
	switch v.Kind() {
	case ValueNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1e15 {
			return strconv.FormatInt(int64(v.num), 10)
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.b)
	case ValueJSON:
		b, err := json.Marshal(v.raw)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return v.str
	}
}

func (v VariableValue) String() string { return v.Text() }

// Equal reports whether two values have the same kind and payload.
func (v VariableValue) Equal(other VariableValue) bool {
	if v.Kind() != other.Kind() {
		return false
	}
	if v.Kind() == ValueJSON {
		return v.Text() == other.Text()
	}
	return v.Native() == other.Native()
}

func (v VariableValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

func (v *VariableValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = ValueOf(normalizeNumbers(raw))
	return nil
}

// normalizeNumbers turns json.Number leaves into float64 so structured values
// compare and render consistently.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}
