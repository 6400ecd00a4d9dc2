package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueType tags the concrete shape carried by a TypedValue.
type ValueType string

const (
	ValueTypeString     ValueType = "string"
	ValueTypeInt        ValueType = "int"
	ValueTypeFloat      ValueType = "float"
	ValueTypeBool       ValueType = "bool"
	ValueTypeTimestamp  ValueType = "timestamp"
	ValueTypeStructured ValueType = "structured"
)

// TypedValue is the tagged union spec.md §9 calls for in place of an
// any-typed field: VariableEntry.value and Variable.default_value are both
// realized as this type rather than interface{}.
type TypedValue struct {
	Type   ValueType       `json:"type"`
	String string          `json:"string,omitempty"`
	Int    int64           `json:"int,omitempty"`
	Float  float64         `json:"float,omitempty"`
	Bool   bool            `json:"bool,omitempty"`
	Time   time.Time       `json:"time,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
}

func NewStringValue(s string) TypedValue   { return TypedValue{Type: ValueTypeString, String: s} }
func NewIntValue(i int64) TypedValue       { return TypedValue{Type: ValueTypeInt, Int: i} }
func NewFloatValue(f float64) TypedValue   { return TypedValue{Type: ValueTypeFloat, Float: f} }
func NewBoolValue(b bool) TypedValue       { return TypedValue{Type: ValueTypeBool, Bool: b} }
func NewTimeValue(t time.Time) TypedValue  { return TypedValue{Type: ValueTypeTimestamp, Time: t} }
func NewStructuredValue(raw json.RawMessage) TypedValue {
	return TypedValue{Type: ValueTypeStructured, JSON: raw}
}

// Format stringifies the value per its type, the one allowed conversion to
// text (e.g. for prompt rendering); callers must not otherwise inspect the
// concrete field without checking Type first.
func (v TypedValue) Format() string {
	switch v.Type {
	case ValueTypeString:
		return v.String
	case ValueTypeInt:
		return fmt.Sprintf("%d", v.Int)
	case ValueTypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case ValueTypeBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValueTypeTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	case ValueTypeStructured:
		return string(v.JSON)
	default:
		return ""
	}
}

// Interface returns the Go-native value boxed for consumers (expr
// evaluation, jsonpath resolution) that need a plain value rather than the
// tagged struct.
func (v TypedValue) Interface() interface{} {
	switch v.Type {
	case ValueTypeString:
		return v.String
	case ValueTypeInt:
		return v.Int
	case ValueTypeFloat:
		return v.Float
	case ValueTypeBool:
		return v.Bool
	case ValueTypeTimestamp:
		return v.Time
	case ValueTypeStructured:
		var out interface{}
		if err := json.Unmarshal(v.JSON, &out); err != nil {
			return string(v.JSON)
		}
		return out
	default:
		return nil
	}
}
