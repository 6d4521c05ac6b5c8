package assets

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the fixed storage type of a typed attribute.
type Kind int

const (
	KindText Kind = iota
	KindBoolean
	KindInteger
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	default:
		return "text"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Value is a tagged union over the three attribute kinds. Only the field
// matching Kind is meaningful.
type Value struct {
	Kind Kind
	Bool bool
	Int  int64
	Text string
}

func Bool(b bool) Value   { return Value{Kind: KindBoolean, Bool: b} }
func Int(i int64) Value   { return Value{Kind: KindInteger, Int: i} }
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindBoolean:
		return v.Bool == other.Bool
	case KindInteger:
		return v.Int == other.Int
	default:
		return v.Text == other.Text
	}
}

// Any returns the Go value carried by v.
func (v Value) Any() any {
	switch v.Kind {
	case KindBoolean:
		return v.Bool
	case KindInteger:
		return v.Int
	default:
		return v.Text
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	default:
		return v.Text
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  Kind `json:"kind"`
		Value any  `json:"value"`
	}{Kind: v.Kind, Value: v.Any()})
}

// StateValue applies the boolean-literal heuristic to an entity state:
// "on"/"true" and "off"/"false" become Booleans, anything else is kept as Text.
func StateValue(state string) Value {
	if b, ok := boolLiteral(state); ok {
		return Bool(b)
	}
	return Text(state)
}

// Infer picks a kind for a raw remote attribute value. Order is fixed:
// native integer, then boolean-literal string, then stringified text.
// A nil value reports false.
func Infer(raw any) (Value, bool) {
	if raw == nil {
		return Value{}, false
	}
	if i, ok := nativeInt(raw); ok {
		return Int(i), true
	}
	if s, ok := raw.(string); ok {
		if b, ok := boolLiteral(s); ok {
			return Bool(b), true
		}
	}
	return Text(stringify(raw)), true
}

// Coerce converts a raw value into an already fixed kind. It reports false
// when raw cannot be represented in that kind.
func Coerce(kind Kind, raw any) (Value, bool) {
	if raw == nil {
		return Value{}, false
	}
	switch kind {
	case KindBoolean:
		switch v := raw.(type) {
		case bool:
			return Bool(v), true
		case string:
			if b, ok := boolLiteral(v); ok {
				return Bool(b), true
			}
		}
		return Value{}, false
	case KindInteger:
		if i, ok := nativeInt(raw); ok {
			return Int(i), true
		}
		if s, ok := raw.(string); ok {
			if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return Int(i), true
			}
		}
		return Value{}, false
	default:
		return Text(stringify(raw)), true
	}
}

func boolLiteral(s string) (bool, bool) {
	switch s {
	case "on", "true":
		return true, true
	case "off", "false":
		return false, true
	default:
		return false, false
	}
}

func nativeInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case json.Number:
		i, err := strconv.ParseInt(v.String(), 10, 64)
		return i, err == nil
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func stringify(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
