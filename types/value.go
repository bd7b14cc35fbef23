package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ValueKind identifies the variant held by a Value.
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindBool   ValueKind = "bool"
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
	KindList   ValueKind = "list"
	KindMap    ValueKind = "map"
)

// Value is a tagged union for step inputs, outputs, and metadata. It replaces
// untyped payloads at the Step Executor boundary: handlers and executors
// validate a Value once, and the state machine carries it opaquely.
//
// The zero Value is null. JSON round-trips through the natural representation
// (a Value unmarshals from any JSON document); BSON persists the tagged form.
type Value struct {
	Kind   ValueKind        `bson:"kind" json:"-"`
	Bool   bool             `bson:"bool,omitempty" json:"-"`
	Number float64          `bson:"number,omitempty" json:"-"`
	Str    string           `bson:"str,omitempty" json:"-"`
	List   []Value          `bson:"list,omitempty" json:"-"`
	Map    map[string]Value `bson:"map,omitempty" json:"-"`
}

// Null returns the null Value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// NumberValue wraps a float64.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Number: n} }

// IntValue wraps an int as a number.
func IntValue(n int) Value { return NumberValue(float64(n)) }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// ListValue wraps a list of Values.
func ListValue(items ...Value) Value { return Value{Kind: KindList, List: items} }

// MapValue wraps a map of Values.
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// IsNull reports whether the Value is null (including the zero Value).
func (v Value) IsNull() bool { return v.Kind == KindNull || v.Kind == "" }

// FromAny converts a decoded JSON value (or plain Go value) into a Value.
// Unsupported types are stringified.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
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
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return StringValue(x.String())
		}
		return NumberValue(f)
	case string:
		return StringValue(x)
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = FromAny(item)
		}
		return Value{Kind: KindList, List: items}
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			m[k] = FromAny(item)
		}
		return Value{Kind: KindMap, Map: m}
	case Value:
		return x
	default:
		return StringValue(fmt.Sprintf("%v", x))
	}
}

// ToAny converts the Value back to its natural Go representation.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindList:
		items := make([]any, len(v.List))
		for i, item := range v.List {
			items[i] = item.ToAny()
		}
		return items
	case KindMap:
		m := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			m[k] = item.ToAny()
		}
		return m
	default:
		return nil
	}
}

// Get returns the entry under key when the Value is a map.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	item, ok := v.Map[key]
	return item, ok
}

// Truthy reports whether the Value reads as true in a condition: true bools,
// non-zero numbers, and non-empty strings, lists, and maps.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number != 0
	case KindString:
		return v.Str != ""
	case KindList:
		return len(v.List) > 0
	case KindMap:
		return len(v.Map) > 0
	}
	return false
}

// Validate checks that the Value's tag is consistent with its payload.
// It is called at the Step Executor Protocol edge only.
func (v Value) Validate() error {
	switch v.Kind {
	case "", KindNull, KindBool, KindNumber, KindString:
		return nil
	case KindList:
		for i, item := range v.List {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("list[%d]: %w", i, err)
			}
		}
		return nil
	case KindMap:
		for k, item := range v.Map {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("map[%q]: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

// Equal reports deep equality of two Values.
func (v Value) Equal(o Value) bool {
	if v.IsNull() && o.IsNull() {
		return true
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindNumber:
		return v.Number == o.Number
	case KindString:
		return v.Str == o.Str
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, item := range v.Map {
			other, ok := o.Map[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders the natural JSON representation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case "", KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.Str)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

// UnmarshalJSON accepts any JSON document and tags it by inferred kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// String renders a compact human-readable form, used in logs.
func (v Value) String() string {
	switch v.Kind {
	case "", KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindNumber:
		return fmt.Sprintf("%g", v.Number)
	case KindString:
		return v.Str
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.List))
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("map%v", keys)
	}
	return string(v.Kind)
}
