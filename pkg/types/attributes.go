package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// AttributeKind identifies which variant an AttributeValue holds.
type AttributeKind string

const (
	AttributeString AttributeKind = "string"
	AttributeNumber AttributeKind = "number"
	AttributeBool   AttributeKind = "bool"
	AttributeList   AttributeKind = "list"
)

// AttributeValue is a tagged union of string, number, bool, and list values.
// It marshals to the plain JSON value it holds.
type AttributeValue struct {
	Kind AttributeKind
	Str  string
	Num  float64
	Bool bool
	List []AttributeValue
}

func StringValue(s string) AttributeValue  { return AttributeValue{Kind: AttributeString, Str: s} }
func NumberValue(n float64) AttributeValue { return AttributeValue{Kind: AttributeNumber, Num: n} }
func BoolValue(b bool) AttributeValue      { return AttributeValue{Kind: AttributeBool, Bool: b} }

func ListValue(items ...AttributeValue) AttributeValue {
	return AttributeValue{Kind: AttributeList, List: items}
}

// ValueOf converts a decoded Go value into an AttributeValue.
// Maps and nil are rejected.
func ValueOf(v any) (AttributeValue, error) {
	switch x := v.(type) {
	case AttributeValue:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return AttributeValue{}, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return NumberValue(f), nil
	case []string:
		items := make([]AttributeValue, len(x))
		for i, s := range x {
			items[i] = StringValue(s)
		}
		return ListValue(items...), nil
	case []any:
		items := make([]AttributeValue, 0, len(x))
		for _, item := range x {
			av, err := ValueOf(item)
			if err != nil {
				return AttributeValue{}, err
			}
			items = append(items, av)
		}
		return ListValue(items...), nil
	default:
		return AttributeValue{}, fmt.Errorf("unsupported attribute value type %T", v)
	}
}

// Interface returns the plain Go value held by the variant.
func (v AttributeValue) Interface() any {
	switch v.Kind {
	case AttributeString:
		return v.Str
	case AttributeNumber:
		return v.Num
	case AttributeBool:
		return v.Bool
	case AttributeList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

// Equal compares two values by kind and content.
func (v AttributeValue) Equal(other AttributeValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case AttributeString:
		return v.Str == other.Str
	case AttributeNumber:
		return v.Num == other.Num
	case AttributeBool:
		return v.Bool == other.Bool
	case AttributeList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	}
	return true
}

func (v AttributeValue) String() string {
	return fmt.Sprintf("%v", v.Interface())
}

// MarshalJSON implements json.Marshaler.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// UnmarshalYAML decodes a scalar or sequence node.
func (v *AttributeValue) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Attributes is the open key/value map carried by entity versions.
type Attributes map[string]AttributeValue

// AttributesFromMap converts a decoded map into Attributes.
func AttributesFromMap(m map[string]any) (Attributes, error) {
	if m == nil {
		return nil, nil
	}
	out := make(Attributes, len(m))
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return nil, NewValidationError("attributes."+k, "%v", err)
		}
		out[k] = v
	}
	return out, nil
}

// Equal compares two attribute maps key by key.
func (a Attributes) Equal(other Attributes) bool {
	if len(a) != len(other) {
		return false
	}
	for k, v := range a {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v.clone()
	}
	return out
}

func (v AttributeValue) clone() AttributeValue {
	if v.Kind != AttributeList {
		return v
	}
	items := make([]AttributeValue, len(v.List))
	for i, item := range v.List {
		items[i] = item.clone()
	}
	v.List = items
	return v
}
