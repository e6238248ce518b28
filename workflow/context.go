package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueKind is the closed set of value shapes a context may hold.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindList   ValueKind = "list"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
)

// IsValid returns true for known value kinds.
func (k ValueKind) IsValid() bool {
	switch k {
	case KindString, KindList, KindNumber, KindBool:
		return true
	default:
		return false
	}
}

// Value is a single context entry. The zero Value is absent.
type Value struct {
	kind ValueKind
	str  string
	list []string
	num  float64
	flag bool
}

// StringValue returns a string value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// ListValue returns a list-of-strings value.
func ListValue(items ...string) Value {
	return Value{kind: KindList, list: append([]string{}, items...)}
}

// NumberValue returns a numeric value.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{kind: KindBool, flag: b} }

// Kind returns the value kind, empty for the zero Value.
func (v Value) Kind() ValueKind { return v.kind }

// IsPresent reports whether the value counts as gathered: strings must be
// non-blank after trimming and lists must be non-empty.
func (v Value) IsPresent() bool {
	switch v.kind {
	case KindString:
		return strings.TrimSpace(v.str) != ""
	case KindList:
		return len(v.list) > 0
	case KindNumber, KindBool:
		return true
	default:
		return false
	}
}

// Str returns the string form of a string value.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Strings returns the items of a list value. A string value is split on
// commas so "a@x.com, b@x.com" gathered from chat reads as two items.
func (v Value) Strings() ([]string, bool) {
	switch v.kind {
	case KindList:
		return append([]string(nil), v.list...), true
	case KindString:
		var out []string
		for _, part := range strings.Split(v.str, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// Number returns the numeric form of a number value.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns the boolean form of a bool value.
func (v Value) Bool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.flag, true
	case KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.str))
		return b, err == nil
	default:
		return false, false
	}
}

// String renders the value for display.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindList:
		return strings.Join(v.list, ", ")
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.flag)
	default:
		return ""
	}
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	default:
		return v.str == o.str && v.num == o.num && v.flag == o.flag
	}
}

// MarshalJSON encodes the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindList:
		return json.Marshal(v.list)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.flag)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a JSON string, array of strings, number, bool or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case '[':
		var items []any
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		list := make([]string, 0, len(items))
		for _, item := range items {
			switch it := item.(type) {
			case string:
				list = append(list, it)
			case float64, bool:
				list = append(list, fmt.Sprint(it))
			default:
				return fmt.Errorf("context lists hold scalars, got %T", item)
			}
		}
		*v = ListValue(list...)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported context value %s", string(data))
		}
		*v = NumberValue(n)
	}
	return nil
}

// Context is the working memory of a plan: gathered facts keyed by name.
type Context map[string]Value

// Get returns the raw value for key.
func (c Context) Get(key string) (Value, bool) {
	v, ok := c[key]
	return v, ok
}

// Has reports whether key is present and non-empty.
func (c Context) Has(key string) bool {
	v, ok := c[key]
	return ok && v.IsPresent()
}

// FirstMissing returns the first key in keys that is not present.
func (c Context) FirstMissing(keys []string) (string, bool) {
	for _, k := range keys {
		if !c.Has(k) {
			return k, true
		}
	}
	return "", false
}

// String returns the string value for key, or "".
func (c Context) String(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.String())
}

// Clone returns a copy of the context.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	for k, v := range c {
		if v.kind == KindList {
			v.list = append([]string(nil), v.list...)
		}
		out[k] = v
	}
	return out
}

// Merge returns a new context with partial applied on top of c. Keys are
// added or overwritten, never removed, and an empty incoming value never
// replaces a fact that is already present.
func (c Context) Merge(partial Context) Context {
	out := c.Clone()
	for k, v := range partial {
		if !v.IsPresent() && out.Has(k) {
			continue
		}
		if v.kind == KindList {
			v.list = append([]string(nil), v.list...)
		}
		out[k] = v
	}
	return out
}

// Keys returns the context keys in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
