// Package payload implements a recursive JSON value used for free-form agent
// documents (machine configuration and metric samples).
//
// Objects keep their member order and numbers keep their literal text, so a
// document decoded and re-encoded is byte-for-byte stable apart from
// whitespace. Numeric leaves can be walked by dotted path for aggregation.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

var kindNames = [...]string{"null", "bool", "number", "string", "array", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// maxDepth bounds nesting accepted from the wire.
const maxDepth = 64

// Member is a single key/value pair of an object.
type Member struct {
	Key   string
	Value Value
}

// Value is a JSON value. The zero Value is null.
type Value struct {
	kind    Kind
	b       bool
	s       string // string contents, or the literal text of a number
	items   []Value
	members []Member
}

func NullValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }
func StringValue(s string) Value { return Value{kind: String, s: s} }

// NumberValue returns a number. NaN and infinities are not representable in
// JSON and are stored as null.
func NumberValue(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{kind: Number, s: strconv.FormatFloat(f, 'g', -1, 64)}
}

func ArrayValue(items ...Value) Value { return Value{kind: Array, items: items} }

func ObjectValue(members ...Member) Value {
	v := Value{kind: Object}
	for _, m := range members {
		v.Set(m.Key, m.Value)
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }
func (v Value) IsObject() bool { return v.kind == Object }
func (v Value) Len() int { return len(v.items) + len(v.members) }
func (v Value) Items() []Value { return v.items }
func (v Value) Members() []Member { return v.members }

// AsString returns the contents of a string value.
func (v Value) AsString() (string, bool) {
	if v.kind != String {
		return "", false
	}
	return v.s, true
}

// AsFloat returns the numeric value of a number.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsBool returns the contents of a bool value.
func (v Value) AsBool() (bool, bool) {
	if v.kind != Bool {
		return false, false
	}
	return v.b, true
}

// Get returns the member named key of an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Lookup follows a sequence of object keys.
func (v Value) Lookup(keys ...string) (Value, bool) {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Set replaces the member named key, or appends it. Set on a non-object
// turns v into an object holding only that member.
func (v *Value) Set(key string, val Value) {
	if v.kind != Object {
		*v = Value{kind: Object}
	}
	for i := range v.members {
		if v.members[i].Key == key {
			v.members[i].Value = val
			return
		}
	}
	v.members = append(v.members, Member{Key: key, Value: val})
}

// Leaves calls fn for every numeric leaf with its dotted path. Array
// elements are addressed by index ("disks.0.usage"). Non-numeric leaves are
// skipped.
func (v Value) Leaves(fn func(path string, x float64)) {
	v.leaves("", fn)
}

func (v Value) leaves(prefix string, fn func(string, float64)) {
	switch v.kind {
	case Number:
		if f, ok := v.AsFloat(); ok && prefix != "" {
			fn(prefix, f)
		}
	case Object:
		for _, m := range v.members {
			m.Value.leaves(joinPath(prefix, m.Key), fn)
		}
	case Array:
		for i, item := range v.items {
			item.leaves(joinPath(prefix, strconv.Itoa(i)), fn)
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Parse decodes a JSON document.
func Parse(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		buf.WriteString(v.s)
	case String:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(m.Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := m.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("payload: unknown kind %d", v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decode(dec, 0)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("payload: trailing data after document")
	}
	*v = val
	return nil
}

func decode(dec *json.Decoder, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, fmt.Errorf("payload: nesting deeper than %d", maxDepth)
	}
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("payload: %w", err)
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return Value{kind: Number, s: string(t)}, nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '{':
			obj := Value{kind: Object}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, fmt.Errorf("payload: %w", err)
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("payload: object key %v is not a string", kt)
				}
				val, err := decode(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("payload: %w", err)
			}
			return obj, nil
		case '[':
			arr := Value{kind: Array, items: []Value{}}
			for dec.More() {
				val, err := decode(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				arr.items = append(arr.items, val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("payload: %w", err)
			}
			return arr, nil
		}
	}
	return Value{}, fmt.Errorf("payload: unexpected token %v", tok)
}

// String renders v as compact JSON. Intended for logs and test failures.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid: " + err.Error() + ">"
	}
	return strings.TrimSpace(string(b))
}
