package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInteger
	KindFloat
	KindBoolean
	KindDateTime
	KindJSON
	KindReference
)

// Value is the tagged union carried by entity fields. The zero Value is Null.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	b    bool
	t    time.Time
	raw  json.RawMessage
	ref  EntityURL
}

// Null is the null value.
var Null = Value{}

func String(s string) Value      { return Value{kind: KindString, str: s} }
func Integer(i int64) Value      { return Value{kind: KindInteger, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func Boolean(b bool) Value       { return Value{kind: KindBoolean, b: b} }
func DateTime(t time.Time) Value { return Value{kind: KindDateTime, t: t.UTC()} }
func JSON(raw json.RawMessage) Value {
	return Value{kind: KindJSON, raw: append(json.RawMessage(nil), raw...)}
}
func Reference(u EntityURL) Value { return Value{kind: KindReference, ref: u} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Str() (string, bool)            { return v.str, v.kind == KindString }
func (v Value) Int() (int64, bool)             { return v.i, v.kind == KindInteger }
func (v Value) Flt() (float64, bool)           { return v.f, v.kind == KindFloat }
func (v Value) Bool() (bool, bool)             { return v.b, v.kind == KindBoolean }
func (v Value) Time() (time.Time, bool)        { return v.t, v.kind == KindDateTime }
func (v Value) RawJSON() (json.RawMessage, bool) { return v.raw, v.kind == KindJSON }
func (v Value) Ref() (EntityURL, bool)         { return v.ref, v.kind == KindReference }

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindInteger:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBoolean:
		return v.b == o.b
	case KindDateTime:
		return v.t.Equal(o.t)
	case KindJSON:
		return string(v.raw) == string(o.raw)
	case KindReference:
		return v.ref == o.ref
	}
	return false
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return v.str
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindDateTime:
		return v.t.Format(time.RFC3339Nano)
	case KindJSON:
		return string(v.raw)
	case KindReference:
		return string(v.ref)
	}
	return "unknown"
}

// Driver returns the database/sql binding representation of the value.
// Booleans become 0/1, timestamps RFC3339Nano text, JSON and references text.
func (v Value) Driver() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindBoolean:
		if v.b {
			return int64(1)
		}
		return int64(0)
	case KindDateTime:
		return v.t.Format(time.RFC3339Nano)
	case KindJSON:
		return string(v.raw)
	case KindReference:
		return string(v.ref)
	}
	return nil
}

// FromDriver reconstructs a Value of the given field type from a scanned
// database value. It is the inverse of Driver for every supported variant.
func FromDriver(ft FieldType, src interface{}) (Value, error) {
	if src == nil {
		return Null, nil
	}
	switch ft {
	case FieldString:
		return String(asString(src)), nil
	case FieldInteger:
		n, err := asInt(src)
		if err != nil {
			return Null, err
		}
		return Integer(n), nil
	case FieldFloat:
		switch x := src.(type) {
		case float64:
			return Float(x), nil
		case int64:
			return Float(float64(x)), nil
		}
		return Null, errors.Errorf("cannot read %T as float", src)
	case FieldBoolean:
		n, err := asInt(src)
		if err != nil {
			return Null, err
		}
		return Boolean(n != 0), nil
	case FieldDateTime:
		switch x := src.(type) {
		case time.Time:
			return DateTime(x), nil
		default:
			t, err := time.Parse(time.RFC3339Nano, asString(src))
			if err != nil {
				return Null, errors.Wrap(err, "parse datetime")
			}
			return DateTime(t), nil
		}
	case FieldJSON:
		return JSON(json.RawMessage(asString(src))), nil
	case FieldReference:
		u, err := ParseEntityURL(asString(src))
		if err != nil {
			return Null, err
		}
		return Reference(u), nil
	}
	return Null, errors.Errorf("unsupported field type %s", ft)
}

// FromAny converts a plain Go value (for example a decoded JSON scalar or a
// struct field) into a Value.
func FromAny(src interface{}) Value {
	switch x := src.(type) {
	case nil:
		return Null
	case Value:
		return x
	case string:
		return String(x)
	case int:
		return Integer(int64(x))
	case int64:
		return Integer(x)
	case float64:
		return Float(x)
	case bool:
		return Boolean(x)
	case time.Time:
		return DateTime(x)
	case json.RawMessage:
		return JSON(x)
	case EntityURL:
		return Reference(x)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// Any returns the natural Go representation of the value.
func (v Value) Any() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindBoolean:
		return v.b
	case KindDateTime:
		return v.t
	case KindJSON:
		return v.raw
	case KindReference:
		return v.ref
	}
	return nil
}

type valueJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value with an explicit kind tag so the round trip
// through the operation queue preserves the variant.
func (v Value) MarshalJSON() ([]byte, error) {
	var inner interface{}
	var kind string
	switch v.kind {
	case KindNull:
		return json.Marshal(valueJSON{Kind: "null"})
	case KindString:
		kind, inner = "string", v.str
	case KindInteger:
		kind, inner = "integer", v.i
	case KindFloat:
		kind, inner = "float", v.f
	case KindBoolean:
		kind, inner = "boolean", v.b
	case KindDateTime:
		kind, inner = "datetime", v.t.Format(time.RFC3339Nano)
	case KindJSON:
		kind, inner = "json", v.raw
	case KindReference:
		kind, inner = "reference", string(v.ref)
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: kind, Value: raw})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var vj valueJSON
	if err := json.Unmarshal(data, &vj); err != nil {
		return err
	}
	switch vj.Kind {
	case "null", "":
		*v = Null
	case "string":
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case "integer":
		var n int64
		if err := json.Unmarshal(vj.Value, &n); err != nil {
			return err
		}
		*v = Integer(n)
	case "float":
		var f float64
		if err := json.Unmarshal(vj.Value, &f); err != nil {
			return err
		}
		*v = Float(f)
	case "boolean":
		var b bool
		if err := json.Unmarshal(vj.Value, &b); err != nil {
			return err
		}
		*v = Boolean(b)
	case "datetime":
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = DateTime(t)
	case "json":
		*v = JSON(append(json.RawMessage(nil), vj.Value...))
	case "reference":
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return err
		}
		u, err := ParseEntityURL(s)
		if err != nil {
			return err
		}
		*v = Reference(u)
	default:
		return errors.Errorf("unknown value kind %q", vj.Kind)
	}
	return nil
}

func asString(src interface{}) string {
	switch x := src.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asInt(src interface{}) (int64, error) {
	switch x := src.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, errors.Errorf("cannot read %T as integer", src)
}
