package table

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindText
	KindBool
	KindDate
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single cell. The zero value is Null.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	t    time.Time
}

// Null returns the null cell value
func Null() Value { return Value{} }

// Number returns a numeric cell value
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Text returns a text cell value
func Text(s string) Value { return Value{kind: KindText, str: s} }

// Bool returns a boolean cell value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Date returns a date cell value
func Date(t time.Time) Value { return Value{kind: KindDate, t: t} }

// Kind returns the variant of v
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == KindNull }

// Float returns the numeric payload
func (v Value) Float() float64 { return v.num }

// Str returns the text payload
func (v Value) Str() string { return v.str }

// Boolean returns the boolean payload
func (v Value) Boolean() bool { return v.b }

// Time returns the date payload
func (v Value) Time() time.Time { return v.t }

// Equal compares two values per variant. Values of different kinds are
// never equal, so Number(5) and Text("5") differ.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindNumber:
		return v.num == o.num
	case KindText:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindDate:
		return v.t.Equal(o.t)
	}
	return false
}

// String renders the canonical text form. Null renders as the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindText:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		if isMidnightUTC(v.t) {
			return v.t.Format(dateLayout)
		}
		return v.t.Format(time.RFC3339Nano)
	}
	return ""
}

// MarshalJSON renders the value as its natural JSON type
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindText:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindDate:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	}
	return []byte("null"), nil
}

// UnmarshalJSON reads a natural JSON value. Strings always decode as Text.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Null()
	case float64:
		*v = Number(x)
	case string:
		*v = Text(x)
	case bool:
		*v = Bool(x)
	default:
		return fmt.Errorf("unsupported cell value %s", string(data))
	}
	return nil
}

// Encode returns a lossless tagged string for persistence. ok is false for
// Null, which is stored as a SQL NULL.
func (v Value) Encode() (s string, ok bool) {
	switch v.kind {
	case KindNumber:
		return "n:" + strconv.FormatFloat(v.num, 'g', -1, 64), true
	case KindText:
		return "s:" + v.str, true
	case KindBool:
		return "b:" + strconv.FormatBool(v.b), true
	case KindDate:
		return "d:" + v.t.Format(time.RFC3339Nano), true
	}
	return "", false
}

// Decode parses a string produced by Encode
func Decode(s string) (Value, error) {
	tag, payload, found := strings.Cut(s, ":")
	if !found {
		return Value{}, fmt.Errorf("malformed encoded value %q", s)
	}
	switch tag {
	case "n":
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return Value{}, fmt.Errorf("malformed number %q: %w", payload, err)
		}
		return Number(f), nil
	case "s":
		return Text(payload), nil
	case "b":
		b, err := strconv.ParseBool(payload)
		if err != nil {
			return Value{}, fmt.Errorf("malformed bool %q: %w", payload, err)
		}
		return Bool(b), nil
	case "d":
		t, err := time.Parse(time.RFC3339Nano, payload)
		if err != nil {
			return Value{}, fmt.Errorf("malformed date %q: %w", payload, err)
		}
		return Date(t), nil
	}
	return Value{}, fmt.Errorf("unknown value tag %q", tag)
}

const dateLayout = "2006-01-02"

// Infer converts a raw textual cell into a typed value: blanks are Null,
// true/false are Bool, finite numbers are Number, ISO dates are Date and
// everything else is Text.
func Infer(raw string) Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Null()
	}
	switch strings.ToLower(s) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return Number(f)
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return Date(t)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Date(t)
	}
	return Text(raw)
}

func isMidnightUTC(t time.Time) bool {
	return t.Location() == time.UTC && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}
