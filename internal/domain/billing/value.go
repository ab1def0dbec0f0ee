package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
)

// Value is a loosely-typed cell: null, a string or a number.
type Value struct {
	kind ValueKind
	str  string
	num  float64
}

// Null returns the null value.
func Null() Value { return Value{} }

// Str wraps a string.
func Str(s string) Value { return Value{kind: ValueString, str: s} }

// Num wraps a number. NaN and infinities become null.
func Num(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{kind: ValueNumber, num: f}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == ValueNull }

// String returns the string payload and whether v holds a string.
func (v Value) String() (string, bool) {
	return v.str, v.kind == ValueString
}

// Number returns the numeric payload and whether v holds a number.
func (v Value) Number() (float64, bool) {
	return v.num, v.kind == ValueNumber
}

// Text renders v for keys and display: null is "", numbers use the shortest
// decimal form without exponent.
func (v Value) Text() string {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumber:
		return FormatNumber(v.num)
	default:
		return ""
	}
}

// Any returns the Go representation: nil, string or float64.
func (v Value) Any() any {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumber:
		return v.num
	default:
		return nil
	}
}

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.str == o.str && v.num == o.num
}

// FormatNumber formats f without exponent and without trailing zeros.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueString:
		return json.Marshal(v.str)
	case ValueNumber:
		return []byte(FormatNumber(v.num)), nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Null()
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Str(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Str(strconv.FormatBool(b))
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("unsupported cell value %s", data)
		}
		*v = Num(f)
	}
	return nil
}
