package row

import (
	"fmt"
	"time"
)

// Value is a sealed interface over the column value types a Row may hold.
// Only Null, String, Int, Bool, Time and Delta implement it.
type Value interface {
	rowValue() // Sealed - only these types implement it
}

// Null represents the absence of a value in a column.
type Null struct{}

func (Null) rowValue() {}

// String is a text column value.
type String string

func (String) rowValue() {}

// Int is an integer column value. Always int64.
type Int int64

func (Int) rowValue() {}

// Bool is a boolean column value.
type Bool bool

func (Bool) rowValue() {}

// Time is a timestamp column value.
// Compared with time.Time.Equal, so the monotonic reading and location are ignored.
type Time struct {
	time.Time
}

func (Time) rowValue() {}

// NewTime wraps t as a Time value, truncated to microseconds so that it
// survives a round-trip through every supported backend.
func NewTime(t time.Time) Time {
	return Time{Time: t.UTC().Truncate(time.Microsecond)}
}

// Delta is a pending relative adjustment of an integer column.
//
// Base is the value the adjustment applies to, as last seen by the session,
// and Amount is the increment. A Delta is written to the backend as
// "col = col + Amount" so concurrent increments are not lost; it must be
// resolved to an absolute Int before it becomes a row's baseline.
type Delta struct {
	Base   int64
	Amount int64
}

func (Delta) rowValue() {}

// Resolve returns the absolute value the delta represents.
func (d Delta) Resolve() Int {
	return Int(d.Base + d.Amount)
}

// Add returns a new delta with n added to the pending amount.
func (d Delta) Add(n int64) Delta {
	return Delta{Base: d.Base, Amount: d.Amount + n}
}

// IsNull reports whether v represents "no value". A nil interface counts as null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Resolve returns v with any Delta turned into its absolute Int.
func Resolve(v Value) Value {
	if d, ok := v.(Delta); ok {
		return d.Resolve()
	}
	if v == nil {
		return Null{}
	}
	return v
}

// Equal compares two values, treating nil and Null as equal.
// Deltas are only equal to identical deltas, so a pending delta is always dirty
// against a resolved baseline.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Time:
		bv, ok := b.(Time)
		return ok && av.Equal(bv.Time)
	case Delta:
		bv, ok := b.(Delta)
		return ok && av == bv
	default:
		return false
	}
}

// FromAny converts a plain Go value (as found in YAML or JSON documents)
// into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case bool:
		return Bool(val), nil
	case time.Time:
		return NewTime(val), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not supported: %v", val)
		}
		return Int(int64(val)), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// ToAny converts a Value into a plain Go value suitable for JSON/YAML output.
// Deltas are resolved; timestamps are rendered as RFC 3339 strings.
func ToAny(v Value) any {
	switch val := Resolve(v).(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Time:
		return val.Format(time.RFC3339Nano)
	default:
		return nil
	}
}

// Format renders a value for logs and CLI text output.
func Format(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "null"
	case String:
		return fmt.Sprintf("%q", string(val))
	case Int:
		return fmt.Sprintf("%d", int64(val))
	case Bool:
		return fmt.Sprintf("%t", bool(val))
	case Time:
		return val.Format(time.RFC3339Nano)
	case Delta:
		return fmt.Sprintf("%d%+d", val.Base, val.Amount)
	default:
		return fmt.Sprintf("%v", v)
	}
}
