package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kind is the ordering class of an indexed value. Kinds sort in declaration
// order: null, bool, number, string, UUID.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindUUID
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindUUID:
		return "uuid"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a typed property value as it appears in an index entry.
// Numbers carry either an exact int64 or a float64.
type Value struct {
	Kind    Kind
	Bool    bool
	Int     int64
	Float   float64
	IsFloat bool
	Str     string
	UUID    uuid.UUID
}

func Null() Value { return Value{Kind: KindNull} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value { return Value{Kind: KindNumber, Int: i} }
func Float(f float64) Value { return Value{Kind: KindNumber, Float: f, IsFloat: true} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func UUID(u uuid.UUID) Value { return Value{Kind: KindUUID, UUID: u} }
func (v Value) IsNull() bool { return v.Kind == KindNull }
func (v Value) approx() float64 { return numberApprox(v) }

func numberApprox(v Value) float64 {
	if v.IsFloat {
		return v.Float
	}
	return float64(v.Int)
}

// Interface returns the plain Go representation of v.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		if v.IsFloat {
			return v.Float
		}
		return v.Int
	case KindString:
		return v.Str
	case KindUUID:
		return v.UUID
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		if v.IsFloat {
			return strconv.FormatFloat(v.Float, 'g', -1, 64)
		}
		return strconv.FormatInt(v.Int, 10)
	case KindString:
		return strconv.Quote(v.Str)
	case KindUUID:
		return v.UUID.String()
	default:
		return "?"
	}
}

// FromAny lifts a JSON-like Go value into a Value. Maps and slices are not
// indexable scalars and are rejected.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", t.String(), err)
		}
		return fromFloat(f)
	case string:
		return String(t), nil
	case uuid.UUID:
		return UUID(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return Float(float64(u))
	}
	return Int(int64(u))
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("non-finite number %v", f)
	}
	return Float(f), nil
}

// Compare orders a and b exactly as their encoded keys order.
func Compare(a, b Value) int {
	if a.Kind != b.Kind {
		return cmpInt(int(a.Kind), int(b.Kind))
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		return cmpBool(a.Bool, b.Bool)
	case KindNumber:
		if c := cmpFloat(normalizeZero(a.approx()), normalizeZero(b.approx())); c != 0 {
			return c
		}
		if a.IsFloat != b.IsFloat {
			if a.IsFloat {
				return 1
			}
			return -1
		}
		if a.IsFloat {
			return 0
		}
		return cmpInt64(a.Int, b.Int)
	case KindString:
		if c := strings.Compare(fold(a.Str), fold(b.Str)); c != 0 {
			return c
		}
		return strings.Compare(a.Str, b.Str)
	case KindUUID:
		return compareBytes(encodeUUID(a.UUID), encodeUUID(b.UUID))
	}
	return 0
}

// CompareLoose is the predicate comparison used by queries: strings compare
// case-insensitively and integers equal floats of the same magnitude. It
// agrees with the bounds produced by ValuePrefix.
func CompareLoose(a, b Value) int {
	if a.Kind != b.Kind {
		return cmpInt(int(a.Kind), int(b.Kind))
	}
	switch a.Kind {
	case KindNumber:
		if !a.IsFloat && !b.IsFloat {
			return cmpInt64(a.Int, b.Int)
		}
		return cmpFloat(a.approx(), b.approx())
	case KindString:
		return strings.Compare(fold(a.Str), fold(b.Str))
	default:
		return Compare(a, b)
	}
}

func fold(s string) string { return strings.ToLower(s) }

func normalizeZero(f float64) float64 {
	if f == 0 {
		return 0
	}
	return f
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}
