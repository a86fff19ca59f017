package row

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Kind enumerates the scalar kinds a column value can take.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindNested
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindNested:
		return "nested"
	default:
		return "invalid"
	}
}

// Value is a tagged variant holding one column value. Only the field
// selected by Kind is meaningful; the zero Value is null.
type Value struct {
	Kind   Kind
	Str    string
	Int    int64
	Float  float64
	Bool   bool
	Time   time.Time
	Nested any
}

func Null() Value                 { return Value{Kind: KindNull} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value           { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value       { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Timestamp(t time.Time) Value { return Value{Kind: KindTime, Time: t} }
func Nested(v any) Value          { return Value{Kind: KindNested, Nested: v} }

// FromAny converts a driver-decoded Go value into a Value. It covers the
// types pgx produces for the column types Materialize serves, including
// pgtype.Numeric for numeric columns.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case []byte:
		return String(string(x)), nil
	case int:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Timestamp(x), nil
	case pgtype.Numeric:
		return numericValue(x)
	case map[string]any, []any:
		return Nested(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported column value type %T", v)
	}
}

func numericValue(n pgtype.Numeric) (Value, error) {
	if !n.Valid {
		return Null(), nil
	}
	if n.NaN {
		return Value{}, fmt.Errorf("numeric NaN is not representable")
	}
	if n.Exp == 0 && n.Int.IsInt64() {
		return Int(n.Int.Int64()), nil
	}
	if n.Exp > 0 {
		scaled := new(big.Int).Mul(n.Int, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
		if scaled.IsInt64() {
			return Int(scaled.Int64()), nil
		}
	}
	f, err := strconv.ParseFloat(numericString(n), 64)
	if err != nil {
		return Value{}, fmt.Errorf("decode numeric: %w", err)
	}
	return Float(f), nil
}

func numericString(n pgtype.Numeric) string {
	return fmt.Sprintf("%se%d", n.Int.String(), n.Exp)
}

// AsInt64 returns the value as an int64 when its kind permits a lossless
// conversion.
func (v Value) AsInt64() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindFloat:
		i := int64(v.Float)
		if float64(i) == v.Float {
			return i, true
		}
	}
	return 0, false
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Text renders the value as a string for use as a row key. Nested values
// and nulls have no key form.
func (v Value) Text() (string, bool) {
	switch v.Kind {
	case KindString:
		return v.Str, v.Str != ""
	case KindInt:
		return strconv.FormatInt(v.Int, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.Bool), true
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339Nano), true
	default:
		return "", false
	}
}

// Interface returns the natural Go representation, with timestamps as
// ISO-8601 UTC strings. Used when shaping rows into JSON documents.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case KindNested:
		return v.Nested
	default:
		return nil
	}
}

// Equal compares two values for semantic equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindTime:
		return v.Time.Equal(o.Time)
	case KindNested:
		return reflect.DeepEqual(v.Nested, o.Nested)
	default:
		return false
	}
}
