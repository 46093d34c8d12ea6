// Package result extracts structured key/value data from raw test output
// and evaluates pass/fail expressions over it. Parsing captures strings;
// evaluation works on typed values with a fixed coercion order so verdicts
// are deterministic.
package result

import (
	"fmt"
	"strconv"
)

// Kind discriminates the typed values the expression language works on.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

// Value is one typed value: string, int, float or bool.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func stringValue(s string) Value { return Value{kind: KindString, s: s} }
func intValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func floatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func boolValue(b bool) Value     { return Value{kind: KindBool, b: b} }

// Kind returns the value's type.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the boolean payload; only meaningful for KindBool.
func (v Value) Bool() bool { return v.b }

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// coerce applies the ordered coercion rule to extracted strings: integer
// first, float second, string as-is last. Non-string values pass through.
func (v Value) coerce() Value {
	if v.kind != KindString {
		return v
	}
	if i, err := strconv.ParseInt(v.s, 10, 64); err == nil {
		return intValue(i)
	}
	if f, err := strconv.ParseFloat(v.s, 64); err == nil {
		return floatValue(f)
	}
	return v
}

func (v Value) asFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// compare applies a comparison operator to two values after coercion.
// Numeric kinds compare numerically (int against float promotes to float),
// strings compare lexicographically, booleans support equality only.
// Anything else is a type mismatch.
func compare(op string, a, b Value) (bool, error) {
	a = a.coerce()
	b = b.coerce()

	numeric := func(v Value) bool { return v.kind == KindInt || v.kind == KindFloat }

	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return compareOrdered(op, a.i, b.i)
	case numeric(a) && numeric(b):
		return compareOrdered(op, a.asFloat(), b.asFloat())
	case a.kind == KindString && b.kind == KindString:
		return compareOrdered(op, a.s, b.s)
	case a.kind == KindBool && b.kind == KindBool:
		switch op {
		case "==":
			return a.b == b.b, nil
		case "!=":
			return a.b != b.b, nil
		}
		return false, fmt.Errorf("operator %s not defined on booleans", op)
	}
	return false, fmt.Errorf("cannot compare %s %q with %s %q",
		a.kind, a.String(), b.kind, b.String())
}

func compareOrdered[T int64 | float64 | string](op string, a, b T) (bool, error) {
	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	}
	return false, fmt.Errorf("unknown operator %s", op)
}
