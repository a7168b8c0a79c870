package vector

import (
	"fmt"
	"reflect"
	"strings"
)

// matchesAll reports whether metadata satisfies every condition.
func matchesAll(metadata map[string]any, conds []condition) bool {
	for _, c := range conds {
		value, ok := metadata[c.field]
		if !ok {
			return false
		}
		if !matchesCondition(value, c) {
			return false
		}
	}
	return true
}

func matchesCondition(value any, c condition) bool {
	switch c.op {
	case OpEq:
		return equalValues(value, c.value)

	case OpIn:
		return valueIn(value, c.value)

	case OpLt, OpLte, OpGt, OpGte:
		lhs, lok := toFloat(value)
		rhs, rok := toFloat(c.value)
		if !lok || !rok {
			return false
		}
		switch c.op {
		case OpLt:
			return lhs < rhs
		case OpLte:
			return lhs <= rhs
		case OpGt:
			return lhs > rhs
		default:
			return lhs >= rhs
		}

	case OpContains:
		return valueContains(value, c.value)

	default:
		return false
	}
}

// equalValues compares with numeric coercion so 2 matches 2.0 and int64(2).
func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// valueIn reports whether value appears in the list-valued operand.
func valueIn(value, operand any) bool {
	rv := reflect.ValueOf(operand)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return equalValues(value, operand)
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValues(value, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// valueContains: substring match for strings, element match for lists.
func valueContains(value, operand any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, fmt.Sprint(operand))
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if equalValues(rv.Index(i).Interface(), operand) {
				return true
			}
		}
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
