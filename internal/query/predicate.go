package query

import (
	"encoding/json"
	"strings"
)

// Evaluate applies a where tree to a materialized object (plain field values,
// relation fields holding {value: …} wrappers, nested objects, or arrays).
// Clauses at the same level are implicitly ANDed.
func Evaluate(w Where, value map[string]any) bool {
	return eval(w, value, false)
}

// eval carries the inversion flag introduced by $not. The flag flips the
// outcome of scalar comparisons; logical grouping is unaffected.
func eval(w Where, value map[string]any, invert bool) bool {
	for key, clause := range w {
		switch key {
		case "$and":
			for _, sub := range toSlice(clause) {
				m, ok := sub.(map[string]any)
				if !ok || !eval(Where(m), value, invert) {
					return false
				}
			}
		case "$or":
			subs := toSlice(clause)
			matched := len(subs) == 0
			for _, sub := range subs {
				if m, ok := sub.(map[string]any); ok && eval(Where(m), value, invert) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$not":
			if m, ok := clause.(map[string]any); ok {
				if !eval(Where(m), value, !invert) {
					return false
				}
			}
		default:
			if !evalField(value[key], clause, invert) {
				return false
			}
		}
	}
	return true
}

// evalField applies one field clause. The clause is an operator map, a
// nested predicate (relation), or a bare scalar meaning equality.
func evalField(fieldVal any, clause any, invert bool) bool {
	fieldVal = unwrap(fieldVal)
	if m, ok := clause.(map[string]any); ok {
		if isOperatorMap(m) {
			for op, arg := range m {
				if !evalOperator(fieldVal, op, arg, invert) {
					return false
				}
			}
			return true
		}
		// Nested predicate against a relation value: an object is tested
		// directly, an array matches if any element does.
		switch v := fieldVal.(type) {
		case map[string]any:
			return eval(Where(m), mapUnwrapped(v), invert)
		case []any:
			for _, item := range v {
				if obj, ok := unwrap(item).(map[string]any); ok {
					if eval(Where(m), mapUnwrapped(obj), invert) {
						return true
					}
				}
			}
			return false
		default:
			return invert
		}
	}
	return scalarEq(fieldVal, clause) != invert
}

func evalOperator(fieldVal any, op string, arg any, invert bool) bool {
	switch op {
	case "$eq":
		return scalarEq(fieldVal, unwrap(arg)) != invert
	case "$in":
		found := false
		for _, item := range toSlice(arg) {
			if scalarEq(fieldVal, unwrap(item)) {
				found = true
				break
			}
		}
		return found != invert
	case "$not":
		return evalField(fieldVal, arg, !invert)
	case "$gt":
		c, ok := compareScalars(fieldVal, unwrap(arg))
		return (ok && c > 0) != invert
	case "$gte":
		c, ok := compareScalars(fieldVal, unwrap(arg))
		return (ok && c >= 0) != invert
	case "$lt":
		c, ok := compareScalars(fieldVal, unwrap(arg))
		return (ok && c < 0) != invert
	case "$lte":
		c, ok := compareScalars(fieldVal, unwrap(arg))
		return (ok && c <= 0) != invert
	}
	// Unknown operators never match; a typo should not silently pass rows.
	return invert
}

// isOperatorMap reports whether every key of the map is a $-operator, which
// distinguishes {"$gt": 3} from a nested predicate {"name": "x"}.
func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// unwrap strips a {value: …} envelope; everything else passes through.
func unwrap(v any) any {
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok && len(m) <= 2 {
			if _, metaOnly := m["_meta"]; len(m) == 1 || metaOnly {
				return inner
			}
		}
	}
	return v
}

// mapUnwrapped returns the object with every field envelope unwrapped, so
// nested predicates read plain values.
func mapUnwrapped(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = unwrap(v)
	}
	return out
}

func scalarEq(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// compareScalars orders two scalars of compatible type.
func compareScalars(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	ab, aok2 := a.(bool)
	bb, bok2 := b.(bool)
	if aok2 && bok2 {
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}
