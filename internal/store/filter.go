package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// matchFilter reports whether doc satisfies the filter. Plain values mean
// equality; a nested map means operator comparison:
//
//	{"stock": 5}                   equality
//	{"stock": {"gt": 3}}           comparison
//	{"tag": {"in": ["a","b"]}}     membership
//	{"name": {"contains": "bo"}}   substring
func matchFilter(doc Doc, filter map[string]interface{}) (bool, error) {
	for field, want := range filter {
		got, present := doc[field]

		ops, isOps := want.(map[string]interface{})
		if !isOps {
			if !present || !valuesEqual(got, want) {
				return false, nil
			}
			continue
		}

		for op, operand := range ops {
			ok, err := applyOperator(op, got, present, operand)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func applyOperator(op string, got interface{}, present bool, operand interface{}) (bool, error) {
	switch op {
	case "eq":
		return present && valuesEqual(got, operand), nil
	case "neq":
		return !present || !valuesEqual(got, operand), nil
	case "gt", "gte", "lt", "lte":
		if !present {
			return false, nil
		}
		a, aok := toFloat(got)
		b, bok := toFloat(operand)
		if !aok || !bok {
			// Fall back to lexicographic compare for strings.
			as, asok := got.(string)
			bs, bsok := operand.(string)
			if !asok || !bsok {
				return false, nil
			}
			return compareOrdered(strings.Compare(as, bs), op), nil
		}
		switch {
		case a < b:
			return compareOrdered(-1, op), nil
		case a > b:
			return compareOrdered(1, op), nil
		default:
			return compareOrdered(0, op), nil
		}
	case "in":
		list, ok := operand.([]interface{})
		if !ok {
			return false, fmt.Errorf("in operator requires an array")
		}
		if !present {
			return false, nil
		}
		for _, candidate := range list {
			if valuesEqual(got, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		s, sok := got.(string)
		sub, subok := operand.(string)
		if sok && subok {
			return strings.Contains(s, sub), nil
		}
		if list, ok := got.([]interface{}); ok {
			for _, item := range list {
				if valuesEqual(item, operand) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown filter operator %q", op)
	}
}

func compareOrdered(cmp int, op string) bool {
	switch op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

// valuesEqual compares two JSON-decoded values, normalizing numerics so
// int64 and float64 renditions of the same number compare equal. Arrays and
// objects compare by canonical JSON; a naive == on them would panic.
func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch a.(type) {
	case nil, bool, string:
		return a == b
	}
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	return aerr == nil && berr == nil && bytes.Equal(aj, bj)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
