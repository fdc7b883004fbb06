package model

import (
	"time"
)

// Equal reports deep structural equality between two JSON-ish values.
// Numeric values compare by magnitude across int/int32/int64/float64 so that
// values decoded from the wire (float64) match values produced by handlers
// (usually int). Used by the merge box to suppress no-op change frames.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		return ok && na == nb
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		return mapEqual(av, toMap(b))
	case Document:
		return mapEqual(av, toMap(b))
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	}

	return a == b
}

func mapEqual(a map[string]interface{}, b map[string]interface{}) bool {
	if b == nil || len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

func toMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case Document:
		return m
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
