package store

import (
	"encoding/json"
)

// Matches reports whether payload satisfies every condition. A nil filter
// matches everything. Numeric values compare by magnitude regardless of the
// concrete Go type, so int64(3) and float64(3) are equal.
func (f *Filter) Matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Conditions {
		if !c.matches(payload) {
			return false
		}
	}
	return true
}

func (c Condition) matches(payload map[string]any) bool {
	value, present := payload[c.Field]
	switch c.Op {
	case OpEq:
		return present && valuesEqual(value, c.Value)
	case OpNeq:
		return !present || !valuesEqual(value, c.Value)
	case OpIn:
		if !present {
			return false
		}
		for _, candidate := range c.Values {
			if valuesEqual(value, candidate) {
				return true
			}
		}
		return false
	case OpRange:
		return present && c.Range != nil && c.Range.contains(value)
	default:
		return false
	}
}

func (r *Range) contains(value any) bool {
	if r.GTE != nil {
		if cmp, ok := compareValues(value, r.GTE); !ok || cmp < 0 {
			return false
		}
	}
	if r.GT != nil {
		if cmp, ok := compareValues(value, r.GT); !ok || cmp <= 0 {
			return false
		}
	}
	if r.LTE != nil {
		if cmp, ok := compareValues(value, r.LTE); !ok || cmp > 0 {
			return false
		}
	}
	if r.LT != nil {
		if cmp, ok := compareValues(value, r.LT); !ok || cmp >= 0 {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// compareValues orders two values of the same shape. The boolean reports
// whether the pair is comparable at all.
func compareValues(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	switch {
	case as < bs:
		return -1, true
	case as > bs:
		return 1, true
	default:
		return 0, true
	}
}

// asFloat widens every numeric representation that survives JSON and Go
// literals to float64.
func asFloat(v any) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
