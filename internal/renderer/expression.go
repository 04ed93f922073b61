package renderer

// Evaluate computes a style expression against a feature's properties and
// feature state. Supported operators: get, feature-state, has, !has,
// literal, !, ==, !=, <, <=, >, >=, in, all, any, match, case, coalesce.
// Unknown operators evaluate to nil.
func Evaluate(expr any, props, state map[string]any) any {
	e, ok := expr.([]any)
	if !ok || len(e) == 0 {
		return expr
	}
	op, ok := e[0].(string)
	if !ok {
		return expr
	}
	arg := func(i int) any {
		if i >= len(e) {
			return nil
		}
		return Evaluate(e[i], props, state)
	}

	switch op {
	case "get":
		k, _ := arg(1).(string)
		return props[k]
	case "feature-state":
		k, _ := arg(1).(string)
		return state[k]
	case "has":
		k, _ := arg(1).(string)
		_, ok := props[k]
		return ok
	case "!has":
		k, _ := arg(1).(string)
		_, ok := props[k]
		return !ok
	case "literal":
		if len(e) < 2 {
			return nil
		}
		return e[1]
	case "!":
		return !truthy(arg(1))
	case "==":
		return equal(arg(1), arg(2))
	case "!=":
		return !equal(arg(1), arg(2))
	case "<", "<=", ">", ">=":
		a, aok := number(arg(1))
		b, bok := number(arg(2))
		if !aok || !bok {
			return false
		}
		switch op {
		case "<":
			return a < b
		case "<=":
			return a <= b
		case ">":
			return a > b
		}
		return a >= b
	case "in":
		return contains(arg(2), arg(1))
	case "all":
		for i := 1; i < len(e); i++ {
			if !truthy(arg(i)) {
				return false
			}
		}
		return true
	case "any":
		for i := 1; i < len(e); i++ {
			if truthy(arg(i)) {
				return true
			}
		}
		return false
	case "match":
		return evalMatch(e, props, state)
	case "case":
		for i := 1; i+1 < len(e); i += 2 {
			if truthy(arg(i)) {
				return arg(i + 1)
			}
		}
		if len(e)%2 == 0 {
			return arg(len(e) - 1)
		}
		return nil
	case "coalesce":
		for i := 1; i < len(e); i++ {
			if v := arg(i); v != nil {
				return v
			}
		}
		return nil
	}
	return nil
}

// Match reports whether a filter accepts a feature. A nil filter accepts
// everything.
func Match(filter Expression, props, state map[string]any) bool {
	if filter == nil {
		return true
	}
	return truthy(Evaluate(filter, props, state))
}

// evalMatch handles ["match", input, label, output, ..., fallback]. A
// label may be a list of labels.
func evalMatch(e []any, props, state map[string]any) any {
	if len(e) < 3 {
		return nil
	}
	input := Evaluate(e[1], props, state)
	i := 2
	for ; i+1 < len(e); i += 2 {
		switch labels := e[i].(type) {
		case []any:
			for _, l := range labels {
				if equal(input, l) {
					return Evaluate(e[i+1], props, state)
				}
			}
		case []string:
			for _, l := range labels {
				if equal(input, l) {
					return Evaluate(e[i+1], props, state)
				}
			}
		default:
			if equal(input, labels) {
				return Evaluate(e[i+1], props, state)
			}
		}
	}
	if i < len(e) {
		return Evaluate(e[i], props, state)
	}
	return nil
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if equal(v, needle) {
				return true
			}
		}
	case []string:
		for _, v := range h {
			if equal(v, needle) {
				return true
			}
		}
	case string:
		s, ok := needle.(string)
		return ok && len(s) <= len(h) && indexOf(h, s) >= 0
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func equal(a, b any) bool {
	if an, ok := number(a); ok {
		bn, ok := number(b)
		return ok && an == bn
	}
	return a == b
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	}
	if n, ok := number(v); ok {
		return n != 0
	}
	return true
}
