// Package filterexpr rewrites expression-style layer filters into the legacy
// filter grammar the renderer accepts on every code path.
//
// Filters are JSON-shaped trees: []any nodes whose first element is the
// operator, with string, float64, bool and nil leaves.
package filterexpr

// Normalize rewrites tree bottom-up. It is pure and idempotent for trees
// built from the supported operators; anything it does not recognise is
// copied with its children normalized.
func Normalize(tree any) any {
	expr, ok := tree.([]any)
	if !ok || len(expr) == 0 {
		return tree
	}
	op, ok := expr[0].(string)
	if !ok {
		return tree
	}

	switch op {
	case "literal":
		if len(expr) == 2 && isScalar(expr[1]) {
			return expr[1]
		}
		return tree

	case "!":
		if len(expr) == 2 {
			inner := Normalize(expr[1])
			if n, ok := inner.([]any); ok && len(n) == 2 && n[0] == "has" {
				if key, ok := propertyKey(n[1]); ok {
					return []any{"!has", key}
				}
			}
			return []any{"!", inner}
		}

	case "has", "!has":
		if len(expr) == 2 {
			if key, ok := propertyKey(expr[1]); ok {
				return []any{op, key}
			}
		}

	case "==", "!=", ">", ">=", "<", "<=":
		if len(expr) == 3 && legacyOperands(expr[1], expr[2:]) {
			if key, ok := propertyKey(expr[1]); ok {
				return []any{op, key, Normalize(expr[2])}
			}
		}

	case "in", "!in":
		if len(expr) >= 2 && legacyOperands(expr[1], expr[2:]) {
			if key, ok := propertyKey(expr[1]); ok {
				out := []any{op, key}
				return append(out, flattenValues(expr[2:])...)
			}
		}

	case "match":
		if out, ok := rewriteMatch(expr); ok {
			return out
		}
		// Non-boolean match arms are left for the renderer to judge.
		return tree
	}

	out := make([]any, len(expr))
	out[0] = op
	for i := 1; i < len(expr); i++ {
		out[i] = Normalize(expr[i])
	}
	return out
}

// propertyKey resolves the left-hand side of a comparison to a legacy key.
// Plain strings are already keys.
func propertyKey(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		if len(t) == 0 {
			return "", false
		}
		switch t[0] {
		case "get":
			if len(t) == 2 {
				name, ok := t[1].(string)
				return name, ok
			}
		case "geometry-type":
			if len(t) == 1 {
				return "$type", true
			}
		case "id":
			if len(t) == 1 {
				return "$id", true
			}
		}
	}
	return "", false
}

// legacyOperands reports whether a comparison can be rewritten. A bare string
// left-hand side is only a legacy key when every value is a scalar or a
// literal; ["in", "foo", ["get", "tags"]] tests membership in a property and
// is left alone.
func legacyOperands(lhs any, vals []any) bool {
	if _, ok := lhs.(string); !ok {
		return true
	}
	for _, v := range vals {
		if isScalar(v) {
			continue
		}
		if lit, ok := v.([]any); ok && len(lit) == 2 && lit[0] == "literal" {
			continue
		}
		return false
	}
	return true
}

// flattenValues accepts either a single literal-wrapped array or a variadic
// tail of values.
func flattenValues(vals []any) []any {
	if len(vals) == 1 {
		if lit, ok := vals[0].([]any); ok && len(lit) == 2 && lit[0] == "literal" {
			if arr, ok := lit[1].([]any); ok {
				vals = arr
			}
		}
	}
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		out = append(out, Normalize(v))
	}
	return out
}

// rewriteMatch turns ["match", input, labels, true, false] into an "any" of
// equality tests.
func rewriteMatch(expr []any) ([]any, bool) {
	if len(expr) != 5 {
		return nil, false
	}
	yes, ok1 := expr[3].(bool)
	no, ok2 := expr[4].(bool)
	if !ok1 || !ok2 || !yes || no {
		return nil, false
	}

	var labels []any
	switch t := expr[2].(type) {
	case []any:
		labels = t
	default:
		if !isScalar(t) {
			return nil, false
		}
		labels = []any{t}
	}

	out := make([]any, 0, len(labels)+1)
	out = append(out, "any")
	for _, label := range labels {
		out = append(out, Normalize([]any{"==", expr[1], label}))
	}
	return out, true
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}
