package filterexpr

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// Issue is one construct outside the legacy grammar.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Validate reports every node of tree the legacy grammar rejects. An empty
// result means the renderer will accept the filter as-is.
func Validate(tree any) []Issue {
	var issues []Issue
	validateNode(tree, "", &issues)
	return issues
}

func validateNode(node any, path string, issues *[]Issue) {
	add := func(format string, args ...any) {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	expr, ok := node.([]any)
	if !ok {
		add("filter must be an array, got %T", node)
		return
	}
	if len(expr) == 0 {
		add("empty filter")
		return
	}
	op, ok := expr[0].(string)
	if !ok {
		add("operator must be a string, got %T", expr[0])
		return
	}

	switch op {
	case "all", "any", "none":
		for i := 1; i < len(expr); i++ {
			validateNode(expr[i], childPath(path, i), issues)
		}

	case "has", "!has":
		if len(expr) != 2 {
			add("%q expects 1 argument, got %d", op, len(expr)-1)
			return
		}
		checkKey(expr[1], childPath(path, 1), issues)

	case "==", "!=", ">", ">=", "<", "<=":
		if len(expr) != 3 {
			add("%q expects 2 arguments, got %d", op, len(expr)-1)
			return
		}
		checkKey(expr[1], childPath(path, 1), issues)
		checkValue(expr[2], childPath(path, 2), issues)

	case "in", "!in":
		if len(expr) < 2 {
			add("%q expects a key", op)
			return
		}
		checkKey(expr[1], childPath(path, 1), issues)
		for i := 2; i < len(expr); i++ {
			checkValue(expr[i], childPath(path, i), issues)
		}

	default:
		add("operator %q is not part of the legacy filter grammar", op)
	}
}

func checkKey(v any, path string, issues *[]Issue) {
	if _, ok := v.(string); !ok {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("key must be a property name, got %s", describe(v))})
	}
}

func checkValue(v any, path string, issues *[]Issue) {
	if !isScalar(v) {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("value must be a literal, got %s", describe(v))})
	}
}

func describe(v any) string {
	if expr, ok := v.([]any); ok && len(expr) > 0 {
		if op, ok := expr[0].(string); ok {
			return "expression " + strconv.Quote(op)
		}
	}
	return fmt.Sprintf("%T", v)
}

func childPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

// Trace logs a filter pair together with whatever Validate finds wrong with
// the normalized form.
func Trace(log zerolog.Logger, layerID string, original, normalized any) {
	issues := Validate(normalized)
	ev := log.Debug()
	if len(issues) > 0 {
		ev = log.Warn()
	}
	msgs := make([]string, 0, len(issues))
	for _, is := range issues {
		msgs = append(msgs, is.String())
	}
	ev.Str("layer_id", layerID).
		Interface("original", original).
		Interface("normalized", normalized).
		Strs("issues", msgs).
		Msg("filter trace")
}
