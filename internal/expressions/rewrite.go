package expressions

import (
	"strconv"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

// HasPlaceholders reports whether the expression contains ${...} tokens.
func HasPlaceholders(expression string) bool {
	return strings.Contains(expression, "${")
}

// RewritePlaceholders replaces every ${name} token with a vars["name"] map
// reference before the expression is compiled. Values are never spliced into
// the expression text, so binding contents cannot inject syntax.
//
// The scan is textual and does not track string literals: a ${...} inside
// quotes (`msg == "${name}"`) is rewritten too and yields an expression that
// fails to compile. Compare against bindings directly (`msg == ${name}`)
// instead of quoting them.
func RewritePlaceholders(expression string) (string, error) {
	if !HasPlaceholders(expression) {
		return expression, nil
	}

	var result strings.Builder
	result.Grow(len(expression))

	i := 0
	for i < len(expression) {
		idx := strings.Index(expression[i:], "${")
		if idx == -1 {
			result.WriteString(expression[i:])
			break
		}

		result.WriteString(expression[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.Index(expression[start:], "}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeCondition, "unclosed ${ placeholder")
		}
		end += start

		name := strings.TrimSpace(expression[start:end])
		if name == "" {
			return "", schema.NewError(schema.ErrCodeCondition, "empty ${} placeholder")
		}
		if !validBindingName(name) {
			return "", schema.NewErrorf(schema.ErrCodeCondition, "invalid placeholder name %q", name)
		}

		// Quote each path segment so it becomes a map key, never
		// expression syntax.
		result.WriteString("vars")
		for _, part := range strings.Split(name, ".") {
			result.WriteString("[")
			result.WriteString(strconv.Quote(part))
			result.WriteString("]")
		}

		i = end + 1
	}

	return result.String(), nil
}

// validBindingName restricts placeholder names to dotted identifier paths
// (e.g. "count" or "fetch.output"). The dotted form addresses nested keys
// via the binding context merge, not via expression syntax.
func validBindingName(name string) bool {
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for j, r := range part {
			switch {
			case r == '_':
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
				if j == 0 {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}
