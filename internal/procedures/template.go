package procedures

import (
	"fmt"
	"strings"

	"github.com/canopydb/gateway/internal/protocol"
)

// resolveTemplates walks a value and substitutes {{ expr }} templates
// against the environment (input plus step bindings). A string that is
// exactly one template resolves to the referenced value with its original
// type, so numeric targets accept a numeric template; templates embedded in
// longer strings interpolate as text.
func resolveTemplates(v interface{}, env map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, env)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := resolveTemplates(item, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := resolveTemplates(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, env map[string]interface{}) (interface{}, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		expr := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		return lookupPath(env, expr)
	}

	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+2 : start+end])
		value, err := lookupPath(env, expr)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", value)
		rest = rest[start+end+2:]
	}
	return b.String(), nil
}

// lookupPath resolves a dotted path ("input.userId", "order.total") into
// the environment.
func lookupPath(env map[string]interface{}, path string) (interface{}, error) {
	parts := strings.Split(path, ".")
	var current interface{} = env
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, protocol.Errorf(protocol.CodeValidation,
				"Template path %q does not resolve", path)
		}
		current, ok = obj[part]
		if !ok {
			return nil, protocol.Errorf(protocol.CodeValidation,
				"Template path %q does not resolve", path)
		}
	}
	return current, nil
}
