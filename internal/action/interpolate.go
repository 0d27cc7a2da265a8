package action

import (
	"regexp"

	"github.com/storekit/automation/internal/dotpath"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate returns a copy of params with every {{path}} placeholder
// in string values replaced by the stringified dot-path lookup into
// payload. Unresolved paths substitute the empty string. Nested maps
// and slices are interpolated recursively.
func Interpolate(params map[string]any, payload map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interpolateValue(v, payload)
	}
	return out
}

func interpolateValue(v any, payload map[string]any) any {
	switch val := v.(type) {
	case string:
		return interpolateString(val, payload)
	case map[string]any:
		return Interpolate(val, payload)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, payload)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, payload map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		resolved, ok := dotpath.Resolve(payload, path)
		if !ok {
			return ""
		}
		return dotpath.Format(resolved)
	})
}
