// Package dotpath resolves dot-separated paths ("customer.accountAge")
// into nested map payloads.
package dotpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolve walks path into payload and reports whether every segment
// resolved. Intermediate values must be map[string]any (or
// map[any]any, as produced by some decoders); a slice segment may be
// indexed numerically ("items.0.sku").
func Resolve(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = payload
	for seg := range strings.SplitSeq(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[any]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Format renders v for string interpolation. Floats with no
// fractional part print without a trailing ".0" so JSON-decoded
// integers round-trip cleanly.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return Format(float64(val))
	default:
		return fmt.Sprintf("%v", v)
	}
}
