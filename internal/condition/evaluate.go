package condition

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/storekit/automation/internal/dotpath"
)

// LeafResult records the outcome of one leaf during evaluation.
type LeafResult struct {
	Field      string   `json:"field,omitempty"`
	Operator   Operator `json:"operator,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Expected   any      `json:"expected,omitempty"`
	Actual     any      `json:"actual,omitempty"`
	Passed     bool     `json:"passed"`
	Error      string   `json:"error,omitempty"`
}

// Evaluate reports whether payload satisfies the tree. Groups
// short-circuit: AND stops at the first false child, OR at the first
// true one. A nil tree matches everything. Evaluation never panics on
// malformed operands; a leaf that cannot be compared is false.
func Evaluate(n *Node, payload map[string]any) bool {
	return eval(n, payload, nil, true, 0)
}

// Explain evaluates every leaf without short-circuiting and returns
// the overall result together with each leaf's individual outcome, in
// tree order. It backs rule test previews and execution records.
func Explain(n *Node, payload map[string]any) (bool, []LeafResult) {
	var results []LeafResult
	matched := eval(n, payload, &results, false, 0)
	return matched, results
}

func eval(n *Node, payload map[string]any, trace *[]LeafResult, shortCircuit bool, depth int) bool {
	if n == nil {
		return true
	}
	if depth > maxDepth {
		if trace != nil {
			*trace = append(*trace, LeafResult{Error: "maximum tree depth exceeded"})
		}
		return false
	}

	if n.IsGroup() {
		switch n.Logic {
		case LogicOr:
			// Empty OR is vacuously false.
			result := false
			for _, child := range n.Conditions {
				if eval(child, payload, trace, shortCircuit, depth+1) {
					result = true
					if shortCircuit {
						return true
					}
				}
			}
			return result
		default:
			// AND, including an empty group, is vacuously true.
			result := true
			for _, child := range n.Conditions {
				if !eval(child, payload, trace, shortCircuit, depth+1) {
					result = false
					if shortCircuit {
						return false
					}
				}
			}
			return result
		}
	}

	if n.Expression != "" {
		return evalExpression(n, payload, trace)
	}
	return evalLeaf(n, payload, trace)
}

// evalExpression compiles and runs an expr-lang expression against
// the payload. Compile and runtime errors fail closed.
func evalExpression(n *Node, payload map[string]any, trace *[]LeafResult) bool {
	res := LeafResult{Expression: n.Expression}

	program, err := expr.Compile(n.Expression, expr.Env(payload), expr.AllowUndefinedVariables())
	if err == nil {
		var out any
		out, err = expr.Run(program, payload)
		if err == nil {
			res.Actual = out
			res.Passed = isTruthy(out)
		}
	}
	if err != nil {
		res.Error = err.Error()
	}
	if trace != nil {
		*trace = append(*trace, res)
	}
	return res.Passed
}

func evalLeaf(n *Node, payload map[string]any, trace *[]LeafResult) bool {
	actual, found := dotpath.Resolve(payload, n.Field)

	res := LeafResult{
		Field:    n.Field,
		Operator: n.Operator,
		Expected: n.Value,
	}
	if found {
		res.Actual = actual
	}
	res.Passed = compare(n.Operator, actual, found, n.Value, &res)

	if trace != nil {
		*trace = append(*trace, res)
	}
	return res.Passed
}

func compare(op Operator, actual any, found bool, expected any, res *LeafResult) bool {
	switch op {
	case OpEquals:
		if !found {
			return expected == nil
		}
		return deepEqual(actual, expected)
	case OpNotEquals:
		return !compare(OpEquals, actual, found, expected, res)
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return compareNumeric(op, actual, found, expected)
	case OpContains:
		return contains(actual, found, expected)
	case OpNotContains:
		return !contains(actual, found, expected)
	case OpStartsWith:
		if !found {
			return false
		}
		return strings.HasPrefix(dotpath.Format(actual), dotpath.Format(expected))
	case OpEndsWith:
		if !found {
			return false
		}
		return strings.HasSuffix(dotpath.Format(actual), dotpath.Format(expected))
	case OpIn:
		return inList(actual, found, expected)
	case OpNotIn:
		return !inList(actual, found, expected)
	case OpIsNull:
		return !found || actual == nil
	case OpIsNotNull:
		return found && actual != nil
	case OpBetween:
		return between(actual, found, expected)
	case OpRegex:
		return matchRegex(actual, found, expected, res)
	default:
		res.Error = "unknown operator"
		return false
	}
}

func compareNumeric(op Operator, actual any, found bool, expected any) bool {
	if !found {
		return false
	}
	a, ok := toNumber(actual)
	if !ok {
		return false
	}
	b, ok := toNumber(expected)
	if !ok {
		return false
	}
	switch op {
	case OpGreaterThan:
		return a > b
	case OpGreaterThanOrEqual:
		return a >= b
	case OpLessThan:
		return a < b
	case OpLessThanOrEqual:
		return a <= b
	}
	return false
}

// contains tests array membership when the field resolves to a slice,
// substring containment otherwise.
func contains(actual any, found bool, expected any) bool {
	if !found {
		return false
	}
	if list, ok := toSlice(actual); ok {
		for _, item := range list {
			if deepEqual(item, expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(dotpath.Format(actual), dotpath.Format(expected))
}

func inList(actual any, found bool, expected any) bool {
	if !found {
		return false
	}
	list, ok := toSlice(expected)
	if !ok {
		return false
	}
	for _, item := range list {
		if deepEqual(actual, item) {
			return true
		}
	}
	return false
}

// between expects expected = [min, max] and tests min <= actual <= max.
func between(actual any, found bool, expected any) bool {
	if !found {
		return false
	}
	bounds, ok := toSlice(expected)
	if !ok || len(bounds) != 2 {
		return false
	}
	v, ok := toNumber(actual)
	if !ok {
		return false
	}
	lo, ok := toNumber(bounds[0])
	if !ok {
		return false
	}
	hi, ok := toNumber(bounds[1])
	if !ok {
		return false
	}
	return v >= lo && v <= hi
}

// matchRegex compiles expected as a pattern and tests the field's
// string form. Invalid patterns fail closed.
func matchRegex(actual any, found bool, expected any, res *LeafResult) bool {
	if !found {
		return false
	}
	pattern, ok := expected.(string)
	if !ok {
		res.Error = "regex pattern must be a string"
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		res.Error = "invalid regex: " + err.Error()
		return false
	}
	return re.MatchString(dotpath.Format(actual))
}

// toNumber coerces numeric types, json.Number-style strings included,
// to float64.
func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// deepEqual compares values after normalizing numbers to float64, so
// an int built in Go equals the float64 a JSON decoder produces.
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	if n, ok := toNumberStrict(v); ok {
		return n
	}
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// toNumberStrict is toNumber without string coercion; "42" must not
// deep-equal 42.
func toNumberStrict(v any) (float64, bool) {
	switch v.(type) {
	case string:
		return 0, false
	default:
		return toNumber(v)
	}
}

func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	default:
		if n, ok := toNumberStrict(v); ok {
			return n != 0
		}
		return true
	}
}
