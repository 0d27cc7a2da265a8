// Package condition evaluates boolean expression trees against event
// payloads. A tree is built from leaf comparisons (field, operator,
// value), free-form expression leaves, and AND/OR groups.
package condition

import (
	"fmt"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpIsNull             Operator = "is_null"
	OpIsNotNull          Operator = "is_not_null"
	OpBetween            Operator = "between"
	OpRegex              Operator = "regex"
)

// Logic joins the children of a group node.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// maxDepth bounds tree recursion. Trees are engine-constructed, but a
// pathological or cyclic structure must not blow the stack.
const maxDepth = 64

// Node is one node of a condition tree. A node is either a group
// (Logic + Conditions), an operator leaf (Field + Operator + Value),
// or an expression leaf (Expression). A nil node matches everything.
type Node struct {
	Logic      Logic   `json:"logic,omitempty"`
	Conditions []*Node `json:"conditions,omitempty"`

	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	// Expression is an expr-lang expression evaluated against the
	// payload, for predicates the flat operators cannot express.
	Expression string `json:"expression,omitempty"`
}

// IsGroup reports whether n is a group node.
func (n *Node) IsGroup() bool { return n != nil && n.Logic != "" }

// And builds an AND group.
func And(children ...*Node) *Node {
	return &Node{Logic: LogicAnd, Conditions: children}
}

// Or builds an OR group.
func Or(children ...*Node) *Node {
	return &Node{Logic: LogicOr, Conditions: children}
}

// Leaf builds an operator leaf.
func Leaf(field string, op Operator, value any) *Node {
	return &Node{Field: field, Operator: op, Value: value}
}

// Expr builds an expression leaf.
func Expr(expression string) *Node {
	return &Node{Expression: expression}
}

var validOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {},
	OpGreaterThan: {}, OpGreaterThanOrEqual: {},
	OpLessThan: {}, OpLessThanOrEqual: {},
	OpContains: {}, OpNotContains: {},
	OpStartsWith: {}, OpEndsWith: {},
	OpIn: {}, OpNotIn: {},
	OpIsNull: {}, OpIsNotNull: {},
	OpBetween: {}, OpRegex: {},
}

// Validate checks that the tree is well-formed: groups carry a known
// logic, leaves carry either a known operator with a field or a
// non-empty expression, and nesting stays within bounds.
func Validate(n *Node) error {
	return validate(n, 0)
}

func validate(n *Node, depth int) error {
	if n == nil {
		return nil
	}
	if depth > maxDepth {
		return fmt.Errorf("condition tree exceeds maximum depth %d", maxDepth)
	}
	if n.IsGroup() {
		if n.Logic != LogicAnd && n.Logic != LogicOr {
			return fmt.Errorf("unknown group logic %q", n.Logic)
		}
		for _, child := range n.Conditions {
			if child == nil {
				return fmt.Errorf("group contains nil condition")
			}
			if err := validate(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if n.Expression != "" {
		return nil
	}
	if n.Field == "" {
		return fmt.Errorf("condition leaf requires a field or expression")
	}
	if _, ok := validOperators[n.Operator]; !ok {
		return fmt.Errorf("unknown operator %q", n.Operator)
	}
	return nil
}
