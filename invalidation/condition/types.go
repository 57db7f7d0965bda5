// Package condition implements the field conditions of invalidation rules as a tagged
// variant: an Operator enum applied to a subject field and an Operand that is either a
// literal or a reference to a field of the old or new row.
package condition

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a condition operator.
type Operator int

const (
	// OpUnknown is produced by ParseOperator for unrecognized names. It never matches.
	OpUnknown Operator = iota
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpNotIn
	OpContains
	OpStartsWith
	OpEndsWith
	OpMatches
	OpExists
	// OpChanged holds when the field differs between the old and new row.
	OpChanged
)

var operatorNames = map[Operator]string{
	OpEq:         "eq",
	OpNeq:        "neq",
	OpLt:         "lt",
	OpLte:        "lte",
	OpGt:         "gt",
	OpGte:        "gte",
	OpIn:         "in",
	OpNotIn:      "not_in",
	OpContains:   "contains",
	OpStartsWith: "starts_with",
	OpEndsWith:   "ends_with",
	OpMatches:    "matches",
	OpExists:     "exists",
	OpChanged:    "changed",
}

var operatorAliases = map[string]Operator{
	"==":    OpEq,
	"ne":    OpNeq,
	"!=":    OpNeq,
	"<":     OpLt,
	"<=":    OpLte,
	">":     OpGt,
	">=":    OpGte,
	"regex": OpMatches,
}

// ParseOperator maps an operator name to its Operator. Unknown names yield OpUnknown.
func ParseOperator(s string) Operator {
	name := strings.ToLower(strings.TrimSpace(s))
	for op, n := range operatorNames {
		if n == name {
			return op
		}
	}
	if op, ok := operatorAliases[name]; ok {
		return op
	}
	return OpUnknown
}

func (o Operator) String() string {
	if n, ok := operatorNames[o]; ok {
		return n
	}
	return "unknown"
}

// OperandKind tags the Operand variant.
type OperandKind int

const (
	Literal OperandKind = iota
	OldField
	NewField
)

// Operand is the right-hand side of a condition.
type Operand struct {
	Kind  OperandKind
	Field string // OldField, NewField
	Value any    // Literal
}

// LiteralOf returns a literal operand.
func LiteralOf(v any) Operand {
	return Operand{Kind: Literal, Value: v}
}

// OldOf references a field of the pre-change row.
func OldOf(field string) Operand {
	return Operand{Kind: OldField, Field: field}
}

// NewOf references a field of the post-change row.
func NewOf(field string) Operand {
	return Operand{Kind: NewField, Field: field}
}

// ParseOperand turns a raw rule value into an Operand. Strings of the form
// "old.<field>" and "new.<field>" become field references.
func ParseOperand(v any) Operand {
	s, ok := v.(string)
	if !ok {
		return LiteralOf(v)
	}
	if field, found := strings.CutPrefix(s, "old."); found && field != "" {
		return OldOf(field)
	}
	if field, found := strings.CutPrefix(s, "new."); found && field != "" {
		return NewOf(field)
	}
	return LiteralOf(v)
}

// raw converts the operand back to its rule-file form.
func (o Operand) raw() any {
	switch o.Kind {
	case OldField:
		return "old." + o.Field
	case NewField:
		return "new." + o.Field
	default:
		return o.Value
	}
}

func (o Operand) String() string {
	return fmt.Sprint(o.raw())
}

// Condition is one conjunct of a rule trigger.
type Condition struct {
	// Field names the subject. A leading "old." or "new." selects the row explicitly;
	// otherwise the new row is used, falling back to the old row for deletes.
	Field    string
	Operator Operator
	Operand  Operand
	// OperatorName keeps the name as written so unknown operators can be reported.
	OperatorName string
}

// New builds a condition from rule-file values.
func New(field, operator string, value any) Condition {
	return Condition{
		Field:        field,
		Operator:     ParseOperator(operator),
		Operand:      ParseOperand(value),
		OperatorName: operator,
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.OperatorName, c.Operand)
}

type conditionJSON struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// MarshalJSON writes the rule-file form.
func (c Condition) MarshalJSON() ([]byte, error) {
	name := c.OperatorName
	if name == "" {
		name = c.Operator.String()
	}
	return json.Marshal(conditionJSON{Field: c.Field, Operator: name, Value: c.Operand.raw()})
}

// UnmarshalJSON reads the rule-file form.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw conditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = New(raw.Field, raw.Operator, raw.Value)
	return nil
}
