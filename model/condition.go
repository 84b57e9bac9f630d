package model

// Operator compares an entity field against a literal value.
type Operator string

// Operator constants.
const (
	OpEquals             Operator = "Equals"
	OpNotEquals          Operator = "NotEquals"
	OpGreaterThan        Operator = "GreaterThan"
	OpLessThan           Operator = "LessThan"
	OpGreaterThanOrEqual Operator = "GreaterThanOrEqual"
	OpLessThanOrEqual    Operator = "LessThanOrEqual"
	OpContains           Operator = "Contains"
	OpStartsWith         Operator = "StartsWith"
	OpEndsWith           Operator = "EndsWith"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpGreaterThanOrEqual, OpLessThanOrEqual, OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// Logic joins a condition with its siblings. Only And is evaluated.
type Logic string

// Logic constants.
const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// WorkflowCondition is a single field predicate. Field is a dotted path
// resolved through the entity's FieldAccessor.
type WorkflowCondition struct {
	Field    string   `yaml:"field"    json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value"    json:"value"`
	Logic    Logic    `yaml:"logic"    json:"logic,omitempty"`
}
