package metadata

// Condition types of the declarative permission format.
const (
	ConditionField      = "field"
	ConditionExpression = "expression"
	ConditionContainer  = "container"
)

// Condition operators of the declarative permission format.
const (
	OperatorEqual          = "=="
	OperatorNotEqual       = "!="
	OperatorGreater        = ">"
	OperatorGreaterOrEqual = ">="
	OperatorLess           = "<"
	OperatorLessOrEqual    = "<="
	OperatorIn             = "in"
	OperatorListContains   = "list_contains"
)

// Operators lists every supported condition operator.
var Operators = []string{
	OperatorEqual, OperatorNotEqual,
	OperatorGreater, OperatorGreaterOrEqual,
	OperatorLess, OperatorLessOrEqual,
	OperatorIn, OperatorListContains,
}

// Role is a named group that owns permissions.
type Role struct {
	Key string `json:"key" yaml:"key" validate:"required"`
}

// PermissionDefinition is the declarative form of a permission as it is
// deployed from files or the management API and stored in _permissions.
type PermissionDefinition struct {
	ID                  string                `json:"id,omitempty" yaml:"id,omitempty"`
	ResourceType        string                `json:"resource_type" yaml:"resource_type" validate:"required"`
	Action              string                `json:"action" yaml:"action" validate:"required"`
	RoleKey             string                `json:"role_key" yaml:"role_key" validate:"required"`
	Conditions          []ConditionDefinition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	ContextResourceType string                `json:"context_resource_type,omitempty" yaml:"context_resource_type,omitempty"`
	ContextConditions   []ConditionDefinition `json:"context_conditions,omitempty" yaml:"context_conditions,omitempty" validate:"dive"`
}

// ConditionDefinition is one entry of a permission's condition list.
// Which fields are used depends on Type.
type ConditionDefinition struct {
	Type         string                `json:"type" yaml:"type" validate:"required,oneof=field expression container"`
	Field        string                `json:"field,omitempty" yaml:"field,omitempty" validate:"required_unless=Type container,omitempty,identifier"`
	Path         string                `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Type expression,omitempty,jsonpath"`
	Operator     string                `json:"operator,omitempty" yaml:"operator,omitempty" validate:"required_unless=Type container,omitempty,operator"`
	Value        any                   `json:"value,omitempty" yaml:"value,omitempty"`
	ValueType    string                `json:"value_type,omitempty" yaml:"value_type,omitempty" validate:"omitempty,oneof=string number boolean"`
	ResourceType string                `json:"resource_type,omitempty" yaml:"resource_type,omitempty" validate:"required_if=Type container"`
	Conditions   []ConditionDefinition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
}
