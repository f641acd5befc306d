package metadata

const (
	FieldTypeString    = "string"
	FieldTypeText      = "text"
	FieldTypeUUID      = "uuid"
	FieldTypeInt       = "int"
	FieldTypeBigInt    = "bigint"
	FieldTypeDecimal   = "decimal"
	FieldTypeFloat     = "float"
	FieldTypeBoolean   = "boolean"
	FieldTypeTimestamp = "timestamp"
	FieldTypeJSON      = "json"
)

type Field struct {
	Name      string `json:"name" yaml:"name" validate:"required,identifier"`
	Type      string `json:"type" yaml:"type" validate:"required,oneof=string text uuid int bigint decimal float boolean timestamp json"`
	Required  bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Nullable  bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Precision int    `json:"precision,omitempty" yaml:"precision,omitempty"`
}

// IsNumeric reports whether values of this field compare as numbers.
func (f Field) IsNumeric() bool {
	switch f.Type {
	case FieldTypeInt, FieldTypeBigInt, FieldTypeDecimal, FieldTypeFloat:
		return true
	}
	return false
}

// IsJSON reports whether the field stores a JSON document.
func (f Field) IsJSON() bool {
	return f.Type == FieldTypeJSON
}
