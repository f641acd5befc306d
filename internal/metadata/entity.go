package metadata

// Entity describes a protected resource type and the table that stores it.
type Entity struct {
	Name       string     `json:"name" yaml:"name" validate:"required,identifier"`
	Table      string     `json:"table" yaml:"table" validate:"required,identifier"`
	PrimaryKey PrimaryKey `json:"primary_key" yaml:"primary_key" validate:"required"`
	Fields     []Field    `json:"fields" yaml:"fields" validate:"required,min=1,dive"`
}

type PrimaryKey struct {
	Field     string `json:"field" yaml:"field" validate:"required,identifier"`
	Type      string `json:"type" yaml:"type"` // uuid, int, bigint, string
	Generated bool   `json:"generated" yaml:"generated"`
}

// GetField returns a pointer to the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns all field names.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// BoolFields returns the names of all boolean fields.
func (e *Entity) BoolFields() []string {
	var names []string
	for _, f := range e.Fields {
		if f.Type == FieldTypeBoolean {
			names = append(names, f.Name)
		}
	}
	return names
}
