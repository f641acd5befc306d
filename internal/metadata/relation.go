package metadata

const (
	RelationOneToOne   = "one_to_one"
	RelationOneToMany  = "one_to_many"
	RelationManyToMany = "many_to_many"
)

// Relation links two resource types. It backs the entity mappers used to
// carry an authorization check from one resource type to a related one.
type Relation struct {
	Name          string `json:"name" yaml:"name" validate:"required,identifier"`
	Type          string `json:"type" yaml:"type" validate:"required,oneof=one_to_one one_to_many many_to_many"`
	Source        string `json:"source" yaml:"source" validate:"required"`
	Target        string `json:"target" yaml:"target" validate:"required"`
	SourceKey     string `json:"source_key" yaml:"source_key" validate:"required,identifier"`
	TargetKey     string `json:"target_key,omitempty" yaml:"target_key,omitempty" validate:"omitempty,identifier"`
	JoinTable     string `json:"join_table,omitempty" yaml:"join_table,omitempty" validate:"required_if=Type many_to_many,omitempty,identifier"`
	SourceJoinKey string `json:"source_join_key,omitempty" yaml:"source_join_key,omitempty" validate:"required_if=Type many_to_many,omitempty,identifier"`
	TargetJoinKey string `json:"target_join_key,omitempty" yaml:"target_join_key,omitempty" validate:"required_if=Type many_to_many,omitempty,identifier"`
}

func (r *Relation) IsManyToMany() bool {
	return r.Type == RelationManyToMany
}

func (r *Relation) IsOneToMany() bool {
	return r.Type == RelationOneToMany
}

func (r *Relation) IsOneToOne() bool {
	return r.Type == RelationOneToOne
}

// TargetKeyField returns the target column matched against SourceKey,
// defaulting to the target's primary key.
func (r *Relation) TargetKeyField(target *Entity) string {
	if r.TargetKey != "" {
		return r.TargetKey
	}
	return target.PrimaryKey.Field
}
