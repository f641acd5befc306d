package authz

import (
	"context"
	"fmt"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

// RelatedLoader fetches rows for relation mappers.
type RelatedLoader interface {
	FindBy(ctx context.Context, resourceType, column string, values []any) ([]map[string]any, error)
	JoinValues(ctx context.Context, table, matchColumn string, value any, selectColumn string) ([]any, error)
}

// RelationMapper is an entity mapper backed by a relation, in one of its
// two directions. Many-to-many relations go through their join table.
type RelationMapper struct {
	rel     *metadata.Relation
	reverse bool
	schema  Schema
	loader  RelatedLoader
}

// NewRelationMappers returns the source-to-target and target-to-source
// mappers of rel.
func NewRelationMappers(rel *metadata.Relation, schema Schema, loader RelatedLoader) (*RelationMapper, *RelationMapper) {
	return &RelationMapper{rel: rel, schema: schema, loader: loader},
		&RelationMapper{rel: rel, reverse: true, schema: schema, loader: loader}
}

func (m *RelationMapper) From() string {
	if m.reverse {
		return m.rel.Target
	}
	return m.rel.Source
}

func (m *RelationMapper) To() string {
	if m.reverse {
		return m.rel.Source
	}
	return m.rel.Target
}

type relationKeys struct {
	from, to         string
	fromJoin, toJoin string
}

func (m *RelationMapper) keys() (relationKeys, error) {
	target := m.schema.GetEntity(m.rel.Target)
	if target == nil {
		return relationKeys{}, fmt.Errorf("relation %s: %w: %q", m.rel.Name, ErrUnknownResourceType, m.rel.Target)
	}
	k := relationKeys{
		from:     m.rel.SourceKey,
		to:       m.rel.TargetKeyField(target),
		fromJoin: m.rel.SourceJoinKey,
		toJoin:   m.rel.TargetJoinKey,
	}
	if m.reverse {
		k.from, k.to = k.to, k.from
		k.fromJoin, k.toJoin = k.toJoin, k.fromJoin
	}
	return k, nil
}

func (m *RelationMapper) MapRelated(ctx context.Context, entity Entity) ([]Entity, error) {
	k, err := m.keys()
	if err != nil {
		return nil, err
	}
	v := entity[k.from]
	if v == nil {
		return nil, nil
	}
	values := []any{v}
	if m.rel.IsManyToMany() {
		values, err = m.loader.JoinValues(ctx, m.rel.JoinTable, k.fromJoin, v, k.toJoin)
		if err != nil {
			return nil, err
		}
	}
	return m.loader.FindBy(ctx, m.To(), k.to, values)
}

func (m *RelationMapper) MapQuery(q *predicate.Query, root *predicate.Root) (MapperResult, error) {
	k, err := m.keys()
	if err != nil {
		return MapperResult{}, err
	}
	to := q.Root(m.To())
	if !m.rel.IsManyToMany() {
		return MapperResult{
			Root: to,
			Join: predicate.Compare(predicate.Col(to, k.to), predicate.Eq, predicate.Col(root, k.from)),
		}, nil
	}
	jt := q.Table(m.rel.JoinTable)
	join := predicate.ExistsIn(jt, predicate.AndOf(
		predicate.Compare(predicate.Col(jt, k.fromJoin), predicate.Eq, predicate.Col(root, k.from)),
		predicate.Compare(predicate.Col(jt, k.toJoin), predicate.Eq, predicate.Col(to, k.to)),
	))
	return MapperResult{Root: to, Join: join}, nil
}
