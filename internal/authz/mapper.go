package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

// EntityMapper bridges authorization from one resource type to a related
// one. MapRelated and MapQuery must agree: the rows MapQuery's join reaches
// from a row are exactly the entities MapRelated returns for it.
type EntityMapper interface {
	From() string
	To() string
	MapRelated(ctx context.Context, entity Entity) ([]Entity, error)
	MapQuery(q *predicate.Query, root *predicate.Root) (MapperResult, error)
}

// MapperResult is a new root for the target type and the predicate that
// correlates it with the source root.
type MapperResult struct {
	Root *predicate.Root
	Join predicate.Predicate
}

type mapperKey struct {
	from, to string
}

// MapperRegistry holds at most one mapper per (from, to) pair. Mappers
// derived from relations are replaced as a set on reload; mappers
// registered explicitly stay.
type MapperRegistry struct {
	mu        sync.RWMutex
	custom    map[mapperKey]EntityMapper
	relations map[mapperKey]EntityMapper
}

func NewMapperRegistry() *MapperRegistry {
	return &MapperRegistry{
		custom:    make(map[mapperKey]EntityMapper),
		relations: make(map[mapperKey]EntityMapper),
	}
}

// Register adds a mapper. A second mapper for the same pair is rejected.
func (r *MapperRegistry) Register(m EntityMapper) error {
	key := mapperKey{m.From(), m.To()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.custom[key]; ok {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateMapper, key.from, key.to)
	}
	if _, ok := r.relations[key]; ok {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateMapper, key.from, key.to)
	}
	r.custom[key] = m
	return nil
}

// Get returns the mapper for a pair, or ErrMapperNotFound.
func (r *MapperRegistry) Get(from, to string) (EntityMapper, error) {
	key := mapperKey{from, to}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.custom[key]; ok {
		return m, nil
	}
	if m, ok := r.relations[key]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrMapperNotFound, from, to)
}

func (r *MapperRegistry) Supports(from, to string) bool {
	_, err := r.Get(from, to)
	return err == nil
}

// LoadRelations replaces the relation-derived mappers with one mapper per
// direction of every relation. Relations that would claim an already
// claimed pair are skipped and reported in the returned error; the rest
// are loaded regardless.
func (r *MapperRegistry) LoadRelations(relations []*metadata.Relation, schema Schema, loader RelatedLoader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[mapperKey]EntityMapper)
	var errs []error
	for _, rel := range relations {
		forward, reverse := NewRelationMappers(rel, schema, loader)
		for _, m := range []*RelationMapper{forward, reverse} {
			key := mapperKey{m.From(), m.To()}
			_, custom := r.custom[key]
			_, taken := next[key]
			if custom || taken {
				errs = append(errs, fmt.Errorf("relation %s: %w: %s -> %s", rel.Name, ErrDuplicateMapper, key.from, key.to))
				continue
			}
			next[key] = m
		}
	}
	r.relations = next

	return errors.Join(errs...)
}
