package authz

import (
	"context"
	"fmt"
	"time"

	"valtimo-authz/internal/metadata"
)

// Entity is a loaded resource row keyed by field name.
type Entity = map[string]any

// Schema resolves resource types to their metadata.
type Schema interface {
	GetEntity(name string) *metadata.Entity
}

// ResourceContext is the secondary entity a permission may depend on, such
// as the case a task belongs to. Entity may be left nil when ID is set; the
// service then loads it.
type ResourceContext struct {
	ResourceType string
	ID           any
	Entity       Entity
}

// EvalContext carries everything conditions need during one request. It is
// built by the service and discarded afterwards.
type EvalContext struct {
	ctx      context.Context
	user     *metadata.UserContext
	schema   Schema
	mappers  *MapperRegistry
	resolver *ValueResolver
	resource *ResourceContext
	now      time.Time
}

func (ec *EvalContext) Context() context.Context    { return ec.ctx }
func (ec *EvalContext) User() *metadata.UserContext { return ec.user }

func (ec *EvalContext) resolve(raw any) (any, error) {
	return ec.resolver.Resolve(ec.user, ec.now, raw)
}

func (ec *EvalContext) field(resourceType, name string) (*metadata.Field, error) {
	entity := ec.schema.GetEntity(resourceType)
	if entity == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResourceType, resourceType)
	}
	f := entity.GetField(name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, resourceType, name)
	}
	return f, nil
}

func (ec *EvalContext) mapper(from, to string) (EntityMapper, error) {
	if ec.mappers == nil {
		return nil, fmt.Errorf("%w: %s -> %s", ErrMapperNotFound, from, to)
	}
	return ec.mappers.Get(from, to)
}
