package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"valtimo-authz/internal/instrument"
	"valtimo-authz/internal/log"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

// Service answers point checks and builds bulk filters. It never grants on
// error: failures are logged and deny.
type Service struct {
	registry  *metadata.Registry
	mappers   *MapperRegistry
	resolver  *ValueResolver
	entities  EntityLoader
	directory UserDirectory
	metrics   *Metrics
	now       func() time.Time
}

type Option func(*Service)

// WithEntityLoader sets the loader for related and context entities.
func WithEntityLoader(l EntityLoader) Option {
	return func(s *Service) { s.entities = l }
}

// WithUserDirectory sets the directory for delegated checks.
func WithUserDirectory(d UserDirectory) Option {
	return func(s *Service) { s.directory = d }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time expressions see as requestTime.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(reg *metadata.Registry, mappers *MapperRegistry, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		mappers:  mappers,
		resolver: NewValueResolver(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mappers returns the mapper registry.
func (s *Service) Mappers() *MapperRegistry {
	return s.mappers
}

// HasPermission answers a point check.
func (s *Service) HasPermission(ctx context.Context, req Request) bool {
	resourceType, action := req.Target()
	ctx, span := s.startSpan(ctx, "authz.check", resourceType)
	defer span.End()

	decision := instrument.Decision{Action: action}
	granted, err := s.decide(ctx, req, &decision)
	switch {
	case err != nil:
		log.Warn("authorization check failed",
			log.FieldComponent("authz"),
			log.FieldResourceType(resourceType),
			log.FieldAction(action),
			zap.Error(err))
		s.metrics.evaluationError(err)
		granted = false
		decision.Result = ResultError
	case granted && IsBypassed(ctx):
		decision.Result = ResultBypassed
	case granted:
		decision.Result = ResultGranted
	default:
		decision.Result = ResultDenied
	}
	span.SetDecision(decision)
	s.metrics.decision(resourceType, action, decision.Result)
	return granted
}

// startSpan opens an authz span attributed to the acting user.
func (s *Service) startSpan(ctx context.Context, name, resourceType string) (context.Context, instrument.Span) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "authz", "service", name)
	span.SetResource(resourceType, "")
	if user := UserFromContext(ctx); user != nil {
		span.SetUser(user.ID)
	}
	return ctx, span
}

// RequirePermission returns a *ForbiddenError unless the request is granted.
func (s *Service) RequirePermission(ctx context.Context, req Request) error {
	if s.HasPermission(ctx, req) {
		return nil
	}
	resourceType, action := req.Target()
	return &ForbiddenError{ResourceType: resourceType, Action: action}
}

// Filter builds the predicate restricting rows of root to those the acting
// user may perform action on. It is False when nothing applies and True
// when authorization is bypassed.
func (s *Service) Filter(ctx context.Context, q *predicate.Query, root *predicate.Root, action string, rc *ResourceContext) predicate.Predicate {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "authz.filter", root.Resource)
	defer func() {
		span.End()
		s.metrics.observeFilter(root.Resource, time.Since(start))
	}()

	spec, err := s.Specification(ctx, EntityRequest{ResourceType: root.Resource, Action: action, Context: rc})
	if err != nil {
		log.Warn("building authorization filter failed",
			log.FieldComponent("authz"),
			log.FieldResourceType(root.Resource),
			log.FieldAction(action),
			zap.Error(err))
		s.metrics.evaluationError(err)
		span.SetDecision(instrument.Decision{Action: action, Result: ResultError})
		return predicate.False
	}
	p := spec.Predicate(q, root)
	decision := instrument.Decision{
		Action:      action,
		Result:      ResultGranted,
		Permissions: len(spec.Permissions()),
		Predicate:   predicate.String(p),
	}
	switch {
	case spec.Bypassed():
		decision.Result = ResultBypassed
	case predicate.IsFalse(p):
		decision.Result = ResultDenied
	}
	span.SetDecision(decision)
	return p
}

// FilterEntities keeps the entities the acting user may perform action on.
func (s *Service) FilterEntities(ctx context.Context, resourceType, action string, entities []Entity) []Entity {
	spec, err := s.Specification(ctx, EntityRequest{ResourceType: resourceType, Action: action})
	if err != nil {
		log.Warn("filtering entities failed",
			log.FieldComponent("authz"),
			log.FieldResourceType(resourceType),
			log.FieldAction(action),
			zap.Error(err))
		s.metrics.evaluationError(err)
		return nil
	}
	return spec.Filter(entities)
}

// AvailableActions lists the actions any permission grants on the type.
func (s *Service) AvailableActions(resourceType string) []string {
	return s.registry.ActionsForResourceType(resourceType)
}

// Specification resolves the caller and candidate permissions of req.
func (s *Service) Specification(ctx context.Context, req Request) (*Specification, error) {
	resourceType, action := req.Target()
	spec := &Specification{svc: s, request: req, resourceType: resourceType, action: action}

	if IsBypassed(ctx) {
		spec.bypassed = true
		spec.ec = s.evalContext(ctx, UserFromContext(ctx), nil)
		return spec, nil
	}

	user, err := s.resolveUser(ctx, req)
	if err != nil {
		return nil, err
	}
	rc, err := s.resolveContext(ctx, req.resourceContext())
	if err != nil {
		return nil, err
	}
	spec.ec = s.evalContext(ctx, user, rc)
	spec.permissions = s.candidates(user, resourceType, action)
	return spec, nil
}

func (s *Service) decide(ctx context.Context, req Request, d *instrument.Decision) (bool, error) {
	spec, err := s.Specification(ctx, req)
	if err != nil {
		return false, err
	}
	d.Permissions = len(spec.Permissions())
	return spec.IsAuthorized()
}

func (s *Service) evalContext(ctx context.Context, user *metadata.UserContext, rc *ResourceContext) *EvalContext {
	return &EvalContext{
		ctx:      ctx,
		user:     user,
		schema:   s.registry,
		mappers:  s.mappers,
		resolver: s.resolver,
		resource: rc,
		now:      s.now(),
	}
}

func (s *Service) resolveUser(ctx context.Context, req Request) (*metadata.UserContext, error) {
	delegate, ok := req.(DelegateUserEntityRequest)
	if !ok {
		return UserFromContext(ctx), nil
	}
	if s.directory == nil {
		return nil, fmt.Errorf("%w: no user directory for delegate %s", ErrNoUser, delegate.UserID)
	}
	user, err := s.directory.FindUser(ctx, delegate.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: delegate %s: %w", ErrNoUser, delegate.UserID, err)
	}
	return user, nil
}

func (s *Service) resolveContext(ctx context.Context, rc *ResourceContext) (*ResourceContext, error) {
	if rc == nil || rc.Entity != nil || rc.ID == nil {
		return rc, nil
	}
	entity, err := s.loadEntity(ctx, rc.ResourceType, rc.ID)
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", rc.ResourceType, err)
	}
	return &ResourceContext{ResourceType: rc.ResourceType, ID: rc.ID, Entity: entity}, nil
}

func (s *Service) loadEntity(ctx context.Context, resourceType string, id any) (Entity, error) {
	if s.entities == nil {
		return nil, errors.New("no entity loader configured")
	}
	return s.entities.Get(ctx, resourceType, id)
}

// candidates builds the permissions of the user's roles for the type and
// action. Definitions that do not build are skipped.
func (s *Service) candidates(user *metadata.UserContext, resourceType, action string) []*Permission {
	if user == nil {
		return nil
	}
	defs := s.registry.PermissionsForRoles(user.Roles, resourceType, action)
	perms := make([]*Permission, 0, len(defs))
	for _, def := range defs {
		p, err := NewPermission(def)
		if err != nil {
			log.Warn("skipping malformed permission",
				log.FieldComponent("authz"),
				log.FieldResourceType(resourceType),
				log.FieldAction(action),
				zap.Error(err))
			s.metrics.evaluationError(err)
			continue
		}
		perms = append(perms, p)
	}
	return perms
}
