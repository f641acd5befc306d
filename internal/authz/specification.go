package authz

import (
	"github.com/samber/lo"
	"go.uber.org/zap"

	"valtimo-authz/internal/log"
	"valtimo-authz/internal/predicate"
)

// Specification is a request resolved against the caller's candidate
// permissions. Permissions combine by OR: one sufficient grant authorizes.
// A permission whose evaluation fails is logged and counts as not granting.
type Specification struct {
	svc          *Service
	ec           *EvalContext
	request      Request
	resourceType string
	action       string
	permissions  []*Permission
	bypassed     bool
}

func (s *Specification) ResourceType() string       { return s.resourceType }
func (s *Specification) Action() string             { return s.action }
func (s *Specification) Permissions() []*Permission { return s.permissions }
func (s *Specification) Bypassed() bool             { return s.bypassed }

// IsAuthorized answers the request. The error reports failures to load the
// related entity of a RelatedEntityRequest.
func (s *Specification) IsAuthorized() (bool, error) {
	if s.bypassed {
		return true, nil
	}
	switch r := s.request.(type) {
	case RelatedEntityRequest:
		return s.isAuthorizedRelated(r)
	case DelegateUserEntityRequest:
		return s.isAuthorizedEntities(r.Entities), nil
	case EntityRequest:
		return s.isAuthorizedEntities(r.Entities), nil
	}
	return false, nil
}

// IsApplicable reports whether any candidate permission applies to the
// request's context, regardless of entity conditions.
func (s *Specification) IsApplicable() bool {
	if s.bypassed {
		return true
	}
	for _, p := range s.permissions {
		ok, err := p.contextAllows(s.ec)
		if err != nil {
			s.fail(p, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// IsAuthorizedFor evaluates the candidate permissions against one entity.
func (s *Specification) IsAuthorizedFor(entity Entity) bool {
	if s.bypassed {
		return true
	}
	for _, p := range s.permissions {
		ok, err := p.Test(s.ec, entity)
		if err != nil {
			s.fail(p, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Filter keeps the authorized entities.
func (s *Specification) Filter(entities []Entity) []Entity {
	return lo.Filter(entities, func(e Entity, _ int) bool { return s.IsAuthorizedFor(e) })
}

// Predicate is the disjunction of the candidate permissions' predicates
// over root. It is False when nothing applies.
func (s *Specification) Predicate(q *predicate.Query, root *predicate.Root) predicate.Predicate {
	if s.bypassed {
		return predicate.True
	}
	terms := make([]predicate.Predicate, 0, len(s.permissions))
	for _, p := range s.permissions {
		pred, err := p.Predicate(s.ec, q, root)
		if err != nil {
			s.fail(p, err)
			continue
		}
		terms = append(terms, pred)
	}
	return predicate.OrOf(terms...)
}

func (s *Specification) isAuthorizedEntities(entities []Entity) bool {
	if len(entities) == 0 {
		return s.IsApplicable()
	}
	for _, e := range entities {
		if !s.IsAuthorizedFor(e) {
			return false
		}
	}
	return true
}

func (s *Specification) isAuthorizedRelated(r RelatedEntityRequest) (bool, error) {
	if len(s.permissions) == 0 {
		return false, nil
	}
	related, err := s.svc.loadEntity(s.ec.ctx, r.RelatedResourceType, r.RelatedResourceID)
	if err != nil {
		return false, err
	}
	if r.RelatedResourceType == r.ResourceType {
		return s.IsAuthorizedFor(related), nil
	}
	for _, p := range s.permissions {
		ok, err := p.TestRelated(s.ec, r.RelatedResourceType, related)
		if err != nil {
			s.fail(p, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Specification) fail(p *Permission, err error) {
	log.Warn("permission evaluation failed",
		log.FieldComponent("authz"),
		log.FieldResourceType(s.resourceType),
		log.FieldAction(s.action),
		zap.String("permission_id", p.ID),
		zap.String("role", p.RoleKey),
		zap.Error(err))
	s.svc.metrics.evaluationError(err)
}
