package authz

import (
	"context"

	"valtimo-authz/internal/metadata"
)

// Request is an authorization question. It is one of EntityRequest,
// DelegateUserEntityRequest or RelatedEntityRequest.
type Request interface {
	Target() (resourceType, action string)
	resourceContext() *ResourceContext
}

// EntityRequest asks whether the acting user may perform Action on every
// one of Entities. Without entities it asks whether the action is granted
// on the resource type at all.
type EntityRequest struct {
	ResourceType string
	Action       string
	Entities     []Entity
	Context      *ResourceContext
}

func (r EntityRequest) Target() (string, string)          { return r.ResourceType, r.Action }
func (r EntityRequest) resourceContext() *ResourceContext { return r.Context }

// DelegateUserEntityRequest is an EntityRequest evaluated for another user,
// looked up by id in the user directory.
type DelegateUserEntityRequest struct {
	EntityRequest
	UserID string
}

// RelatedEntityRequest asks whether Action on ResourceType is granted by
// way of one entity of RelatedResourceType, e.g. may the user create a task
// on this case.
type RelatedEntityRequest struct {
	ResourceType        string
	Action              string
	RelatedResourceType string
	RelatedResourceID   any
	Context             *ResourceContext
}

func (r RelatedEntityRequest) Target() (string, string)          { return r.ResourceType, r.Action }
func (r RelatedEntityRequest) resourceContext() *ResourceContext { return r.Context }

// UserDirectory resolves users for delegated checks.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (*metadata.UserContext, error)
}

// EntityLoader loads single resource rows by id.
type EntityLoader interface {
	Get(ctx context.Context, resourceType string, id any) (map[string]any, error)
}
