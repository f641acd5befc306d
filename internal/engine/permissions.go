package engine

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/log"
	"valtimo-authz/internal/metadata"
)

// PermissionContext names the entity an availability question is asked in.
type PermissionContext struct {
	Resource   string `json:"resource" validate:"required"`
	Identifier any    `json:"identifier" validate:"required"`
}

// PermissionAvailableRequest is one item of a batch availability check.
type PermissionAvailableRequest struct {
	Resource string             `json:"resource" validate:"required"`
	Action   string             `json:"action" validate:"required"`
	Context  *PermissionContext `json:"context,omitempty"`
}

type PermissionAvailableResult struct {
	Resource  string             `json:"resource"`
	Action    string             `json:"action"`
	Context   *PermissionContext `json:"context,omitempty"`
	Available bool               `json:"available"`
}

// PermissionHandler answers which actions the caller may perform, so
// clients can show or hide controls.
type PermissionHandler struct {
	authz *authz.Service
}

func NewPermissionHandler(svc *authz.Service) *PermissionHandler {
	return &PermissionHandler{authz: svc}
}

// Check handles POST /api/v1/permissions. Items with a context are asked
// as related-entity requests; items without one as type-level checks. An
// item that cannot be evaluated is reported unavailable.
func (h *PermissionHandler) Check(c *fiber.Ctx) error {
	var items []PermissionAvailableRequest
	if err := c.BodyParser(&items); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	var details []ErrorDetail
	for _, item := range items {
		if err := metadata.Validate(item); err != nil {
			details = append(details, ErrorDetail{Message: err.Error()})
		}
	}
	if len(details) > 0 {
		return ValidationError(details)
	}

	ctx := c.UserContext()
	results := make([]PermissionAvailableResult, 0, len(items))
	for _, item := range items {
		var req authz.Request = authz.EntityRequest{ResourceType: item.Resource, Action: item.Action}
		if item.Context != nil {
			req = authz.RelatedEntityRequest{
				ResourceType:        item.Resource,
				Action:              item.Action,
				RelatedResourceType: item.Context.Resource,
				RelatedResourceID:   item.Context.Identifier,
			}
		}

		available := h.authz.HasPermission(ctx, req)
		log.Debug("permission availability",
			log.FieldComponent("engine"),
			log.FieldResourceType(item.Resource),
			log.FieldAction(item.Action),
			zap.Bool("available", available))

		results = append(results, PermissionAvailableResult{
			Resource:  item.Resource,
			Action:    item.Action,
			Context:   item.Context,
			Available: available,
		})
	}

	return c.JSON(results)
}
