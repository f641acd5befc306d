package authz

import (
	"errors"
	"fmt"
)

var (
	ErrMapperNotFound      = errors.New("entity mapper not found")
	ErrDuplicateMapper     = errors.New("entity mapper already registered")
	ErrUnresolvableValue   = errors.New("unresolvable condition value")
	ErrUnknownOperator     = errors.New("unknown operator")
	ErrUnknownField        = errors.New("unknown field")
	ErrUnknownResourceType = errors.New("unknown resource type")
	ErrNoUser              = errors.New("no acting user")
)

// ForbiddenError is returned by RequirePermission when a request is denied.
type ForbiddenError struct {
	ResourceType string
	Action       string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("permission denied: %s on %s", e.Action, e.ResourceType)
}

// IsForbidden reports whether err is a denial.
func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

// errorReason maps an evaluation error to a short label for metrics.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrMapperNotFound):
		return "mapper_not_found"
	case errors.Is(err, ErrUnresolvableValue):
		return "unresolvable_value"
	case errors.Is(err, ErrUnknownOperator):
		return "unknown_operator"
	case errors.Is(err, ErrUnknownField):
		return "unknown_field"
	case errors.Is(err, ErrUnknownResourceType):
		return "unknown_resource_type"
	case errors.Is(err, ErrNoUser):
		return "no_user"
	default:
		return "internal"
	}
}
