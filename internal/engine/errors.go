package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/log"
	"valtimo-authz/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(resourceType, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", resourceType, id),
	}
}

func UnknownResourceTypeError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_RESOURCE_TYPE",
		Status:  404,
		Message: fmt.Sprintf("Unknown resource type: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

// ErrorHandler renders errors returned by handlers. AppErrors and authz
// denials keep their status; anything else is logged and reported as 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var forbidden *authz.ForbiddenError
	if errors.As(err, &forbidden) {
		return c.Status(403).JSON(ErrorResponse{Error: ForbiddenError(forbidden.Error())})
	}

	if errors.Is(err, store.ErrNotFound) {
		return c.Status(404).JSON(ErrorResponse{Error: NewAppError("NOT_FOUND", 404, "Not found")})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{Error: NewAppError("HTTP_ERROR", fiberErr.Code, fiberErr.Message)})
	}

	log.Error("request failed",
		log.FieldComponent("http"),
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.Status(500).JSON(ErrorResponse{
		Error: &AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
