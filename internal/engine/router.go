package engine

import "github.com/gofiber/fiber/v2"

func RegisterRoutes(app *fiber.App, h *Handler, ph *PermissionHandler, middleware ...fiber.Handler) {
	api := app.Group("/api/v1", middleware...)

	api.Post("/permissions", ph.Check)
	api.Get("/resources/:type", h.List)
	api.Get("/resources/:type/:id", h.GetByID)
}
