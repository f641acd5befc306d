package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cast"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
	"valtimo-authz/internal/store"
)

// Handler serves read access to resource rows, filtered by authorization.
type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	records  *store.RecordStore
	authz    *authz.Service
}

func NewHandler(s *store.Store, reg *metadata.Registry, records *store.RecordStore, svc *authz.Service) *Handler {
	return &Handler{store: s, registry: reg, records: records, authz: svc}
}

// List handles GET /api/v1/resources/:type. Rows are restricted to those
// the user may view_list; a user without any applicable permission gets
// an empty page rather than an error.
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	plan, err := ParseQueryParams(c, entity)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	access := h.authz.Filter(ctx, plan.Query, plan.Root, authz.ActionViewList, nil)

	rows := []map[string]any{}
	var total int64
	if !predicate.IsFalse(access) {
		compiler := h.records.Compiler()

		qr, err := BuildSelectSQL(plan, compiler, h.store.Dialect, access)
		if err != nil {
			return err
		}
		if rows, err = store.QueryRows(ctx, h.store.DB, qr.SQL, qr.Params...); err != nil {
			return fmt.Errorf("list %s: %w", entity.Name, err)
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		h.records.Normalize(entity, rows)

		cr, err := BuildCountSQL(plan, compiler, h.store.Dialect, access)
		if err != nil {
			return err
		}
		var countRow map[string]any
		if countRow, err = store.QueryRow(ctx, h.store.DB, cr.SQL, cr.Params...); err != nil {
			return fmt.Errorf("count %s: %w", entity.Name, err)
		}
		total = cast.ToInt64(countRow["count"])
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":     plan.Page,
			"per_page": plan.PerPage,
			"total":    total,
		},
	})
}

// GetByID handles GET /api/v1/resources/:type/:id as a view point check on
// the loaded row.
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	ctx := c.UserContext()
	row, err := h.records.Get(ctx, entity.Name, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(entity.Name, id)
		}
		return fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}

	if err := h.authz.RequirePermission(ctx, authz.EntityRequest{
		ResourceType: entity.Name,
		Action:       authz.ActionView,
		Entities:     []authz.Entity{row},
	}); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("type")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownResourceTypeError(name)
	}
	return entity, nil
}
