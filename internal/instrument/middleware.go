package instrument

import (
	"math/rand"

	"github.com/gofiber/fiber/v2"

	"valtimo-authz/internal/config"
	"valtimo-authz/internal/metadata"
)

// Middleware opens a root span per request. The trace id is taken from
// X-Trace-ID when present and echoed back on the response.
func Middleware(cfg config.InstrumentationConfig, buffer *EventBuffer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Enabled || buffer == nil {
			return c.Next()
		}
		if cfg.SamplingRate < 1.0 && rand.Float64() > cfg.SamplingRate {
			return c.Next()
		}

		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = newUUID()
		}

		instrumenter := NewInstrumenter(buffer)
		ctx := WithTraceID(c.UserContext(), traceID)
		ctx = WithInstrumenter(ctx, instrumenter)

		ctx, span := instrumenter.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)
		c.Set("X-Trace-ID", traceID)

		err := c.Next()

		// auth middleware runs downstream and leaves the user in Locals
		if user, ok := c.Locals("user").(*metadata.UserContext); ok && user != nil {
			span.SetUser(user.ID)
		}

		statusCode := c.Response().StatusCode()
		span.SetMetadata("status_code", statusCode)
		if statusCode >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()

		return err
	}
}
