package httputil

import (
	"github.com/gofiber/fiber/v3"
)

// Success sends the standard `{"status":"success"}` reply, merged with any extra fields the
// caller wants to include (e.g. `sent`, `result`, health counters).
func Success(c fiber.Ctx, extra fiber.Map) error {
	body := fiber.Map{"status": "success"}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(body)
}

// Failed sends the standard `{"status":"failed","error":...}` reply. The control-plane
// protocol reports validation and not-found failures in the body with HTTP 200; the backend
// inspects the status field, not the HTTP status code.
func Failed(c fiber.Ctx, message string) error {
	return c.JSON(fiber.Map{"status": "failed", "error": message})
}

// InvalidServiceKey sends the reply for requests that fail the service-key check.
func InvalidServiceKey(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"error": "Invalid service key."})
}

// NotFound sends the plain-text reply for unknown control-plane paths.
func NotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).SendString("Not Found.")
}
