package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nodepush/nodepush-server/internal/httputil"
)

// serviceKeyHeader is the request header the backend sends its shared secret in.
const serviceKeyHeader = "NodejsServiceKey"

// KeyChecker validates a presented service key. Satisfied by *backend.Client, whose
// comparison is constant-time.
type KeyChecker interface {
	CheckServiceKey(presented string) bool
}

// RequireServiceKey returns middleware gating every control-plane route. Extension routes
// registered with Auth=false are mounted outside this middleware.
func RequireServiceKey(checker KeyChecker, logger zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !checker.CheckServiceKey(c.Get(serviceKeyHeader)) {
			logger.Warn().Str("path", c.Path()).Str("ip", c.IP()).
				Msg("Control-plane request with invalid service key")
			return httputil.InvalidServiceKey(c)
		}
		return c.Next()
	}
}
