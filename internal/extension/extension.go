// Package extension hosts the compiled-in extension registry. Extensions observe gateway
// lifecycle events through the bus and may contribute control-plane routes; they receive
// their dependencies explicitly at setup rather than through process-global state.
package extension

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nodepush/nodepush-server/internal/bus"
	"github.com/nodepush/nodepush-server/internal/config"
	"github.com/nodepush/nodepush-server/internal/gateway"
	"github.com/nodepush/nodepush-server/internal/store"
)

// Deps is everything an extension may touch.
type Deps struct {
	Bus    *bus.Bus
	Hub    *gateway.Hub
	Store  *store.Store
	Config *config.Config
	Log    zerolog.Logger
}

// Route is a control-plane route contributed by an extension. The path is relative to the
// configured base auth path. Routes with Auth set are gated by the service-key middleware;
// routes without it are mounted openly.
type Route struct {
	Method  string
	Path    string
	Auth    bool
	Handler fiber.Handler
}

// Extension is a compiled-in module. Setup runs once at startup; the extension subscribes to
// bus events there and returns any routes it wants mounted.
type Extension interface {
	Name() string
	Setup(deps Deps) ([]Route, error)
}

// Registry collects extensions and mounts them.
type Registry struct {
	extensions []Extension
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an extension. Call before Mount.
func (r *Registry) Add(ext Extension) {
	r.extensions = append(r.extensions, ext)
}

// Mount runs every extension's Setup and mounts its routes on the router. Routes with Auth
// set get the guard as per-route middleware; open routes are registered bare. Gating per
// route rather than per prefix keeps open routes open regardless of where the router sits
// relative to prefix middleware. Setup failure of any extension is fatal; a half-loaded
// extension set is worse than a clean startup error.
func (r *Registry) Mount(router fiber.Router, guard fiber.Handler, deps Deps) error {
	for _, ext := range r.extensions {
		routes, err := ext.Setup(deps)
		if err != nil {
			return fmt.Errorf("setup extension %s: %w", ext.Name(), err)
		}
		for _, route := range routes {
			if route.Auth {
				router.Add([]string{route.Method}, route.Path, guard, route.Handler)
			} else {
				router.Add([]string{route.Method}, route.Path, route.Handler)
			}
			deps.Log.Info().Str("extension", ext.Name()).Str("method", route.Method).
				Str("path", route.Path).Bool("auth", route.Auth).Msg("Extension route mounted")
		}
	}
	return nil
}
