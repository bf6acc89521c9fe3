package extension

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

var testTimeout = fiber.TestConfig{Timeout: 10 * time.Second}

// stubExtension contributes one open and one authenticated route.
type stubExtension struct {
	name     string
	setupErr error
	setupRan bool
}

func (s *stubExtension) Name() string { return s.name }

func (s *stubExtension) Setup(Deps) ([]Route, error) {
	s.setupRan = true
	if s.setupErr != nil {
		return nil, s.setupErr
	}
	return []Route{
		{Method: fiber.MethodGet, Path: "ping", Auth: false, Handler: func(c fiber.Ctx) error {
			return c.SendString("pong")
		}},
		{Method: fiber.MethodPost, Path: "admin-ping", Auth: true, Handler: func(c fiber.Ctx) error {
			return c.SendString("admin-pong")
		}},
	}, nil
}

func keyGuard(c fiber.Ctx) error {
	if c.Get("NodejsServiceKey") != "secret" {
		return c.Status(fiber.StatusForbidden).SendString("denied")
	}
	return c.Next()
}

// testApp wires the registry exactly like main does: extension routes first, then a gated
// group carrying the same prefix middleware the admin routes sit behind.
func testApp(t *testing.T, registry *Registry) *fiber.App {
	t.Helper()
	app := fiber.New()

	if err := registry.Mount(app.Group("/nodejs/"), keyGuard, Deps{Log: zerolog.Nop()}); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	authed := app.Group("/nodejs/")
	authed.Use(keyGuard)
	authed.Get("admin-only", func(c fiber.Ctx) error {
		return c.SendString("admin-only")
	})

	return app
}

func fetch(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestMount_OpenRouteBypassesAuth(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	registry.Add(&stubExtension{name: "stub"})
	app := testApp(t, registry)

	status, body := fetch(t, app, httptest.NewRequest(http.MethodGet, "/nodejs/ping", nil))
	if status != fiber.StatusOK || body != "pong" {
		t.Errorf("open route = (%d, %q), want (200, pong)", status, body)
	}
}

func TestMount_AuthedRouteGated(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	registry.Add(&stubExtension{name: "stub"})
	app := testApp(t, registry)

	status, _ := fetch(t, app, httptest.NewRequest(http.MethodPost, "/nodejs/admin-ping", nil))
	if status != fiber.StatusForbidden {
		t.Errorf("authed route without key = %d, want %d", status, fiber.StatusForbidden)
	}

	req := httptest.NewRequest(http.MethodPost, "/nodejs/admin-ping", nil)
	req.Header.Set("NodejsServiceKey", "secret")
	status, body := fetch(t, app, req)
	if status != fiber.StatusOK || body != "admin-pong" {
		t.Errorf("authed route with key = (%d, %q), want (200, admin-pong)", status, body)
	}
}

func TestMount_GatedGroupStaysGated(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	registry.Add(&stubExtension{name: "stub"})
	app := testApp(t, registry)

	// Mounting extensions ahead of the prefix middleware must not open the admin surface.
	status, _ := fetch(t, app, httptest.NewRequest(http.MethodGet, "/nodejs/admin-only", nil))
	if status != fiber.StatusForbidden {
		t.Errorf("admin route without key = %d, want %d", status, fiber.StatusForbidden)
	}

	req := httptest.NewRequest(http.MethodGet, "/nodejs/admin-only", nil)
	req.Header.Set("NodejsServiceKey", "secret")
	status, body := fetch(t, app, req)
	if status != fiber.StatusOK || body != "admin-only" {
		t.Errorf("admin route with key = (%d, %q), want (200, admin-only)", status, body)
	}
}

func TestMount_SetupErrorIsFatal(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	first := &stubExtension{name: "broken", setupErr: errors.New("boom")}
	second := &stubExtension{name: "after"}
	registry.Add(first)
	registry.Add(second)

	app := fiber.New()
	err := registry.Mount(app.Group("/"), keyGuard, Deps{Log: zerolog.Nop()})
	if err == nil {
		t.Fatal("Mount() succeeded despite setup error")
	}
	if second.setupRan {
		t.Error("later extension ran after an earlier setup failure")
	}
}
