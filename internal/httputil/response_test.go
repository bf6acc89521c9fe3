package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
)

var testTimeout = fiber.TestConfig{Timeout: 10 * time.Second}

func get(t *testing.T, app *fiber.App, path string) (int, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestSuccess_MergesExtraFields(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	app.Get("/", func(c fiber.Ctx) error {
		return Success(c, fiber.Map{"sent": 3})
	})

	status, body := get(t, app, "/")
	if status != fiber.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reply["status"] != "success" || reply["sent"] != float64(3) {
		t.Errorf("reply = %v, want status success with sent 3", reply)
	}
}

func TestFailed_ReportsInBodyWithOK(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	app.Get("/", func(c fiber.Ctx) error {
		return Failed(c, "Channel does not exist.")
	})

	status, body := get(t, app, "/")
	if status != fiber.StatusOK {
		t.Errorf("status = %d, want 200 (failures are reported in the body)", status)
	}
	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reply["status"] != "failed" || reply["error"] != "Channel does not exist." {
		t.Errorf("reply = %v, want failed with error message", reply)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	app := fiber.New()
	app.Use(NotFound)

	status, body := get(t, app, "/anything")
	if status != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if string(body) != "Not Found." {
		t.Errorf("body = %q, want %q", string(body), "Not Found.")
	}
}
