package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nodepush/nodepush-server/internal/api"
	"github.com/nodepush/nodepush-server/internal/backend"
	"github.com/nodepush/nodepush-server/internal/bus"
	"github.com/nodepush/nodepush-server/internal/config"
	"github.com/nodepush/nodepush-server/internal/extension"
	"github.com/nodepush/nodepush-server/internal/gateway"
	"github.com/nodepush/nodepush-server/internal/httputil"
	"github.com/nodepush/nodepush-server/internal/store"
)

const version = "1.0.0"

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	// A missing .env is fine; the environment may be set by the supervisor.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("env", cfg.ServerEnv).Str("version", version).Msg("Starting nodepush server")

	if cfg.ServiceKey == "" {
		log.Warn().Msg("SERVICE_KEY is empty. Every control-plane request will be accepted. Set a shared secret for any deployment the backend does not fully trust the network of.")
	}

	st := store.New()
	eventBus := bus.New(log.Logger)
	backendClient := backend.New(backend.Options{
		MessageURL: cfg.BackendMessageURL(),
		ServiceKey: cfg.ServiceKey,
		StrictSSL:  cfg.BackendStrictSSL,
		BasicUser:  cfg.BackendHTTPUser,
		BasicPass:  cfg.BackendHTTPPass,
	}, log.Logger)
	hub := gateway.NewHub(st, backendClient, eventBus, gateway.Options{
		ClientsCanWriteToClients: cfg.ClientsCanWriteToClients,
		OfflineGracePeriod:       cfg.OfflineGracePeriod,
	}, log.Logger)

	app := fiber.New(fiber.Config{
		AppName: "nodepush",
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	registerRoutes(app, cfg, st, eventBus, backendClient, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		_ = app.Shutdown()
	}()

	addr := cfg.ListenAddr()
	log.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("Server listening")

	listenCfg := fiber.ListenConfig{DisableStartupMessage: true}
	if cfg.TLSEnabled {
		listenCfg.CertFile = cfg.TLSCertFile
		listenCfg.CertKeyFile = cfg.TLSKeyFile
	}
	if err := app.Listen(addr, listenCfg); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	st *store.Store,
	eventBus *bus.Bus,
	backendClient *backend.Client,
	hub *gateway.Hub,
) {
	// Client socket surface: no service key, sockets authenticate via the backend.
	gatewayHandler := api.NewGatewayHandler(hub, log.Logger)
	app.Get(cfg.SocketPath, gatewayHandler.Upgrade)

	keyGuard := api.RequireServiceKey(backendClient, log.Logger)

	// Extension routes are registered before the prefix middleware below. Open (auth=false)
	// routes must dispatch ahead of it; guarded extension routes carry the key check as
	// per-route middleware, so their position does not matter.
	registry := extension.NewRegistry()
	deps := extension.Deps{Bus: eventBus, Hub: hub, Store: st, Config: cfg, Log: log.Logger}
	if err := registry.Mount(app.Group(cfg.BaseAuthPath), keyGuard, deps); err != nil {
		log.Fatal().Err(err).Msg("Failed to mount extensions")
	}

	// Control plane, gated by the service key.
	authed := app.Group(cfg.BaseAuthPath)
	authed.Use(keyGuard)

	admin := api.NewAdminHandler(hub, st, version, log.Logger)
	admin.Register(authed)

	// Everything else is an unknown control-plane path.
	app.Use(httputil.NotFound)
}
