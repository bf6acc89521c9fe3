package api

import (
	"strings"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nodepush/nodepush-server/internal/gateway"
)

// GatewayHandler serves the socket endpoint clients connect to. Unlike the control-plane
// routes it is not gated by the service key; sockets authenticate themselves against the
// backend after connecting.
type GatewayHandler struct {
	hub *gateway.Hub
	log zerolog.Logger
}

// NewGatewayHandler creates a handler that hands upgraded sockets to the hub.
func NewGatewayHandler(hub *gateway.Hub, logger zerolog.Logger) *GatewayHandler {
	return &GatewayHandler{
		hub: hub,
		log: logger.With().Str("component", "gateway-handler").Logger(),
	}
}

// Upgrade upgrades the HTTP connection to a WebSocket and blocks serving it until the
// socket closes. Plain HTTP requests against the socket path get 426; crawlers and
// health probes hit this often enough that it only logs at debug.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		h.log.Debug().
			Str("ip", c.IP()).
			Str("connection", c.Get(fiber.HeaderConnection)).
			Msg("Non-upgrade request on socket path")
		return fiber.ErrUpgradeRequired
	}
	remote := strings.Clone(c.IP())
	return websocket.New(func(conn *websocket.Conn) {
		h.log.Debug().Str("ip", remote).Msg("Socket connected")
		h.hub.ServeWebSocket(conn.Conn)
	})(c)
}
