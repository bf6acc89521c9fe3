// Package api serves the control-plane HTTP surface the backend drives the gateway with:
// publish, membership management, presence lists, content tokens, health, and the debug
// toggle. Every route is gated by the service-key middleware; validation failures are
// reported in the body with HTTP 200, matching what backend integrations expect.
package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nodepush/nodepush-server/internal/gateway"
	"github.com/nodepush/nodepush-server/internal/httputil"
	"github.com/nodepush/nodepush-server/internal/store"
)

// AdminHandler serves the control-plane verbs.
type AdminHandler struct {
	hub       *gateway.Hub
	store     *store.Store
	version   string
	startedAt time.Time
	log       zerolog.Logger
}

// NewAdminHandler creates a new control-plane handler.
func NewAdminHandler(hub *gateway.Hub, st *store.Store, version string, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		hub:       hub,
		store:     st,
		version:   version,
		startedAt: time.Now(),
		log:       logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts every control-plane route on the (already service-key gated) router.
func (h *AdminHandler) Register(r fiber.Router) {
	r.Post("publish", h.Publish)
	r.Post("user/kick/:uid", h.KickUser)
	r.Post("user/logout/:authtoken", h.LogoutUser)
	r.Post("user/channel/add/:channel/:uid", h.AddUserToChannel)
	r.Post("user/channel/remove/:channel/:uid", h.RemoveUserFromChannel)
	r.Post("channel/add/:channel", h.AddChannel)
	r.Get("channel/check/:channel", h.CheckChannel)
	r.Post("channel/remove/:channel", h.RemoveChannel)
	r.Get("health/check", h.HealthCheck)
	r.Get("user/presence-list/:uid/:uidList", h.SetUserPresenceList)
	r.Post("debug/toggle", h.ToggleDebug)
	r.Post("content/token/users", h.GetContentTokenUsers)
	r.Post("content/token", h.SetContentToken)
	r.Post("content/token/message", h.PublishMessageToContentChannel)
	r.Post("authtoken/channel/add/:channel/:authToken", h.AddAuthTokenToChannel)
	r.Post("authtoken/channel/remove/:channel/:authToken", h.RemoveAuthTokenFromChannel)
}

// Publish handles POST publish: broadcast when the broadcast flag is set, channel fan-out
// otherwise.
func (h *AdminHandler) Publish(c fiber.Ctx) error {
	var message map[string]any
	if err := json.Unmarshal(c.Body(), &message); err != nil {
		return httputil.Failed(c, "Invalid message body.")
	}

	sent, err := h.hub.PublishMessage(message)
	if err != nil {
		return httputil.Failed(c, err.Error())
	}
	return httputil.Success(c, fiber.Map{"sent": sent})
}

// KickUser handles POST user/kick/:uid: purge the uid's identities, close its sockets, strip
// it from channels.
func (h *AdminHandler) KickUser(c fiber.Ctx) error {
	uid, ok := parseUID(param(c, "uid"))
	if !ok {
		return httputil.Failed(c, "Invalid uid.")
	}
	h.hub.KickUser(uid)
	return httputil.Success(c, nil)
}

// LogoutUser handles POST user/logout/:authtoken.
func (h *AdminHandler) LogoutUser(c fiber.Ctx) error {
	authToken := param(c, "authtoken")
	if authToken == "" {
		return httputil.Failed(c, "Missing authToken.")
	}
	h.hub.LogoutUser(authToken)
	return httputil.Success(c, nil)
}

// AddUserToChannel handles POST user/channel/add/:channel/:uid. Succeeds only when the uid
// has at least one active socket; the channel membership is also appended to the cached
// identity so it survives reconnects.
func (h *AdminHandler) AddUserToChannel(c fiber.Ctx) error {
	channel := param(c, "channel")
	if !validChannelName(channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	uid, ok := parseUID(param(c, "uid"))
	if !ok {
		return httputil.Failed(c, "Invalid uid.")
	}

	if !h.store.AddUserToChannel(channel, uid) {
		return httputil.Failed(c, "No active sessions for uid.")
	}
	return httputil.Success(c, nil)
}

// RemoveUserFromChannel handles POST user/channel/remove/:channel/:uid.
func (h *AdminHandler) RemoveUserFromChannel(c fiber.Ctx) error {
	channel := param(c, "channel")
	if !validChannelName(channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	uid, ok := parseUID(param(c, "uid"))
	if !ok {
		return httputil.Failed(c, "Invalid uid.")
	}

	if !h.store.RemoveUserFromChannel(channel, uid) {
		return httputil.Failed(c, "Channel does not exist.")
	}
	return httputil.Success(c, nil)
}

// AddChannel handles POST channel/add/:channel, failing if the channel already exists.
func (h *AdminHandler) AddChannel(c fiber.Ctx) error {
	channel := param(c, "channel")
	if !validChannelName(channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	if !h.store.AddChannel(channel) {
		return httputil.Failed(c, "Channel already exists.")
	}
	return httputil.Success(c, nil)
}

// CheckChannel handles GET channel/check/:channel.
func (h *AdminHandler) CheckChannel(c fiber.Ctx) error {
	channel := param(c, "channel")
	if !validChannelName(channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	return httputil.Success(c, fiber.Map{"result": h.store.ChannelExists(channel)})
}

// RemoveChannel handles POST channel/remove/:channel, failing if the channel does not exist.
func (h *AdminHandler) RemoveChannel(c fiber.Ctx) error {
	channel := param(c, "channel")
	if !validChannelName(channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	if !h.store.RemoveChannel(channel) {
		return httputil.Failed(c, "Channel does not exist.")
	}
	return httputil.Success(c, nil)
}

// HealthCheck handles GET health/check: store counts, online uids, the outstanding content
// tokens, and version/uptime.
func (h *AdminHandler) HealthCheck(c fiber.Ctx) error {
	counts := h.store.CountsSnapshot()
	return httputil.Success(c, fiber.Map{
		"version":        h.version,
		"uptime":         int64(time.Since(h.startedAt).Seconds()),
		"sockets":        counts.Sockets,
		"preAuthSockets": counts.PreAuthSockets,
		"identities":     counts.Identities,
		"channels":       counts.Channels,
		"tokenChannels":  counts.TokenChannels,
		"onlineUsers":    h.store.OnlineUIDs(),
		"contentTokens":  h.store.ContentTokenSnapshot(),
	})
}

// SetUserPresenceList handles GET user/presence-list/:uid/:uidList where uidList is
// comma-separated. Every entry must be a digit string.
func (h *AdminHandler) SetUserPresenceList(c fiber.Ctx) error {
	uid, ok := parseUID(param(c, "uid"))
	if !ok {
		return httputil.Failed(c, "Invalid uid.")
	}
	observers, ok := parseUIDList(param(c, "uidList"))
	if !ok {
		return httputil.Failed(c, "Invalid uid in presence list.")
	}

	h.store.SetPresenceList(uid, observers)
	return httputil.Success(c, nil)
}

// ToggleDebug handles POST debug/toggle, flipping the live log level between Info and Debug.
func (h *AdminHandler) ToggleDebug(c fiber.Ctx) error {
	debug := toggleDebugLevel()
	h.log.Info().Bool("debug", debug).Msg("Debug logging toggled")
	return httputil.Success(c, fiber.Map{"debug": debug})
}

// contentTokenRequest is the body shape shared by the content-token verbs. The raw body is
// kept alongside so the stored payload round-trips untouched.
type contentTokenRequest struct {
	Channel            string `json:"channel"`
	Token              string `json:"token"`
	NotifyOnDisconnect bool   `json:"notifyOnDisconnect"`
}

// SetContentToken handles POST content/token: queue a one-use token on a token channel.
func (h *AdminHandler) SetContentToken(c fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	var req contentTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return httputil.Failed(c, "Invalid message body.")
	}
	if !validChannelName(req.Channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	if req.Token == "" {
		return httputil.Failed(c, "Missing token.")
	}

	h.store.SetContentToken(req.Channel, req.Token, store.TokenPayload{
		NotifyOnDisconnect: req.NotifyOnDisconnect,
		Raw:                body,
	})
	return httputil.Success(c, nil)
}

// GetContentTokenUsers handles POST content/token/users: list who redeemed into a token
// channel, by uid when authenticated as a user, by authToken otherwise.
func (h *AdminHandler) GetContentTokenUsers(c fiber.Ctx) error {
	var req contentTokenRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.Channel == "" {
		return httputil.Failed(c, "Missing channel.")
	}

	sessions, ok := h.store.TokenChannelSessions(req.Channel)
	if !ok {
		return httputil.Failed(c, "Channel does not exist.")
	}

	uids := make([]int64, 0, len(sessions))
	authTokens := make([]string, 0)
	for _, sess := range sessions {
		if sess.UID > 0 {
			uids = append(uids, sess.UID)
		} else {
			authTokens = append(authTokens, sess.AuthToken)
		}
	}
	return httputil.Success(c, fiber.Map{"uids": uids, "authTokens": authTokens})
}

// PublishMessageToContentChannel handles POST content/token/message: fan the body out to
// every socket in the token channel.
func (h *AdminHandler) PublishMessageToContentChannel(c fiber.Ctx) error {
	var message map[string]any
	if err := json.Unmarshal(c.Body(), &message); err != nil {
		return httputil.Failed(c, "Invalid message body.")
	}
	channel, _ := message["channel"].(string)
	if channel == "" {
		return httputil.Failed(c, "Missing channel.")
	}

	sent, ok := h.hub.PublishToTokenChannel(channel, message)
	if !ok {
		return httputil.Failed(c, "Channel does not exist.")
	}
	return httputil.Success(c, fiber.Map{"sent": sent})
}

// AddAuthTokenToChannel handles POST authtoken/channel/add/:channel/:authToken.
func (h *AdminHandler) AddAuthTokenToChannel(c fiber.Ctx) error {
	channel := param(c, "channel")
	if !validChannelName(channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	authToken := param(c, "authToken")
	if authToken == "" {
		return httputil.Failed(c, "Missing authToken.")
	}

	if !h.store.AddAuthTokenToChannel(channel, authToken) {
		return httputil.Failed(c, "No active sessions for authToken.")
	}
	return httputil.Success(c, nil)
}

// RemoveAuthTokenFromChannel handles POST authtoken/channel/remove/:channel/:authToken.
func (h *AdminHandler) RemoveAuthTokenFromChannel(c fiber.Ctx) error {
	channel := param(c, "channel")
	if !validChannelName(channel) {
		return httputil.Failed(c, "Invalid channel name.")
	}
	authToken := param(c, "authToken")
	if authToken == "" {
		return httputil.Failed(c, "Missing authToken.")
	}

	if !h.store.RemoveAuthTokenFromChannel(channel, authToken) {
		return httputil.Failed(c, "Channel does not exist.")
	}
	return httputil.Success(c, nil)
}
