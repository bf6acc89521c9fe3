// Package gateway is the stateful session manager: it tracks socket lifecycle from connect
// through authentication to disconnect, fans messages out along channel and token-channel
// membership, and emits lifecycle events for extensions. All state lives in the store; the
// hub adds the backend round-trips, the grace timers, and the fan-out primitives.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/nodepush/nodepush-server/internal/backend"
	"github.com/nodepush/nodepush-server/internal/bus"
	"github.com/nodepush/nodepush-server/internal/store"
)

// backendTimeout bounds the authenticate/userOnline/userOffline round-trips.
const backendTimeout = 30 * time.Second

// Event payloads published on the bus.
type (
	// ConnectionEvent accompanies client-connection.
	ConnectionEvent struct {
		SessionID string
	}
	// AuthenticatedEvent accompanies client-authenticated.
	AuthenticatedEvent struct {
		SessionID string
		Identity  *store.AuthIdentity
	}
	// ClientMessageEvent accompanies client-to-client-message and client-to-channel-message.
	ClientMessageEvent struct {
		SessionID string
		Message   map[string]any
	}
	// DisconnectEvent accompanies client-disconnect.
	DisconnectEvent struct {
		SessionID string
	}
	// PublishEvent accompanies message-published.
	PublishEvent struct {
		Message    map[string]any
		Recipients int
	}
)

// Hub is the session manager. It owns no maps of its own besides the cancellable grace
// timers; directory state lives in the store and is mutated only through it.
type Hub struct {
	store   *store.Store
	backend *backend.Client
	bus     *bus.Bus
	log     zerolog.Logger

	// clientsCanWriteToClients permits socket-to-socket messages outside channels.
	clientsCanWriteToClients bool
	// gracePeriod is the delay before offline/disconnect notifications fire, absorbing the
	// disconnect-then-reconnect burst a browser refresh produces.
	gracePeriod time.Duration

	timers *timerSet
}

// Options configures a Hub.
type Options struct {
	ClientsCanWriteToClients bool
	OfflineGracePeriod       time.Duration
}

// NewHub creates a new session manager.
func NewHub(st *store.Store, be *backend.Client, eventBus *bus.Bus, opts Options, logger zerolog.Logger) *Hub {
	grace := opts.OfflineGracePeriod
	if grace == 0 {
		grace = 2 * time.Second
	}
	return &Hub{
		store:                    st,
		backend:                  be,
		bus:                      eventBus,
		log:                      logger.With().Str("component", "gateway").Logger(),
		clientsCanWriteToClients: opts.ClientsCanWriteToClients,
		gracePeriod:              grace,
		timers:                   newTimerSet(),
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket connection, registers it
// as pre-auth, and runs its pumps. It blocks until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	h.serve(conn)
}

func (h *Hub) serve(conn socketConn) {
	client := newClient(h, conn, h.log)

	h.store.AddPreAuth(client)
	h.bus.Publish(bus.ClientConnection, ConnectionEvent{SessionID: client.ID()})
	h.log.Debug().Str("session_id", client.ID()).Msg("Client connected")

	go client.writePump()
	client.readPump()
}

// handleAuthenticate processes an authenticate frame. A cached identity authorizes the socket
// without a backend round-trip; otherwise the message is forwarded to the backend and the
// reply decides. Every rejection path disconnects the socket without invoking the ack.
func (h *Hub) handleAuthenticate(c *Client, data json.RawMessage, ackID *int64) {
	var msg authenticateData
	if err := json.Unmarshal(data, &msg); err != nil || msg.AuthToken == "" {
		h.log.Debug().Str("session_id", c.ID()).Msg("Malformed authenticate payload")
		h.rejectAuth(c)
		return
	}

	if cached, ok := h.store.Identity(msg.AuthToken); ok {
		if h.setupConnection(c.ID(), cached, msg.ContentTokens) {
			c.ack(ackID, map[string]any{"result": "success"})
		}
		return
	}

	// Forward the client's message augmented with the message type and the socket id so the
	// backend can correlate its reply.
	outbound := make(map[string]any)
	_ = json.Unmarshal(data, &outbound)
	outbound["messageType"] = "authenticate"
	outbound["clientId"] = c.ID()

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	status, body, err := h.backend.Send(ctx, outbound)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", c.ID()).Msg("Backend authentication unreachable")
		h.rejectAuth(c)
		return
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		h.log.Warn().Int("status", status).Str("session_id", c.ID()).
			Msg("Backend rejected authentication request")
		h.rejectAuth(c)
		return
	}

	identity := &store.AuthIdentity{}
	if err := json.Unmarshal(body, identity); err != nil {
		h.log.Warn().Err(err).Str("session_id", c.ID()).Msg("Backend authentication reply is not JSON")
		h.rejectAuth(c)
		return
	}
	if identity.Error != "" || !identity.Valid {
		h.log.Info().Str("session_id", c.ID()).Str("error", identity.Error).
			Msg("Backend declined auth token")
		h.rejectAuth(c)
		return
	}

	sessionID := identity.ClientID
	if sessionID == "" {
		sessionID = c.ID()
	}

	if h.setupConnection(sessionID, identity, identity.ContentTokens) {
		c.ack(ackID, map[string]any{"result": "success"})
	}
}

// rejectAuth drops a socket that failed authentication.
func (h *Hub) rejectAuth(c *Client) {
	h.store.RemovePreAuth(c.ID())
	c.Disconnect()
}

// setupConnection promotes a pre-auth socket to authenticated and performs the side effects:
// presence timers are cancelled (the reconnect case), the backend learns about first-socket
// onlineness, observers get a presence notification, queued content tokens are redeemed, the
// lifecycle event fires, and the client receives its clientAuthenticated callback. Returns
// false when the socket vanished mid-authentication.
func (h *Hub) setupConnection(sessionID string, identity *store.AuthIdentity, contentTokens map[string]string) bool {
	result, ok := h.store.CompleteAuth(sessionID, identity, contentTokens)
	if !ok {
		h.log.Debug().Str("session_id", sessionID).Msg("Socket vanished during authentication")
		return false
	}

	if result.UID > 0 {
		h.timers.cancelPresence(result.UID)
	}
	for _, redeemed := range result.Redeemed {
		h.timers.cancelToken(redeemed.Channel, result.UID)
	}

	if result.WentOnline {
		h.notifyBackend(result.UID, "userOnline")
		h.sendPresenceChange(result.UID, "online", result.Observers)
	}

	h.bus.Publish(bus.ClientAuthenticated, AuthenticatedEvent{SessionID: sessionID, Identity: identity.Clone()})

	if err := result.Handle.SendJSON(map[string]any{"callback": "clientAuthenticated", "data": identity}); err != nil {
		h.log.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to send clientAuthenticated")
	}

	h.log.Info().Str("session_id", sessionID).Int64("uid", result.UID).Msg("Client authenticated")
	return true
}

// notifyBackend POSTs a `{uid, messageType}` presence transition to the backend,
// fire-and-forget.
func (h *Hub) notifyBackend(uid int64, messageType string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		if _, _, err := h.backend.Send(ctx, map[string]any{"uid": uid, "messageType": messageType}); err != nil {
			h.log.Warn().Err(err).Int64("uid", uid).Str("message_type", messageType).
				Msg("Backend presence notification failed")
		}
	}()
}

// sendPresenceChange notifies every observer of the uid's presence transition on each of the
// observer's active sockets.
func (h *Hub) sendPresenceChange(uid int64, event string, observers []int64) {
	payload := map[string]any{
		"presenceNotification": map[string]any{"uid": uid, "event": event},
	}
	for _, observer := range observers {
		for _, sess := range h.store.SessionsForUID(observer) {
			if err := sess.Handle.SendJSON(payload); err != nil {
				h.log.Debug().Err(err).Str("session_id", sess.ID).Msg("Presence notification dropped")
			}
		}
	}
}

// handleJoinTokenChannel redeems a one-use content token for an authenticated socket and
// announces the join to every socket already in the token channel.
func (h *Hub) handleJoinTokenChannel(c *Client, data json.RawMessage) {
	if _, ok := h.store.Session(c.ID()); !ok {
		return
	}

	var msg joinTokenChannelData
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel == "" || msg.ContentToken == "" {
		return
	}

	payload, ok := h.store.RedeemContentToken(msg.Channel, msg.ContentToken, c.ID())
	if !ok {
		h.log.Debug().Str("session_id", c.ID()).Str("channel", msg.Channel).
			Msg("Content token not queued")
		return
	}

	sess, _ := h.store.Session(c.ID())
	h.timers.cancelToken(msg.Channel, sess.UID)

	announcement := map[string]any{
		"callback": "clientJoinedTokenChannel",
		"data":     payload.Raw,
	}
	sent, _ := h.PublishToTokenChannel(msg.Channel, announcement)
	h.log.Debug().Str("channel", msg.Channel).Int("sent", sent).Msg("Token channel join announced")
}

// handleClientMessage authorizes and routes an inbound client message. Channel messages
// require a client-writable channel the socket is a member of; direct messages require the
// global clients-can-write flag. Unauthorized attempts are logged and silently dropped.
func (h *Hub) handleClientMessage(c *Client, data json.RawMessage) {
	if _, ok := h.store.Session(c.ID()); !ok {
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if _, ok := msg["type"].(string); !ok {
		return
	}

	if channel, ok := msg["channel"].(string); ok && channel != "" {
		if !h.store.ClientMayWrite(channel, c.ID()) {
			h.log.Info().Str("session_id", c.ID()).Str("channel", channel).
				Msg("Unauthorized client channel write dropped")
			return
		}
		h.bus.Publish(bus.ClientToChannelMessage, ClientMessageEvent{SessionID: c.ID(), Message: msg})
		return
	}

	if !h.clientsCanWriteToClients {
		h.log.Info().Str("session_id", c.ID()).Msg("Unauthorized client-to-client write dropped")
		return
	}
	h.bus.Publish(bus.ClientToClientMessage, ClientMessageEvent{SessionID: c.ID(), Message: msg})
}

// cleanupSession tears a socket down. It is idempotent: the read pump runs it when the
// connection drops, and admin kick/logout run it directly after closing the transport.
func (h *Hub) cleanupSession(sessionID string) {
	_, wasPreAuth := h.store.PreAuth(sessionID)
	_, wasSession := h.store.Session(sessionID)
	if !wasPreAuth && !wasSession {
		return
	}

	h.bus.Publish(bus.ClientDisconnect, DisconnectEvent{SessionID: sessionID})

	result := h.store.Disconnect(sessionID)
	if result.WasPreAuth || !result.HadSession {
		return
	}

	h.log.Debug().Str("session_id", sessionID).Int64("uid", result.UID).Msg("Client disconnected")

	if result.UID > 0 {
		h.armPresenceTimer(result.UID)
	}
	for _, membership := range result.TokenChannels {
		if membership.Payload.NotifyOnDisconnect {
			h.armTokenTimer(membership.Channel, result.UID)
		}
	}
}

// armPresenceTimer starts (or restarts) the offline grace timer for a uid. When it fires and
// the uid still has no sockets, the user is marked offline, the backend is told, and
// observers are notified.
func (h *Hub) armPresenceTimer(uid int64) {
	h.timers.resetPresence(uid, h.gracePeriod, func() {
		observers, wentOffline := h.store.SetOfflineIfIdle(uid)
		if !wentOffline {
			return
		}
		h.notifyBackend(uid, "userOffline")
		h.sendPresenceChange(uid, "offline", observers)
		h.log.Debug().Int64("uid", uid).Msg("User offline after grace period")
	})
}

// armTokenTimer starts (or restarts) the token-channel disconnect grace timer for a
// (channel, uid) pair. When it fires and no socket of the uid remains in the token channel,
// the remaining members get a contentChannelNotification.
func (h *Hub) armTokenTimer(channel string, uid int64) {
	h.timers.resetToken(channel, uid, h.gracePeriod, func() {
		if h.store.TokenChannelHasUID(channel, uid) {
			return
		}
		payload := map[string]any{
			"channel":                    channel,
			"contentChannelNotification": true,
			"data": map[string]any{
				"uid":  uid,
				"type": "disconnect",
			},
		}
		sent, _ := h.PublishToTokenChannel(channel, payload)
		h.log.Debug().Str("channel", channel).Int64("uid", uid).Int("sent", sent).
			Msg("Token channel disconnect announced")
	})
}

// --- fan-out primitives ---

// PublishToClient sends a JSON payload to one socket, reporting whether it was present.
func (h *Hub) PublishToClient(sessionID string, v any) bool {
	sess, ok := h.store.Session(sessionID)
	if !ok {
		return false
	}
	if err := sess.Handle.SendJSON(v); err != nil {
		h.log.Debug().Err(err).Str("session_id", sessionID).Msg("Send to client failed")
		return false
	}
	return true
}

// PublishToChannel delivers a payload to every member of the channel, returning the delivered
// count. The second return is false when the channel does not exist.
func (h *Hub) PublishToChannel(channel string, v any) (int, bool) {
	sessions, ok := h.store.ChannelSessions(channel)
	if !ok {
		return 0, false
	}
	return h.deliver(sessions, v), true
}

// PublishToTokenChannel delivers a payload to every socket in the token channel, returning
// the delivered count. The second return is false when the token channel does not exist.
func (h *Hub) PublishToTokenChannel(channel string, v any) (int, bool) {
	sessions, ok := h.store.TokenChannelSessions(channel)
	if !ok {
		return 0, false
	}
	return h.deliver(sessions, v), true
}

// Broadcast delivers a payload to every authenticated socket, returning the delivered count.
func (h *Hub) Broadcast(v any) int {
	return h.deliver(h.store.Sessions(), v)
}

func (h *Hub) deliver(sessions []store.Session, v any) int {
	sent := 0
	for _, sess := range sessions {
		if err := sess.Handle.SendJSON(v); err != nil {
			h.log.Debug().Err(err).Str("session_id", sess.ID).Msg("Fan-out send failed")
			continue
		}
		sent++
	}
	return sent
}

// --- admin-driven lifecycle ---

// KickUser closes every socket of the uid, runs the cleanup path for each, and purges the
// uid's cached identities so the next connect must re-authenticate. Returns how many sockets
// were closed.
func (h *Hub) KickUser(uid int64) int {
	sessions := h.store.SessionsForUID(uid)
	for _, sess := range sessions {
		sess.Handle.Disconnect()
		h.cleanupSession(sess.ID)
	}
	h.store.DeleteIdentitiesByUID(uid)
	h.log.Info().Int64("uid", uid).Int("sockets", len(sessions)).Msg("User kicked")
	return len(sessions)
}

// LogoutUser deletes the identity for an authToken and tears down its sockets. The transport
// is closed before cleanup runs, and cleanup is idempotent, so a socket that has not actually
// disconnected yet is handled the same as one that has.
func (h *Hub) LogoutUser(authToken string) int {
	sessions := h.store.SessionsForAuthToken(authToken)
	for _, sess := range sessions {
		sess.Handle.Disconnect()
		h.cleanupSession(sess.ID)
	}
	h.store.DeleteIdentity(authToken)
	h.log.Info().Int("sockets", len(sessions)).Msg("Auth token logged out")
	return len(sessions)
}

// Shutdown closes every connection and stops all grace timers.
func (h *Hub) Shutdown() {
	for _, sess := range h.store.Sessions() {
		sess.Handle.Disconnect()
	}
	h.timers.stopAll()
	h.log.Info().Msg("Gateway hub shut down")
}

// PublishMessage is the admin publish entry point: broadcast or channel fan-out, plus the
// message-published lifecycle event.
func (h *Hub) PublishMessage(message map[string]any) (int, error) {
	var sent int
	if broadcast, _ := message["broadcast"].(bool); broadcast {
		sent = h.Broadcast(message)
	} else {
		channel, _ := message["channel"].(string)
		if channel == "" {
			return 0, fmt.Errorf("publish message has neither channel nor broadcast flag")
		}
		var ok bool
		sent, ok = h.PublishToChannel(channel, message)
		if !ok {
			return 0, fmt.Errorf("channel %q does not exist", channel)
		}
	}

	h.bus.Publish(bus.MessagePublished, PublishEvent{Message: message, Recipients: sent})
	return sent, nil
}

// uidKey builds the map key for a (token channel, uid) grace timer.
func uidKey(channel string, uid int64) string {
	return channel + "\x00" + strconv.FormatInt(uid, 10)
}
