// Package store owns every map the gateway keeps about live sockets: pre-auth and
// authenticated sessions, cached auth identities, channels, token channels, presence lists,
// and the online-user set. All mutation goes through invariant-preserving methods behind a
// single mutex; composite state transitions (authentication, disconnect, kick) are single
// methods so no other handler can observe an intermediate state. Queries return snapshots,
// never interior references.
package store

import (
	"encoding/json"
	"sync"
)

// ClientHandle is the capability the store keeps for a live socket. The transport adapter
// implements it; the store never depends on a concrete transport. The transport owns the byte
// stream, the store owns the directory entry.
type ClientHandle interface {
	ID() string
	SendJSON(v any) error
	Disconnect()
}

// Session is a read-only snapshot of an authenticated socket's directory entry.
type Session struct {
	ID        string
	AuthToken string
	UID       int64
	Handle    ClientHandle
}

// TokenPayload is the metadata stored with a content token, carried over to the socket entry
// when the token is redeemed.
type TokenPayload struct {
	// NotifyOnDisconnect requests a contentChannelNotification to the remaining token-channel
	// members when this socket's user fully disconnects.
	NotifyOnDisconnect bool
	// Raw is the full JSON body the token was set with, fanned out verbatim on join.
	Raw json.RawMessage
}

type sessionState struct {
	handle    ClientHandle
	authToken string
	uid       int64
}

type channelState struct {
	sessions       map[string]struct{}
	clientWritable bool
}

type tokenChannelState struct {
	tokens  map[string]TokenPayload // unredeemed one-use tokens
	sockets map[string]TokenPayload // session id -> payload, set on redeem
}

// Store is the in-memory state directory. The zero value is not usable; call New.
type Store struct {
	mu            sync.RWMutex
	preAuth       map[string]ClientHandle
	sessions      map[string]*sessionState
	identities    map[string]*AuthIdentity
	channels      map[string]*channelState
	tokenChannels map[string]*tokenChannelState
	onlineUsers   map[int64][]int64 // uid -> observer uids; presence of key means online
	presenceLists map[int64][]int64 // admin-set observer lists, survive reconnects
}

// New creates an empty store.
func New() *Store {
	return &Store{
		preAuth:       make(map[string]ClientHandle),
		sessions:      make(map[string]*sessionState),
		identities:    make(map[string]*AuthIdentity),
		channels:      make(map[string]*channelState),
		tokenChannels: make(map[string]*tokenChannelState),
		onlineUsers:   make(map[int64][]int64),
		presenceLists: make(map[int64][]int64),
	}
}

// --- pre-auth sockets ---

// AddPreAuth registers a freshly connected, not yet authenticated socket.
func (s *Store) AddPreAuth(h ClientHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preAuth[h.ID()] = h
}

// PreAuth returns the handle of a pre-auth socket.
func (s *Store) PreAuth(id string) (ClientHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.preAuth[id]
	return h, ok
}

// RemovePreAuth drops a pre-auth socket, reporting whether it was present.
func (s *Store) RemovePreAuth(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.preAuth[id]; !ok {
		return false
	}
	delete(s.preAuth, id)
	return true
}

// --- authentication ---

// RedeemedToken reports a content token consumed during authentication.
type RedeemedToken struct {
	Channel string
	Payload TokenPayload
}

// AuthResult is what CompleteAuth hands back for the session manager's side effects (backend
// notification, presence fan-out, client callbacks).
type AuthResult struct {
	Handle     ClientHandle
	UID        int64
	WentOnline bool
	Observers  []int64
	Redeemed   []RedeemedToken
}

// CompleteAuth atomically promotes a pre-auth socket to authenticated: it stamps the identity
// onto the session, caches the identity by authToken, joins the identity's channels, marks
// the user online if this is their first socket, and redeems any queued content tokens. It
// returns false if the socket vanished mid-authentication. The store caches a private copy of
// the identity; the caller keeps sole ownership of the value it passed in, so post-auth side
// effects may read it without holding the store lock.
func (s *Store) CompleteAuth(sessionID string, identity *AuthIdentity, contentTokens map[string]string) (AuthResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.preAuth[sessionID]
	if !ok {
		return AuthResult{}, false
	}
	delete(s.preAuth, sessionID)

	s.sessions[sessionID] = &sessionState{
		handle:    h,
		authToken: identity.AuthToken,
		uid:       identity.UID,
	}
	s.identities[identity.AuthToken] = identity.Clone()

	for _, name := range identity.Channels {
		s.ensureChannelLocked(name).sessions[sessionID] = struct{}{}
	}

	result := AuthResult{Handle: h, UID: identity.UID}
	if identity.UID > 0 {
		if _, online := s.onlineUsers[identity.UID]; !online {
			observers := s.presenceLists[identity.UID]
			if observers == nil {
				observers = identity.PresenceUIDs
			}
			s.onlineUsers[identity.UID] = append([]int64(nil), observers...)
			result.WentOnline = true
			result.Observers = append([]int64(nil), observers...)
		}
	}

	for channel, token := range contentTokens {
		if payload, ok := s.redeemLocked(channel, token, sessionID); ok {
			result.Redeemed = append(result.Redeemed, RedeemedToken{Channel: channel, Payload: payload})
		}
	}

	return result, true
}

// Session returns a snapshot of an authenticated socket.
func (s *Store) Session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return Session{ID: id, AuthToken: st.authToken, UID: st.uid, Handle: st.handle}, true
}

// Sessions returns a snapshot of all authenticated sockets.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for id, st := range s.sessions {
		out = append(out, Session{ID: id, AuthToken: st.authToken, UID: st.uid, Handle: st.handle})
	}
	return out
}

// SessionsForUID returns snapshots of every authenticated socket belonging to the uid.
func (s *Store) SessionsForUID(uid int64) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for id, st := range s.sessions {
		if st.uid == uid {
			out = append(out, Session{ID: id, AuthToken: st.authToken, UID: st.uid, Handle: st.handle})
		}
	}
	return out
}

// SessionsForAuthToken returns snapshots of every authenticated socket using the authToken.
func (s *Store) SessionsForAuthToken(token string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for id, st := range s.sessions {
		if st.authToken == token {
			out = append(out, Session{ID: id, AuthToken: st.authToken, UID: st.uid, Handle: st.handle})
		}
	}
	return out
}

// --- identities ---

// Identity returns a copy of the cached identity for the authToken.
func (s *Store) Identity(token string) (*AuthIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[token]
	if !ok {
		return nil, false
	}
	return id.Clone(), true
}

// DeleteIdentity removes a cached identity (logout), reporting whether it existed.
func (s *Store) DeleteIdentity(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[token]; !ok {
		return false
	}
	delete(s.identities, token)
	return true
}

// DeleteIdentitiesByUID removes every cached identity with the uid (kick) and returns how
// many were purged. Identity keys are snapshotted before deleting.
func (s *Store) DeleteIdentitiesByUID(uid int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens []string
	for token, id := range s.identities {
		if id.UID == uid {
			tokens = append(tokens, token)
		}
	}
	for _, token := range tokens {
		delete(s.identities, token)
	}
	return len(tokens)
}

// --- channels ---

func (s *Store) ensureChannelLocked(name string) *channelState {
	ch, ok := s.channels[name]
	if !ok {
		ch = &channelState{sessions: make(map[string]struct{})}
		s.channels[name] = ch
	}
	return ch
}

// AddChannel creates an empty channel, failing if it already exists.
func (s *Store) AddChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return false
	}
	s.channels[name] = &channelState{sessions: make(map[string]struct{})}
	return true
}

// ChannelExists reports whether the channel exists.
func (s *Store) ChannelExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// RemoveChannel deletes a channel and its member set, failing if it does not exist.
func (s *Store) RemoveChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; !ok {
		return false
	}
	delete(s.channels, name)
	return true
}

// SetChannelClientWritable marks a channel as writable by clients (off by default). The
// channel is created if absent. Exposed for extensions; the stock control plane never enables
// client writes.
func (s *Store) SetChannelClientWritable(name string, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureChannelLocked(name).clientWritable = writable
}

// ClientMayWrite reports whether an inbound client message to the channel is authorized: the
// channel must be marked client-writable and the socket must be a member.
func (s *Store) ClientMayWrite(channel, sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channel]
	if !ok || !ch.clientWritable {
		return false
	}
	_, member := ch.sessions[sessionID]
	return member
}

// ChannelSessions returns snapshots of the channel's current members. The second return is
// false when the channel does not exist.
func (s *Store) ChannelSessions(name string) ([]Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[name]
	if !ok {
		return nil, false
	}
	out := make([]Session, 0, len(ch.sessions))
	for id := range ch.sessions {
		if st, live := s.sessions[id]; live {
			out = append(out, Session{ID: id, AuthToken: st.authToken, UID: st.uid, Handle: st.handle})
		}
	}
	return out, true
}

// AddUserToChannel ensures the channel exists, joins every active socket of the uid, and
// appends the channel to the matching cached identities so reconnects re-join. It reports
// whether the uid had at least one active socket. Idempotent.
func (s *Store) AddUserToChannel(channel string, uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.ensureChannelLocked(channel)
	had := false
	for id, st := range s.sessions {
		if st.uid == uid {
			ch.sessions[id] = struct{}{}
			had = true
		}
	}
	for _, identity := range s.identities {
		if identity.UID == uid && !containsString(identity.Channels, channel) {
			identity.Channels = append(identity.Channels, channel)
		}
	}
	return had
}

// RemoveUserFromChannel removes every socket of the uid from the channel and strips the
// channel from the matching cached identities. It reports whether the channel existed.
func (s *Store) RemoveUserFromChannel(channel string, uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		return false
	}
	for id, st := range s.sessions {
		if st.uid == uid {
			delete(ch.sessions, id)
		}
	}
	for _, identity := range s.identities {
		if identity.UID == uid {
			identity.Channels = removeString(identity.Channels, channel)
		}
	}
	return true
}

// AddAuthTokenToChannel is AddUserToChannel keyed by authToken instead of uid.
func (s *Store) AddAuthTokenToChannel(channel, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.ensureChannelLocked(channel)
	had := false
	for id, st := range s.sessions {
		if st.authToken == token {
			ch.sessions[id] = struct{}{}
			had = true
		}
	}
	if identity, ok := s.identities[token]; ok && !containsString(identity.Channels, channel) {
		identity.Channels = append(identity.Channels, channel)
	}
	return had
}

// RemoveAuthTokenFromChannel is RemoveUserFromChannel keyed by authToken instead of uid.
func (s *Store) RemoveAuthTokenFromChannel(channel, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		return false
	}
	for id, st := range s.sessions {
		if st.authToken == token {
			delete(ch.sessions, id)
		}
	}
	if identity, ok := s.identities[token]; ok {
		identity.Channels = removeString(identity.Channels, channel)
	}
	return true
}

// --- token channels ---

func (s *Store) ensureTokenChannelLocked(name string) *tokenChannelState {
	tc, ok := s.tokenChannels[name]
	if !ok {
		tc = &tokenChannelState{
			tokens:  make(map[string]TokenPayload),
			sockets: make(map[string]TokenPayload),
		}
		s.tokenChannels[name] = tc
	}
	return tc
}

// SetContentToken queues a one-use token on the named token channel, creating the channel on
// first use. Setting the same token again replaces its payload; a token never appears in more
// than one channel's queue because the queue is keyed per channel by the caller.
func (s *Store) SetContentToken(channel, token string, payload TokenPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTokenChannelLocked(channel).tokens[token] = payload
}

func (s *Store) redeemLocked(channel, token, sessionID string) (TokenPayload, bool) {
	tc, ok := s.tokenChannels[channel]
	if !ok {
		return TokenPayload{}, false
	}
	payload, ok := tc.tokens[token]
	if !ok {
		return TokenPayload{}, false
	}
	delete(tc.tokens, token)
	tc.sockets[sessionID] = payload
	return payload, true
}

// RedeemContentToken consumes a queued token and attaches its payload to the socket's entry
// in the token channel. The socket must be authenticated. The token channel is created if
// absent so a redeem-before-set arrival order leaves a well-formed (if empty) channel behind.
func (s *Store) RedeemContentToken(channel, token, sessionID string) (TokenPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return TokenPayload{}, false
	}
	s.ensureTokenChannelLocked(channel)
	return s.redeemLocked(channel, token, sessionID)
}

// TokenChannelExists reports whether the token channel exists.
func (s *Store) TokenChannelExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokenChannels[name]
	return ok
}

// TokenChannelSessions returns snapshots of the authenticated sockets currently in the token
// channel. The second return is false when the token channel does not exist.
func (s *Store) TokenChannelSessions(name string) ([]Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.tokenChannels[name]
	if !ok {
		return nil, false
	}
	out := make([]Session, 0, len(tc.sockets))
	for id := range tc.sockets {
		if st, live := s.sessions[id]; live {
			out = append(out, Session{ID: id, AuthToken: st.authToken, UID: st.uid, Handle: st.handle})
		}
	}
	return out, true
}

// TokenChannelHasUID reports whether any socket of the uid remains in the token channel. The
// grace timers use this to decide whether the user really left.
func (s *Store) TokenChannelHasUID(name string, uid int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.tokenChannels[name]
	if !ok {
		return false
	}
	for id := range tc.sockets {
		if st, live := s.sessions[id]; live && st.uid == uid {
			return true
		}
	}
	return false
}

// ContentTokenSnapshot returns the outstanding (unredeemed) tokens per token channel, for the
// health check.
func (s *Store) ContentTokenSnapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.tokenChannels))
	for name, tc := range s.tokenChannels {
		tokens := make([]string, 0, len(tc.tokens))
		for token := range tc.tokens {
			tokens = append(tokens, token)
		}
		out[name] = tokens
	}
	return out
}

// --- presence ---

// SetPresenceList stores the admin-set observer list for a uid and refreshes the online
// entry's observers when the user is currently online.
func (s *Store) SetPresenceList(uid int64, observers []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceLists[uid] = append([]int64(nil), observers...)
	if _, online := s.onlineUsers[uid]; online {
		s.onlineUsers[uid] = append([]int64(nil), observers...)
	}
}

// IsOnline reports whether the uid has an online entry.
func (s *Store) IsOnline(uid int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.onlineUsers[uid]
	return ok
}

// Observers returns a copy of the uids watching this uid's presence.
func (s *Store) Observers(uid int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.onlineUsers[uid]...)
}

// SetOfflineIfIdle marks the uid offline when no authenticated socket remains for it,
// returning the observer list that was in effect. The grace timer calls this after the
// reconnect window has passed.
func (s *Store) SetOfflineIfIdle(uid int64) ([]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sessions {
		if st.uid == uid {
			return nil, false
		}
	}
	observers, online := s.onlineUsers[uid]
	if !online {
		return nil, false
	}
	delete(s.onlineUsers, uid)
	return observers, true
}

// OnlineUIDs returns the uids currently marked online.
func (s *Store) OnlineUIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.onlineUsers))
	for uid := range s.onlineUsers {
		out = append(out, uid)
	}
	return out
}

// --- disconnect ---

// TokenChannelMembership reports a token-channel entry the disconnecting socket held.
type TokenChannelMembership struct {
	Channel string
	Payload TokenPayload
}

// DisconnectResult is what Disconnect hands back for the session manager's grace-timer and
// notification logic.
type DisconnectResult struct {
	WasPreAuth    bool
	HadSession    bool
	UID           int64
	AuthToken     string
	TokenChannels []TokenChannelMembership
}

// Disconnect atomically removes a socket: a pre-auth socket is simply dropped; an
// authenticated socket is stripped from every channel and token channel and then deleted.
// Safe to call more than once for the same id.
func (s *Store) Disconnect(sessionID string) DisconnectResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.preAuth[sessionID]; ok {
		delete(s.preAuth, sessionID)
		return DisconnectResult{WasPreAuth: true}
	}

	st, ok := s.sessions[sessionID]
	if !ok {
		return DisconnectResult{}
	}

	for _, ch := range s.channels {
		delete(ch.sessions, sessionID)
	}

	var memberships []TokenChannelMembership
	for name, tc := range s.tokenChannels {
		if payload, member := tc.sockets[sessionID]; member {
			memberships = append(memberships, TokenChannelMembership{Channel: name, Payload: payload})
			delete(tc.sockets, sessionID)
		}
	}

	delete(s.sessions, sessionID)
	return DisconnectResult{
		HadSession:    true,
		UID:           st.uid,
		AuthToken:     st.authToken,
		TokenChannels: memberships,
	}
}

// --- health ---

// Counts is the health-check snapshot of store sizes.
type Counts struct {
	PreAuthSockets int
	Sockets        int
	Identities     int
	Channels       int
	TokenChannels  int
}

// CountsSnapshot returns the current store sizes.
func (s *Store) CountsSnapshot() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		PreAuthSockets: len(s.preAuth),
		Sockets:        len(s.sessions),
		Identities:     len(s.identities),
		Channels:       len(s.channels),
		TokenChannels:  len(s.tokenChannels),
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
