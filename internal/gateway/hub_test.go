package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepush/nodepush-server/internal/backend"
	"github.com/nodepush/nodepush-server/internal/bus"
	"github.com/nodepush/nodepush-server/internal/store"
)

const testGrace = 25 * time.Millisecond

// fakeHandle implements store.ClientHandle for hub tests.
type fakeHandle struct {
	id string

	mu     sync.Mutex
	sent   []json.RawMessage
	closed bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id}
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeHandle) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// received decodes every payload sent to the handle.
func (f *fakeHandle) received(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("sent payload is not a JSON object: %s", raw)
		}
		out = append(out, m)
	}
	return out
}

// hasCallback reports whether any payload sent to the handle has the callback name.
func (f *fakeHandle) hasCallback(t *testing.T, name string) bool {
	t.Helper()
	for _, m := range f.received(t) {
		if m["callback"] == name {
			return true
		}
	}
	return false
}

// recordingBackend is an httptest server that records every decoded messageJson it receives.
// The reply is configurable so authentication outcomes can be scripted.
type recordingBackend struct {
	srv *httptest.Server

	mu          sync.Mutex
	messages    []map[string]any
	replyStatus int
	replyBody   string
}

func newRecordingBackend(t *testing.T) *recordingBackend {
	t.Helper()
	rb := &recordingBackend{replyStatus: http.StatusOK, replyBody: `{}`}
	rb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("backend received unparsable form: %v", err)
			return
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(r.PostFormValue("messageJson")), &msg); err != nil {
			t.Errorf("backend received non-JSON messageJson: %v", err)
			return
		}
		rb.mu.Lock()
		rb.messages = append(rb.messages, msg)
		status, body := rb.replyStatus, rb.replyBody
		rb.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(rb.srv.Close)
	return rb
}

func (rb *recordingBackend) setReply(status int, body string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.replyStatus = status
	rb.replyBody = body
}

func (rb *recordingBackend) messageTypes() []string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]string, 0, len(rb.messages))
	for _, m := range rb.messages {
		if mt, ok := m["messageType"].(string); ok {
			out = append(out, mt)
		}
	}
	return out
}

func (rb *recordingBackend) sawMessageType(want string) bool {
	for _, mt := range rb.messageTypes() {
		if mt == want {
			return true
		}
	}
	return false
}

func newTestHub(t *testing.T) (*Hub, *store.Store, *recordingBackend, *bus.Bus) {
	t.Helper()
	rb := newRecordingBackend(t)
	st := store.New()
	eventBus := bus.New(zerolog.Nop())
	be := backend.New(backend.Options{MessageURL: rb.srv.URL, ServiceKey: "secret"}, zerolog.Nop())
	hub := NewHub(st, be, eventBus, Options{OfflineGracePeriod: testGrace}, zerolog.Nop())
	return hub, st, rb, eventBus
}

// connectAndAuth registers a fake socket as pre-auth and runs it through setupConnection.
func connectAndAuth(t *testing.T, hub *Hub, st *store.Store, id string, identity *store.AuthIdentity, contentTokens map[string]string) *fakeHandle {
	t.Helper()
	h := newFakeHandle(id)
	st.AddPreAuth(h)
	if !hub.setupConnection(id, identity, contentTokens) {
		t.Fatalf("setupConnection(%q) = false, want true", id)
	}
	return h
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSetupConnection_FirstSocketGoesOnline(t *testing.T) {
	t.Parallel()
	hub, st, rb, eventBus := newTestHub(t)

	var authenticated []string
	var mu sync.Mutex
	eventBus.Subscribe(bus.ClientAuthenticated, func(_ bus.Event, payload any) {
		ev := payload.(AuthenticatedEvent)
		mu.Lock()
		authenticated = append(authenticated, ev.SessionID)
		mu.Unlock()
	})

	h := connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)

	if !st.IsOnline(7) {
		t.Error("uid 7 not online after setup")
	}
	if !h.hasCallback(t, "clientAuthenticated") {
		t.Error("clientAuthenticated callback not sent")
	}
	mu.Lock()
	if len(authenticated) != 1 || authenticated[0] != "s1" {
		t.Errorf("client-authenticated events = %v, want [s1]", authenticated)
	}
	mu.Unlock()

	waitFor(t, "userOnline backend notification", func() bool {
		return rb.sawMessageType("userOnline")
	})
}

func TestSetupConnection_SecondSocketDoesNotRenotify(t *testing.T) {
	t.Parallel()
	hub, st, rb, _ := newTestHub(t)

	connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)
	waitFor(t, "first userOnline", func() bool { return rb.sawMessageType("userOnline") })

	connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 7, Valid: true}, nil)

	// Allow any stray notification to land before counting.
	time.Sleep(4 * testGrace)
	count := 0
	for _, mt := range rb.messageTypes() {
		if mt == "userOnline" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("userOnline sent %d times, want 1", count)
	}
}

func TestSetupConnection_ObserversNotified(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	observer := connectAndAuth(t, hub, st, "obs", &store.AuthIdentity{AuthToken: "tok-obs", UID: 10, Valid: true}, nil)
	connectAndAuth(t, hub, st, "s1",
		&store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true, PresenceUIDs: []int64{10}}, nil)

	found := false
	for _, m := range observer.received(t) {
		n, ok := m["presenceNotification"].(map[string]any)
		if !ok {
			continue
		}
		if n["uid"] == float64(7) && n["event"] == "online" {
			found = true
		}
	}
	if !found {
		t.Error("observer did not receive online presence notification for uid 7")
	}
}

func TestSetupConnection_ConcurrentMembershipChanges(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st.AddUserToChannel("alerts", 7)
			st.RemoveUserFromChannel("alerts", 7)
		}
	}()

	// Admin membership changes mutate the cached identity while sockets for the same auth
	// token authenticate and read the identity value they passed in.
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("s%d", i)
		identity := &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true, Channels: []string{"news"}}
		h := newFakeHandle(id)
		st.AddPreAuth(h)
		if !hub.setupConnection(id, identity, nil) {
			t.Fatalf("setupConnection(%q) = false, want true", id)
		}
	}

	close(stop)
	wg.Wait()
}

func TestSetupConnection_VanishedSocket(t *testing.T) {
	t.Parallel()
	hub, _, _, _ := newTestHub(t)

	if hub.setupConnection("ghost", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil) {
		t.Error("setupConnection succeeded for a socket that never connected")
	}
}

func TestCleanupSession_OfflineAfterGracePeriod(t *testing.T) {
	t.Parallel()
	hub, st, rb, _ := newTestHub(t)

	observer := connectAndAuth(t, hub, st, "obs", &store.AuthIdentity{AuthToken: "tok-obs", UID: 10, Valid: true}, nil)
	connectAndAuth(t, hub, st, "s1",
		&store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true, PresenceUIDs: []int64{10}}, nil)

	hub.cleanupSession("s1")

	waitFor(t, "uid 7 to go offline", func() bool { return !st.IsOnline(7) })
	waitFor(t, "userOffline backend notification", func() bool { return rb.sawMessageType("userOffline") })
	waitFor(t, "offline presence notification", func() bool {
		for _, m := range observer.received(t) {
			if n, ok := m["presenceNotification"].(map[string]any); ok && n["event"] == "offline" {
				return true
			}
		}
		return false
	})
}

func TestCleanupSession_ReconnectWithinGraceCancelsOffline(t *testing.T) {
	t.Parallel()
	hub, st, rb, _ := newTestHub(t)

	connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)
	hub.cleanupSession("s1")
	connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)

	time.Sleep(4 * testGrace)
	if !st.IsOnline(7) {
		t.Error("uid 7 went offline despite reconnecting within the grace period")
	}
	if rb.sawMessageType("userOffline") {
		t.Error("userOffline sent despite reconnect within the grace period")
	}
}

func TestCleanupSession_SecondSocketKeepsUserOnline(t *testing.T) {
	t.Parallel()
	hub, st, rb, _ := newTestHub(t)

	connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)
	connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 7, Valid: true}, nil)

	hub.cleanupSession("s1")

	time.Sleep(4 * testGrace)
	if !st.IsOnline(7) {
		t.Error("uid 7 went offline while another socket remained")
	}
	if rb.sawMessageType("userOffline") {
		t.Error("userOffline sent while another socket remained")
	}
}

func TestCleanupSession_UnknownSocketEmitsNothing(t *testing.T) {
	t.Parallel()
	hub, _, _, eventBus := newTestHub(t)

	fired := false
	eventBus.Subscribe(bus.ClientDisconnect, func(bus.Event, any) { fired = true })

	hub.cleanupSession("never-connected")

	if fired {
		t.Error("client-disconnect fired for an unknown socket")
	}
}

func TestTokenChannel_DisconnectNotification(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	st.SetContentToken("doc_5", "token-a", store.TokenPayload{NotifyOnDisconnect: true, Raw: json.RawMessage(`{}`)})
	st.SetContentToken("doc_5", "token-b", store.TokenPayload{Raw: json.RawMessage(`{}`)})

	connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true},
		map[string]string{"doc_5": "token-a"})
	member := connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 8, Valid: true},
		map[string]string{"doc_5": "token-b"})

	hub.cleanupSession("s1")

	waitFor(t, "content channel disconnect notification", func() bool {
		for _, m := range member.received(t) {
			if m["contentChannelNotification"] == true && m["channel"] == "doc_5" {
				data, _ := m["data"].(map[string]any)
				return data["uid"] == float64(7) && data["type"] == "disconnect"
			}
		}
		return false
	})
}

func TestTokenChannel_RejoinWithinGraceCancelsNotification(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	st.SetContentToken("doc_5", "token-a", store.TokenPayload{NotifyOnDisconnect: true, Raw: json.RawMessage(`{}`)})
	st.SetContentToken("doc_5", "token-b", store.TokenPayload{Raw: json.RawMessage(`{}`)})
	st.SetContentToken("doc_5", "token-c", store.TokenPayload{Raw: json.RawMessage(`{}`)})

	connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true},
		map[string]string{"doc_5": "token-a"})
	member := connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 8, Valid: true},
		map[string]string{"doc_5": "token-b"})

	hub.cleanupSession("s1")
	// Same uid rejoins the token channel on a fresh socket before the timer fires.
	connectAndAuth(t, hub, st, "s3", &store.AuthIdentity{AuthToken: "tok3", UID: 7, Valid: true},
		map[string]string{"doc_5": "token-c"})

	time.Sleep(4 * testGrace)
	for _, m := range member.received(t) {
		if m["contentChannelNotification"] == true {
			t.Fatal("disconnect notification sent despite rejoin within the grace period")
		}
	}
}

func TestPublishMessage_Broadcast(t *testing.T) {
	t.Parallel()
	hub, st, _, eventBus := newTestHub(t)

	var published []int
	eventBus.Subscribe(bus.MessagePublished, func(_ bus.Event, payload any) {
		published = append(published, payload.(PublishEvent).Recipients)
	})

	a := connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)
	b := connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 8, Valid: true}, nil)

	sent, err := hub.PublishMessage(map[string]any{"broadcast": true, "body": "hello"})
	if err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	for _, h := range []*fakeHandle{a, b} {
		found := false
		for _, m := range h.received(t) {
			if m["body"] == "hello" {
				found = true
			}
		}
		if !found {
			t.Errorf("socket %s did not receive broadcast", h.ID())
		}
	}
	if len(published) != 1 || published[0] != 2 {
		t.Errorf("message-published events = %v, want [2]", published)
	}
}

func TestPublishMessage_Channel(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	member := connectAndAuth(t, hub, st, "s1",
		&store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true, Channels: []string{"news"}}, nil)
	outsider := connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 8, Valid: true}, nil)

	sent, err := hub.PublishMessage(map[string]any{"channel": "news", "body": "hello"})
	if err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if len(member.received(t)) < 2 { // clientAuthenticated + the publish
		t.Error("channel member did not receive the publish")
	}
	for _, m := range outsider.received(t) {
		if m["body"] == "hello" {
			t.Error("non-member received channel publish")
		}
	}
}

func TestPublishMessage_Invalid(t *testing.T) {
	t.Parallel()
	hub, _, _, _ := newTestHub(t)

	if _, err := hub.PublishMessage(map[string]any{"body": "no target"}); err == nil {
		t.Error("PublishMessage accepted a message with neither channel nor broadcast")
	}
	if _, err := hub.PublishMessage(map[string]any{"channel": "missing"}); err == nil {
		t.Error("PublishMessage accepted a missing channel")
	}
}

func TestPublishToClient(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	h := connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)

	if !hub.PublishToClient("s1", map[string]any{"body": "direct"}) {
		t.Error("PublishToClient failed for a live socket")
	}
	if hub.PublishToClient("missing", map[string]any{}) {
		t.Error("PublishToClient succeeded for an unknown socket")
	}
	found := false
	for _, m := range h.received(t) {
		if m["body"] == "direct" {
			found = true
		}
	}
	if !found {
		t.Error("direct message not delivered")
	}
}

func TestKickUser(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	a := connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)
	b := connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 7, Valid: true}, nil)
	other := connectAndAuth(t, hub, st, "s3", &store.AuthIdentity{AuthToken: "tok3", UID: 8, Valid: true}, nil)

	if closed := hub.KickUser(7); closed != 2 {
		t.Errorf("KickUser closed %d sockets, want 2", closed)
	}
	if !a.isClosed() || !b.isClosed() {
		t.Error("kicked sockets not closed")
	}
	if other.isClosed() {
		t.Error("unrelated socket closed by kick")
	}
	if _, ok := st.Identity("tok1"); ok {
		t.Error("identity tok1 survived kick")
	}
	if len(st.SessionsForUID(7)) != 0 {
		t.Error("sessions for uid 7 survived kick")
	}
}

func TestLogoutUser(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	h := connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)

	if closed := hub.LogoutUser("tok1"); closed != 1 {
		t.Errorf("LogoutUser closed %d sockets, want 1", closed)
	}
	if !h.isClosed() {
		t.Error("logged-out socket not closed")
	}
	if _, ok := st.Identity("tok1"); ok {
		t.Error("identity survived logout")
	}
}

func TestLogoutUser_NoSockets(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)
	st.Disconnect("s1")

	// Identity outlives the socket; logout must still purge it.
	if closed := hub.LogoutUser("tok1"); closed != 0 {
		t.Errorf("LogoutUser closed %d sockets, want 0", closed)
	}
	if _, ok := st.Identity("tok1"); ok {
		t.Error("identity survived logout with no sockets")
	}
}

func TestShutdown_ClosesAllSockets(t *testing.T) {
	t.Parallel()
	hub, st, _, _ := newTestHub(t)

	a := connectAndAuth(t, hub, st, "s1", &store.AuthIdentity{AuthToken: "tok1", UID: 7, Valid: true}, nil)
	b := connectAndAuth(t, hub, st, "s2", &store.AuthIdentity{AuthToken: "tok2", UID: 8, Valid: true}, nil)

	hub.Shutdown()

	if !a.isClosed() || !b.isClosed() {
		t.Error("sockets not closed on shutdown")
	}
}
