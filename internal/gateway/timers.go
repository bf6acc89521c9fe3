package gateway

import (
	"sync"
	"time"
)

// timerSet tracks the cancellable grace timers: presence timers keyed by uid and
// token-channel timers keyed by (channel, uid). A reconnect inside the grace window must
// cancel the pending timer or the user would flap offline/online on every browser refresh.
type timerSet struct {
	mu       sync.Mutex
	presence map[int64]*time.Timer
	token    map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{
		presence: make(map[int64]*time.Timer),
		token:    make(map[string]*time.Timer),
	}
}

// resetPresence arms the presence grace timer for a uid, replacing any pending one.
func (t *timerSet) resetPresence(uid int64, d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.presence[uid]; ok {
		existing.Stop()
	}
	t.presence[uid] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.presence, uid)
		t.mu.Unlock()
		fire()
	})
}

// cancelPresence stops a pending presence timer for a uid, if any.
func (t *timerSet) cancelPresence(uid int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.presence[uid]; ok {
		existing.Stop()
		delete(t.presence, uid)
	}
}

// resetToken arms the token-channel grace timer for a (channel, uid) pair, replacing any
// pending one.
func (t *timerSet) resetToken(channel string, uid int64, d time.Duration, fire func()) {
	key := uidKey(channel, uid)
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.token[key]; ok {
		existing.Stop()
	}
	t.token[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.token, key)
		t.mu.Unlock()
		fire()
	})
}

// cancelToken stops a pending token-channel timer for a (channel, uid) pair, if any.
func (t *timerSet) cancelToken(channel string, uid int64) {
	key := uidKey(channel, uid)
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.token[key]; ok {
		existing.Stop()
		delete(t.token, key)
	}
}

// stopAll cancels every pending timer. Used during shutdown.
func (t *timerSet) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uid, timer := range t.presence {
		timer.Stop()
		delete(t.presence, uid)
	}
	for key, timer := range t.token {
		timer.Stop()
		delete(t.token, key)
	}
}
