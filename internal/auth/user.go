package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmc/authgate/internal/model"
	"github.com/openmc/authgate/internal/proxy"
)

// User is the live session state for one connected (or recently known)
// identity. The persisted record fields live in rec; the rest is
// session-only and never written to the store.
//
// Все переходы состояния для одного пользователя сериализуются через mu:
// два command'а для одной identity никогда не применяются конкурентно.
type User struct {
	mu  sync.Mutex
	rec model.User

	authenticated       bool
	pendingIDCorrection bool
	autoConnect         bool
	sessionStart        time.Time
	conn                proxy.Conn
}

// newUser wraps a persisted record in fresh session state.
// authenticated всегда сбрасывается на false при новом подключении.
func newUser(rec model.User) *User {
	return &User{
		rec:          rec,
		autoConnect:  true,
		sessionStart: time.Now(),
	}
}

// ID returns the canonical persistent identifier.
func (u *User) ID() uuid.UUID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.ID
}

// Name returns the last known display name.
func (u *User) Name() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.Name
}

// IsRegistered reports whether the identity has a stored credential.
func (u *User) IsRegistered() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.Registered
}

// IsLoggedIn reports whether the current session is authenticated.
func (u *User) IsLoggedIn() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.authenticated
}

// IsVerified reports whether the identity is confirmed by the external
// authority (premium).
func (u *User) IsVerified() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.Verified
}

// TitlesEnabled reports whether cosmetic titles are enabled.
func (u *User) TitlesEnabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.TitlesEnabled
}

// SetTitlesEnabled toggles cosmetic titles. The caller persists the
// record if the change must survive a restart.
func (u *User) SetTitlesEnabled(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rec.TitlesEnabled = v
}

// AutoConnect reports whether the identity wants automatic hand-off to
// the main backend.
func (u *User) AutoConnect() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.autoConnect
}

// SetAutoConnect toggles automatic hand-off.
func (u *User) SetAutoConnect(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.autoConnect = v
}

// Conn returns the live connection, or nil when offline.
func (u *User) Conn() proxy.Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn
}

// SetConn attaches the live connection and restarts the session clock.
func (u *User) SetConn(c proxy.Conn) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.conn = c
	u.sessionStart = time.Now()
	if c != nil {
		u.rec.LastIP = c.RemoteAddr()
	}
}

// SessionDuration returns how long the current session has been open.
func (u *User) SessionDuration() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return time.Since(u.sessionStart)
}

// PendingIDCorrection reports whether a canonical id fetched from the
// authority still must be reconciled onto the transport.
func (u *User) PendingIDCorrection() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pendingIDCorrection
}

// ClearIDCorrection marks the canonical id as applied.
func (u *User) ClearIDCorrection() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pendingIDCorrection = false
}

// Snapshot returns a copy of the persisted record fields.
func (u *User) Snapshot() model.User {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec
}
