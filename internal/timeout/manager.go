// Package timeout disconnects sessions that stay unauthenticated for
// too long after the handshake.
package timeout

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openmc/authgate/internal/auth"
)

// DisconnectReason is shown to the user when the deadline fires.
const DisconnectReason = "Authentication timed out"

// Manager arms one deadline per unauthenticated session and cancels it
// when the session authenticates or disconnects. Каждый deadline живёт
// в собственной горутине; Cancel идемпотентен.
type Manager struct {
	timeout       time.Duration
	showCountdown bool

	entries sync.Map // lowercase name -> chan struct{}
}

// NewManager creates a Manager. A non-positive timeout disables
// enforcement entirely: Arm becomes a no-op.
func NewManager(timeout time.Duration, showCountdown bool) *Manager {
	return &Manager{timeout: timeout, showCountdown: showCountdown}
}

// Arm starts the deadline for a session. Повторный Arm для того же имени
// заменяет предыдущий deadline.
func (m *Manager) Arm(u *auth.User) {
	if m.timeout <= 0 {
		return
	}

	key := strings.ToLower(u.Name())
	cancel := make(chan struct{})
	if prev, loaded := m.entries.Swap(key, cancel); loaded {
		close(prev.(chan struct{}))
	}

	go m.watch(key, u, cancel)
	if m.showCountdown {
		go m.countdown(u, cancel)
	}
	slog.Debug("armed auth deadline", "name", u.Name(), "timeout", m.timeout)
}

// Cancel stops the deadline for a name. Safe to call when nothing is
// armed.
func (m *Manager) Cancel(name string) {
	key := strings.ToLower(name)
	if prev, loaded := m.entries.LoadAndDelete(key); loaded {
		close(prev.(chan struct{}))
	}
}

func (m *Manager) watch(key string, u *auth.User, cancel <-chan struct{}) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-cancel:
		return
	case <-timer.C:
	}

	m.entries.CompareAndDelete(key, cancel)

	// Состояние перепроверяется в момент срабатывания: отмена могла
	// опоздать к таймеру.
	if u.IsLoggedIn() {
		return
	}
	conn := u.Conn()
	if conn == nil || !conn.Connected() {
		return
	}
	slog.Info("disconnecting unauthenticated session", "name", u.Name())
	conn.Disconnect(DisconnectReason)
}

func (m *Manager) countdown(u *auth.User, cancel <-chan struct{}) {
	deadline := time.Now().Add(m.timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			conn := u.Conn()
			if conn == nil || !conn.Connected() {
				return
			}
			conn.SendActionBar(fmt.Sprintf("Time left to log in: %ds", int(remaining.Round(time.Second).Seconds())))
		}
	}
}
