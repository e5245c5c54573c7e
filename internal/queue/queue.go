// Package queue holds authenticated users on the staging backend and
// admits them to the main backend in arrival order.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openmc/authgate/internal/auth"
	"github.com/openmc/authgate/internal/config"
	"github.com/openmc/authgate/internal/proxy"
)

// Entry is one waiting user. Position is 1-based and contiguous across
// the whole queue at all times.
type Entry struct {
	Name       string
	Position   int
	EnqueuedAt time.Time
}

// Manager owns the waiting line. Позиции меняются только в двух местах:
// Enqueue добавляет в хвост, remove сдвигает всех позади на один вперёд.
// Каждый tick пользователь продвигается максимум на одну позицию.
type Manager struct {
	users *auth.UserManager
	prox  proxy.Proxy
	cfg   config.QueueConfig

	stagingBackend string
	mainBackend    string

	mu      sync.Mutex
	entries map[string]*Entry // lowercase name -> entry
}

// NewManager creates an empty queue.
func NewManager(users *auth.UserManager, prox proxy.Proxy, gw *config.Gateway) *Manager {
	return &Manager{
		users:          users,
		prox:           prox,
		cfg:            gw.Queue,
		stagingBackend: gw.StagingBackend,
		mainBackend:    gw.MainBackend,
		entries:        make(map[string]*Entry),
	}
}

// Enqueue appends a user to the tail and returns the assigned position.
// Повторный Enqueue для уже стоящего имени возвращает текущую позицию
// без изменений.
func (m *Manager) Enqueue(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(name)
	if e, ok := m.entries[key]; ok {
		return e.Position
	}
	e := &Entry{
		Name:       name,
		Position:   len(m.entries) + 1,
		EnqueuedAt: time.Now(),
	}
	m.entries[key] = e
	slog.Info("enqueued user", "name", name, "position", e.Position)
	return e.Position
}

// Remove drops a user from the queue and closes the gap behind them.
// Safe to call for names that are not queued.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(strings.ToLower(name))
}

func (m *Manager) removeLocked(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	for _, other := range m.entries {
		if other.Position > e.Position {
			other.Position--
		}
	}
}

// Position returns the 1-based position for a queued name.
func (m *Manager) Position(name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	return e.Position, true
}

// Len returns the number of waiting users.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// EstimatedWait is a rough upper bound: one admission slot per tick.
func (m *Manager) EstimatedWait(position int) time.Duration {
	perTick := m.cfg.AdmitPerTick
	if perTick < 1 {
		perTick = 1
	}
	ticks := (position + perTick - 1) / perTick
	return time.Duration(ticks) * m.cfg.TickInterval()
}

// Run drives the admission loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval())
	defer ticker.Stop()

	slog.Info("admission queue started", "tick", m.cfg.TickInterval(), "admit_per_tick", m.cfg.AdmitPerTick)
	for {
		select {
		case <-ctx.Done():
			slog.Info("admission queue stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick()
		}
	}
}

// queuedEntry is a by-value copy of one Entry taken under the mutex.
// Указатели на Entry никогда не покидают критическую секцию: позиции
// мутируются recompaction'ом из других горутин.
type queuedEntry struct {
	name       string
	position   int
	enqueuedAt time.Time
}

// snapshot copies the queue ordered by position while holding the lock.
func (m *Manager) snapshot() []queuedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]queuedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, queuedEntry{name: e.Name, position: e.Position, enqueuedAt: e.EnqueuedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].position < out[j].position })
	return out
}

// tick performs one admission round: sweep dead connections, connect
// bypass holders immediately, admit from the front, then refresh
// position messages for everyone still waiting.
func (m *Manager) tick() {
	if !m.prox.HasBackend(m.mainBackend) {
		slog.Warn("main backend unavailable, queue holding", "backend", m.mainBackend)
		return
	}

	admitted := 0
	for _, e := range m.snapshot() {
		conn, ok := m.prox.Player(e.name)
		if !ok || !conn.Connected() {
			m.Remove(e.name)
			continue
		}

		if m.cfg.BypassPermission != "" && conn.HasPermission(m.cfg.BypassPermission) {
			m.admit(e, conn)
			continue
		}

		if admitted < m.cfg.AdmitPerTick && m.eligible(e, conn) {
			if m.admit(e, conn) {
				admitted++
			}
		}
	}

	m.notifyWaiting()
}

// eligible reports whether the entry may leave the queue this tick:
// still staged, authenticated, and asking for automatic hand-off.
func (m *Manager) eligible(e queuedEntry, conn proxy.Conn) bool {
	if conn.CurrentBackend() != m.stagingBackend {
		return false
	}
	u, ok := m.users.Get(e.name)
	if !ok || !u.IsLoggedIn() || !u.AutoConnect() {
		return false
	}
	return true
}

func (m *Manager) admit(e queuedEntry, conn proxy.Conn) bool {
	if err := conn.ConnectTo(m.mainBackend); err != nil {
		// Пользователь остаётся в очереди на своей позиции; следующий
		// tick попробует снова.
		slog.Warn("failed to hand off user", "name", e.name, "backend", m.mainBackend, "err", err)
		return false
	}
	m.Remove(e.name)
	m.greet(e.name, conn)
	slog.Info("admitted user", "name", e.name, "waited", time.Since(e.enqueuedAt).Round(time.Second))
	return true
}

// greet shows the post-admission welcome unless the user turned the
// cosmetic titles off.
func (m *Manager) greet(name string, conn proxy.Conn) {
	u, ok := m.users.Get(name)
	if !ok || !u.TitlesEnabled() {
		return
	}
	if u.IsVerified() {
		conn.SendMessage("Welcome! Logged in automatically as a verified account.")
	} else {
		conn.SendMessage("Welcome!")
	}
}

func (m *Manager) notifyWaiting() {
	waiting := m.snapshot()
	total := len(waiting)

	for _, e := range waiting {
		conn, ok := m.prox.Player(e.name)
		if !ok || !conn.Connected() {
			continue
		}
		conn.SendActionBar(fmt.Sprintf("Queue position: %d of %d", e.position, total))
	}
}
