package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openmc/authgate/internal/model"
)

// UserManager owns the in-memory identity registry shared by all
// connection handlers: a dual index name→id and id→user, populated from
// the store at startup and kept consistent on every mutation.
//
// Readers observe either the pre- or post-update record, never a torn
// one: record fields are guarded by the per-user mutex, the index maps
// by mu.
type UserManager struct {
	repo UserRepository

	mu     sync.RWMutex
	byID   map[uuid.UUID]*User
	byName map[string]uuid.UUID // lowercase name -> id
}

// NewUserManager creates an empty registry backed by repo.
func NewUserManager(repo UserRepository) *UserManager {
	return &UserManager{
		repo:   repo,
		byID:   make(map[uuid.UUID]*User),
		byName: make(map[string]uuid.UUID),
	}
}

// LoadAll прогревает индекс всеми записями из store. Вызывается один
// раз на старте процесса.
func (m *UserManager) LoadAll(ctx context.Context) error {
	records, err := m.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		u := newUser(*rec)
		m.byID[rec.ID] = u
		m.byName[strings.ToLower(rec.Name)] = rec.ID
	}
	slog.Info("loaded users", "count", len(records))
	return nil
}

// Get returns the in-memory user for a name, without touching the store.
func (m *UserManager) Get(name string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	u, ok := m.byID[id]
	return u, ok
}

// ByID returns the in-memory user for a canonical id.
func (m *UserManager) ByID(id uuid.UUID) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	return u, ok
}

// Lookup returns the user for a name, falling back to a store query on
// an index miss. A store hit is cached in the index. Возвращает nil, nil
// если запись не существует ни в памяти, ни в store.
func (m *UserManager) Lookup(ctx context.Context, name string) (*User, error) {
	if u, ok := m.Get(name); ok {
		return u, nil
	}

	rec, err := m.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("looking up user %q: %w", name, err)
	}
	if rec == nil {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Проверяем ещё раз под write-lock: другой handler мог успеть раньше.
	if id, ok := m.byName[strings.ToLower(rec.Name)]; ok {
		if u, ok := m.byID[id]; ok {
			return u, nil
		}
	}
	u := newUser(*rec)
	m.byID[rec.ID] = u
	m.byName[strings.ToLower(rec.Name)] = rec.ID
	slog.Info("loaded user from store", "name", rec.Name)
	return u, nil
}

// Create registers a brand-new record in the index and writes it through
// to the store.
func (m *UserManager) Create(ctx context.Context, rec model.User) *User {
	u := newUser(rec)

	m.mu.Lock()
	m.byID[rec.ID] = u
	m.byName[strings.ToLower(rec.Name)] = rec.ID
	m.mu.Unlock()

	slog.Info("created user", "name", rec.Name, "id", rec.ID)
	m.Persist(ctx, u)
	return u
}

// Rekey moves a user to a new canonical id (authority reconciliation)
// and persists the change. The old row is removed so the id index never
// holds two entries for one identity.
func (m *UserManager) Rekey(ctx context.Context, u *User, newID uuid.UUID) {
	u.mu.Lock()
	oldID := u.rec.ID
	if oldID == newID {
		u.mu.Unlock()
		return
	}
	u.rec.ID = newID
	u.pendingIDCorrection = true
	u.mu.Unlock()

	m.mu.Lock()
	delete(m.byID, oldID)
	m.byID[newID] = u
	m.byName[strings.ToLower(u.Name())] = newID
	m.mu.Unlock()

	if err := m.repo.Delete(ctx, oldID); err != nil {
		slog.Error("failed to delete old id row during rekey", "name", u.Name(), "err", err)
	}
	m.Persist(ctx, u)
	slog.Warn("reconciled canonical id", "name", u.Name(), "old", oldID, "new", newID)
}

// Persist writes the user's record through to the store. Ошибка store
// не блокирует сессию: состояние в памяти уже обновлено, оператор
// получает severe log, durability под угрозой.
func (m *UserManager) Persist(ctx context.Context, u *User) {
	rec := u.Snapshot()
	if err := m.repo.Upsert(ctx, &rec); err != nil {
		slog.Error("failed to persist user", "name", rec.Name, "err", err)
	}
}

// Delete removes a user from the index and the store (admin delete).
func (m *UserManager) Delete(ctx context.Context, u *User) error {
	id := u.ID()

	m.mu.Lock()
	delete(m.byID, id)
	delete(m.byName, strings.ToLower(u.Name()))
	m.mu.Unlock()

	if err := m.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting user %q: %w", u.Name(), err)
	}
	slog.Info("deleted user", "name", u.Name())
	return nil
}

// All returns a snapshot of every user currently in the index.
func (m *UserManager) All() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]*User, 0, len(m.byID))
	for _, u := range m.byID {
		users = append(users, u)
	}
	return users
}

// Count returns the number of users in the index.
func (m *UserManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
