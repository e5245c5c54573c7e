package auth

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/openmc/authgate/internal/config"
	"github.com/openmc/authgate/internal/model"
)

// MockUserRepository мок для UserRepository в unit тестах.
type MockUserRepository struct {
	GetByNameFunc func(ctx context.Context, name string) (*model.User, error)
	GetByIDFunc   func(ctx context.Context, id uuid.UUID) (*model.User, error)
	UpsertFunc    func(ctx context.Context, u *model.User) error
	DeleteFunc    func(ctx context.Context, id uuid.UUID) error
	LoadAllFunc   func(ctx context.Context) ([]*model.User, error)
}

func (m *MockUserRepository) GetByName(ctx context.Context, name string) (*model.User, error) {
	if m.GetByNameFunc != nil {
		return m.GetByNameFunc(ctx, name)
	}
	return nil, nil
}

func (m *MockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockUserRepository) Upsert(ctx context.Context, u *model.User) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, u)
	}
	return nil
}

func (m *MockUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) LoadAll(ctx context.Context) ([]*model.User, error) {
	if m.LoadAllFunc != nil {
		return m.LoadAllFunc(ctx)
	}
	return nil, nil
}

func testSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		MinPasswordLength: 6,
		MaxPasswordLength: 32,
	}
}

func newTestService(t *testing.T) (*Service, *UserManager) {
	t.Helper()
	users := NewUserManager(&MockUserRepository{})
	return NewService(users, testSecurity()), users
}

func newTestUser(users *UserManager, name string) *User {
	return users.Create(context.Background(), model.User{
		ID:   uuid.New(),
		Name: name,
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	u := newTestUser(users, "Alice")
	if u.IsRegistered() || u.IsLoggedIn() {
		t.Fatal("new user must start unregistered and logged out")
	}

	// Короткий пароль отклоняется до хэширования.
	if err := svc.Register(ctx, u, "abc12", "abc12"); !errors.Is(err, ErrPasswordLength) {
		t.Errorf("Register short password: got %v, want ErrPasswordLength", err)
	}

	if err := svc.Register(ctx, u, "abcdef", "different"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("Register mismatched confirm: got %v, want ErrPasswordMismatch", err)
	}

	if err := svc.Register(ctx, u, "abcdef", "abcdef"); err != nil {
		t.Fatalf("Register: unexpected error %v", err)
	}
	if !u.IsRegistered() {
		t.Error("Register must set registered")
	}
	if !u.IsLoggedIn() {
		t.Error("Register must log the session in")
	}

	// Повторная регистрация отклоняется.
	if err := svc.Register(ctx, u, "abcdef", "abcdef"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("Register twice: got %v, want ErrAlreadyRegistered", err)
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	u := newTestUser(users, "Bob")
	if err := svc.Login(ctx, u, "abcdef"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Login unregistered: got %v, want ErrNotRegistered", err)
	}

	if err := svc.Register(ctx, u, "abcdef", "abcdef"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	svc.Logout(ctx, u)
	if u.IsLoggedIn() {
		t.Fatal("Logout must clear authenticated")
	}
	if !u.IsRegistered() {
		t.Fatal("Logout must not unregister")
	}

	if err := svc.Login(ctx, u, "wrong-password"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("Login wrong password: got %v, want ErrIncorrectPassword", err)
	}
	if u.IsLoggedIn() {
		t.Error("failed login must not authenticate")
	}

	if err := svc.Login(ctx, u, "abcdef"); err != nil {
		t.Fatalf("Login: unexpected error %v", err)
	}
	if !u.IsLoggedIn() {
		t.Error("Login must authenticate")
	}

	if err := svc.Login(ctx, u, "abcdef"); !errors.Is(err, ErrAlreadyLoggedIn) {
		t.Errorf("Login twice: got %v, want ErrAlreadyLoggedIn", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	u := newTestUser(users, "Carol")
	if err := svc.Register(ctx, u, "abcdef", "abcdef"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.ChangePassword(ctx, u, "wrong", "ghijkl"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("ChangePassword wrong old: got %v, want ErrIncorrectPassword", err)
	}
	if err := svc.ChangePassword(ctx, u, "abcdef", "abcdef"); !errors.Is(err, ErrSamePassword) {
		t.Errorf("ChangePassword same: got %v, want ErrSamePassword", err)
	}
	if err := svc.ChangePassword(ctx, u, "abcdef", "short"); !errors.Is(err, ErrPasswordLength) {
		t.Errorf("ChangePassword short new: got %v, want ErrPasswordLength", err)
	}

	if err := svc.ChangePassword(ctx, u, "abcdef", "ghijkl"); err != nil {
		t.Fatalf("ChangePassword: unexpected error %v", err)
	}
	if !u.IsLoggedIn() {
		t.Error("ChangePassword must not change authentication state")
	}

	// Старый пароль больше не подходит.
	svc.Logout(ctx, u)
	if err := svc.Login(ctx, u, "abcdef"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("Login with old password after change: got %v, want ErrIncorrectPassword", err)
	}
	if err := svc.Login(ctx, u, "ghijkl"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}

	// ChangePassword требует активной сессии.
	svc.Logout(ctx, u)
	if err := svc.ChangePassword(ctx, u, "ghijkl", "mnopqr"); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("ChangePassword logged out: got %v, want ErrNotLoggedIn", err)
	}
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	u := newTestUser(users, "Dave")
	if err := svc.Unregister(ctx, u, "abcdef"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Unregister unregistered: got %v, want ErrNotRegistered", err)
	}

	if err := svc.Register(ctx, u, "abcdef", "abcdef"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.Unregister(ctx, u, "wrong"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("Unregister wrong password: got %v, want ErrIncorrectPassword", err)
	}

	if err := svc.Unregister(ctx, u, "abcdef"); err != nil {
		t.Fatalf("Unregister: unexpected error %v", err)
	}
	if u.IsRegistered() {
		t.Error("Unregister must clear registered")
	}
	if u.IsLoggedIn() {
		t.Error("Unregister must clear authenticated")
	}
	if rec := u.Snapshot(); rec.CredentialHash != "" {
		t.Error("Unregister must clear the credential")
	}
}

func TestAdmitVerified(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	u := newTestUser(users, "Eve")
	svc.AdmitVerified(ctx, u)

	if !u.IsVerified() || !u.IsRegistered() || !u.IsLoggedIn() {
		t.Error("AdmitVerified must force verified, registered and logged in")
	}
	if rec := u.Snapshot(); rec.CredentialHash != "" {
		t.Error("AdmitVerified must not invent a credential")
	}

	// Снятие флага возвращает запись без credential в unregistered.
	svc.SetVerified(ctx, u, false)
	if u.IsRegistered() || u.IsLoggedIn() {
		t.Error("demoting a credential-less identity must drop registration")
	}
}

// TestAuthenticatedImpliesRegistered прогоняет случайные последовательности
// операций и проверяет инварианты состояния: authenticated возможен только
// при registered; credential хранится только у registered; registered без
// credential допустим лишь для verified identity (путь AdmitVerified).
func TestAuthenticatedImpliesRegistered(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)
	u := newTestUser(users, "Frank")

	rng := rand.New(rand.NewSource(42))
	passwords := []string{"abcdef", "ghijkl", "short", "wrong-one"}

	for i := 0; i < 400; i++ {
		pw := passwords[rng.Intn(len(passwords))]
		switch rng.Intn(7) {
		case 0:
			_ = svc.Register(ctx, u, pw, pw)
		case 1:
			_ = svc.Login(ctx, u, pw)
		case 2:
			_ = svc.ChangePassword(ctx, u, pw, passwords[rng.Intn(len(passwords))])
		case 3:
			_ = svc.Unregister(ctx, u, pw)
		case 4:
			svc.Logout(ctx, u)
		case 5:
			svc.SetVerified(ctx, u, rng.Intn(2) == 0)
		case 6:
			svc.AdmitVerified(ctx, u)
		}

		rec := u.Snapshot()
		if u.IsLoggedIn() && !rec.Registered {
			t.Fatalf("invariant violated after %d ops: authenticated without registered", i+1)
		}
		if rec.CredentialHash != "" && !rec.Registered {
			t.Fatalf("invariant violated after %d ops: credential on unregistered identity", i+1)
		}
		if rec.Registered && rec.CredentialHash == "" && !rec.Verified {
			t.Fatalf("invariant violated after %d ops: registered without credential outside verified path", i+1)
		}
	}
}
