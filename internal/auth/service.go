package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openmc/authgate/internal/config"
)

// Service applies credential operations to the session state machine.
// Каждая операция валидирует текущее состояние identity перед переходом;
// неверное состояние возвращается как sentinel error, не как паника.
type Service struct {
	users *UserManager
	sec   config.SecurityConfig
}

// NewService creates the state machine service.
func NewService(users *UserManager, sec config.SecurityConfig) *Service {
	return &Service{users: users, sec: sec}
}

func (s *Service) checkLength(password string) error {
	if len(password) < s.sec.MinPasswordLength || len(password) > s.sec.MaxPasswordLength {
		return fmt.Errorf("%w: must be %d-%d characters",
			ErrPasswordLength, s.sec.MinPasswordLength, s.sec.MaxPasswordLength)
	}
	return nil
}

func hashCredential(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing credential: %w", err)
	}
	return string(h), nil
}

func matchCredential(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Register stores a credential for an unregistered identity and logs the
// session in. Подтверждение должно совпадать с паролем; длина
// проверяется до хэширования.
func (s *Service) Register(ctx context.Context, u *User, password, confirm string) error {
	if u.IsRegistered() {
		return ErrAlreadyRegistered
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	if err := s.checkLength(password); err != nil {
		return err
	}

	hash, err := hashCredential(password)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.rec.CredentialHash = hash
	u.rec.Registered = true
	u.rec.LastAuth = time.Now()
	u.authenticated = true
	u.mu.Unlock()

	s.users.Persist(ctx, u)
	slog.Info("user registered", "name", u.Name())
	return nil
}

// Login authenticates a registered, logged-out identity.
func (s *Service) Login(ctx context.Context, u *User, password string) error {
	if !u.IsRegistered() {
		return ErrNotRegistered
	}
	if u.IsLoggedIn() {
		return ErrAlreadyLoggedIn
	}

	u.mu.Lock()
	hash := u.rec.CredentialHash
	u.mu.Unlock()

	if !matchCredential(hash, password) {
		slog.Info("failed login attempt", "name", u.Name())
		return ErrIncorrectPassword
	}

	u.mu.Lock()
	u.rec.LastAuth = time.Now()
	u.authenticated = true
	u.mu.Unlock()

	s.users.Persist(ctx, u)
	slog.Info("user logged in", "name", u.Name())
	return nil
}

// AdmitVerified applies the privileged re-authentication path for an
// identity confirmed by the external authority: verified and registered
// are forced on and the session logs in without a password check.
func (s *Service) AdmitVerified(ctx context.Context, u *User) {
	u.mu.Lock()
	u.rec.Verified = true
	u.rec.Registered = true
	u.rec.LastAuth = time.Now()
	u.authenticated = true
	u.mu.Unlock()

	s.users.Persist(ctx, u)
}

// ChangePassword replaces the credential of a logged-in identity. The
// authentication state does not change.
func (s *Service) ChangePassword(ctx context.Context, u *User, oldPassword, newPassword string) error {
	if !u.IsRegistered() {
		return ErrNotRegistered
	}
	if !u.IsLoggedIn() {
		return ErrNotLoggedIn
	}

	u.mu.Lock()
	hash := u.rec.CredentialHash
	u.mu.Unlock()

	if !matchCredential(hash, oldPassword) {
		return ErrIncorrectPassword
	}
	if oldPassword == newPassword {
		return ErrSamePassword
	}
	if err := s.checkLength(newPassword); err != nil {
		return err
	}

	newHash, err := hashCredential(newPassword)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.rec.CredentialHash = newHash
	u.mu.Unlock()

	s.users.Persist(ctx, u)
	slog.Info("password changed", "name", u.Name())
	return nil
}

// Unregister clears the credential after a final password check. The
// identity drops to the unregistered state; the store row is kept so
// verified flags and metadata survive.
func (s *Service) Unregister(ctx context.Context, u *User, password string) error {
	if !u.IsRegistered() {
		return ErrNotRegistered
	}

	u.mu.Lock()
	hash := u.rec.CredentialHash
	u.mu.Unlock()

	if !matchCredential(hash, password) {
		return ErrIncorrectPassword
	}

	u.mu.Lock()
	u.rec.CredentialHash = ""
	u.rec.Registered = false
	u.authenticated = false
	u.mu.Unlock()

	s.users.Persist(ctx, u)
	slog.Info("user unregistered", "name", u.Name())
	return nil
}

// Logout forces the session to the logged-out state. Регистрация не
// снимается: disconnect никогда не разрегистрирует identity.
func (s *Service) Logout(ctx context.Context, u *User) {
	u.mu.Lock()
	wasAuthenticated := u.authenticated
	u.authenticated = false
	u.conn = nil
	u.mu.Unlock()

	if wasAuthenticated {
		s.users.Persist(ctx, u)
	}
}

// SetVerified updates the authority verification flag and persists it.
// Запись, зарегистрированная через AdmitVerified, не имеет credential;
// при снятии флага она возвращается в unregistered, иначе вход по
// паролю для неё невозможен.
func (s *Service) SetVerified(ctx context.Context, u *User, verified bool) {
	u.mu.Lock()
	changed := u.rec.Verified != verified
	u.rec.Verified = verified
	if !verified && u.rec.Registered && u.rec.CredentialHash == "" {
		u.rec.Registered = false
		u.authenticated = false
		changed = true
	}
	u.mu.Unlock()

	if changed {
		s.users.Persist(ctx, u)
		slog.Info("verification flag updated", "name", u.Name(), "verified", verified)
	}
}
