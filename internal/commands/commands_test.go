package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openmc/authgate/internal/auth"
	"github.com/openmc/authgate/internal/config"
	"github.com/openmc/authgate/internal/model"
	"github.com/openmc/authgate/internal/proxy"
	"github.com/openmc/authgate/internal/queue"
	"github.com/openmc/authgate/internal/timeout"
	"github.com/openmc/authgate/internal/verify"
)

type fakeRepo struct{}

func (fakeRepo) GetByName(context.Context, string) (*model.User, error)  { return nil, nil }
func (fakeRepo) GetByID(context.Context, uuid.UUID) (*model.User, error) { return nil, nil }
func (fakeRepo) Upsert(context.Context, *model.User) error               { return nil }
func (fakeRepo) Delete(context.Context, uuid.UUID) error                 { return nil }
func (fakeRepo) LoadAll(context.Context) ([]*model.User, error)          { return nil, nil }

type fakeConn struct {
	mu       sync.Mutex
	name     string
	messages []string
	kicked   string
}

func (c *fakeConn) Name() string           { return c.name }
func (c *fakeConn) ID() uuid.UUID          { return uuid.NewMD5(uuid.NameSpaceOID, []byte(c.name)) }
func (c *fakeConn) RemoteAddr() string     { return "127.0.0.1" }
func (c *fakeConn) SendActionBar(string) {}

func (c *fakeConn) Disconnect(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = reason
}

func (c *fakeConn) ConnectTo(string) error { return nil }
func (c *fakeConn) CurrentBackend() string { return "auth" }
func (c *fakeConn) HasPermission(string) bool {
	return false
}
func (c *fakeConn) Connected() bool { return true }

func (c *fakeConn) SendMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *fakeConn) lastMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1]
}

type fakeProxy struct{}

func (fakeProxy) Player(string) (proxy.Conn, bool) { return nil, false }
func (fakeProxy) Players() []proxy.Conn            { return nil }
func (fakeProxy) HasBackend(string) bool           { return true }

func newTestHandler(t *testing.T) (*Handler, *auth.UserManager, *queue.Manager) {
	t.Helper()
	return newTestHandlerWithAuthority(t, "http://127.0.0.1:0")
}

func newTestHandlerWithAuthority(t *testing.T, authorityURL string) (*Handler, *auth.UserManager, *queue.Manager) {
	t.Helper()
	cfg := config.DefaultGateway()
	users := auth.NewUserManager(fakeRepo{})
	svc := auth.NewService(users, cfg.Security)
	verifier := verify.New(authorityURL, time.Second)
	timeouts := timeout.NewManager(time.Minute, false)
	q := queue.NewManager(users, fakeProxy{}, &cfg)
	return NewHandler(users, svc, verifier, timeouts, q), users, q
}

func newPlayer(t *testing.T, users *auth.UserManager, name string) (*fakeConn, *auth.User) {
	t.Helper()
	conn := &fakeConn{name: name}
	u := users.Create(context.Background(), model.User{ID: uuid.New(), Name: name})
	u.SetConn(conn)
	return conn, u
}

func TestDispatch_RegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	h, users, q := newTestHandler(t)
	conn, u := newPlayer(t, users, "Alice")
	caller := proxy.PlayerCaller{Conn: conn}

	if !h.Dispatch(ctx, caller, "/register abcdef") {
		t.Fatal("register with wrong arity must still be handled")
	}
	if !strings.Contains(conn.lastMessage(), "Usage") {
		t.Errorf("want usage message, got %q", conn.lastMessage())
	}

	if !h.Dispatch(ctx, caller, "/register abcdef abcdef") {
		t.Fatal("register must be handled")
	}
	if !u.IsLoggedIn() {
		t.Error("register must log in")
	}
	if _, queued := q.Position("Alice"); !queued {
		t.Error("successful register must enqueue for admission")
	}

	// Выход и вход с неверным паролем.
	h.Dispatch(ctx, caller, "/unregister abcdef")
	if u.IsRegistered() {
		t.Fatal("unregister must clear registration")
	}

	if !h.Dispatch(ctx, caller, "/login abcdef") {
		t.Fatal("login must be handled")
	}
	if !strings.Contains(conn.lastMessage(), "not registered") {
		t.Errorf("want not-registered message, got %q", conn.lastMessage())
	}
}

func TestDispatch_WrongPassword(t *testing.T) {
	ctx := context.Background()
	h, users, _ := newTestHandler(t)
	conn, u := newPlayer(t, users, "Bob")
	caller := proxy.PlayerCaller{Conn: conn}

	h.Dispatch(ctx, caller, "/register abcdef abcdef")
	h.Dispatch(ctx, caller, "/unregister wrong-password")
	if !strings.Contains(conn.lastMessage(), "Incorrect password") {
		t.Errorf("want incorrect-password message, got %q", conn.lastMessage())
	}
	if !u.IsRegistered() {
		t.Error("failed unregister must not clear registration")
	}
}

func TestDispatch_PremiumStatusAndQueue(t *testing.T) {
	ctx := context.Background()
	h, users, q := newTestHandler(t)
	conn, _ := newPlayer(t, users, "Carol")
	caller := proxy.PlayerCaller{Conn: conn}

	// Статус требует активной сессии.
	h.Dispatch(ctx, caller, "/premium")
	if !strings.Contains(conn.lastMessage(), "logged in") {
		t.Errorf("want logged-in guard, got %q", conn.lastMessage())
	}

	h.Dispatch(ctx, caller, "/queue")
	if !strings.Contains(conn.lastMessage(), "not in the queue") {
		t.Errorf("want not-queued message, got %q", conn.lastMessage())
	}

	// Успешная регистрация ставит в очередь.
	h.Dispatch(ctx, caller, "/register abcdef abcdef")
	h.Dispatch(ctx, caller, "/queue")
	if !strings.Contains(conn.lastMessage(), "position 1") {
		t.Errorf("want position message, got %q", conn.lastMessage())
	}
	if _, queued := q.Position("Carol"); !queued {
		t.Fatal("register must enqueue")
	}

	h.Dispatch(ctx, caller, "/premium")
	if !strings.Contains(conn.lastMessage(), "Usage: /premium") {
		t.Errorf("want premium help, got %q", conn.lastMessage())
	}
}

func TestDispatch_PremiumToggle(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%q,"name":"Grace"}`, strings.ReplaceAll(id.String(), "-", ""))
	}))
	defer srv.Close()

	h, users, _ := newTestHandlerWithAuthority(t, srv.URL)
	conn, u := newPlayer(t, users, "Grace")
	caller := proxy.PlayerCaller{Conn: conn}

	h.Dispatch(ctx, caller, "/register abcdef abcdef")

	// Включение перепроверяет имя у authority и закрывает сессию.
	h.Dispatch(ctx, caller, "/premium on")
	if !u.IsVerified() {
		t.Fatal("premium on must set the verified flag")
	}
	if conn.kicked == "" {
		t.Error("premium on must disconnect for a fresh handshake")
	}

	h.Dispatch(ctx, caller, "/premium on")
	if !strings.Contains(conn.lastMessage(), "already verified") {
		t.Errorf("want already-verified guard, got %q", conn.lastMessage())
	}

	h.Dispatch(ctx, caller, "/premium off")
	if u.IsVerified() {
		t.Fatal("premium off must clear the verified flag")
	}
	if !strings.Contains(conn.lastMessage(), "no longer verified") {
		t.Errorf("want disabled message, got %q", conn.lastMessage())
	}

	h.Dispatch(ctx, caller, "/premium off")
	if !strings.Contains(conn.lastMessage(), "not in verified mode") {
		t.Errorf("want not-verified guard, got %q", conn.lastMessage())
	}
}

func TestDispatch_PremiumOnUnknownName(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h, users, _ := newTestHandlerWithAuthority(t, srv.URL)
	conn, u := newPlayer(t, users, "Plain")
	caller := proxy.PlayerCaller{Conn: conn}

	h.Dispatch(ctx, caller, "/register abcdef abcdef")
	h.Dispatch(ctx, caller, "/premium on")

	if u.IsVerified() {
		t.Error("authority must confirm the name before the flag is set")
	}
	if !strings.Contains(conn.lastMessage(), "not a verified account") {
		t.Errorf("want rejection message, got %q", conn.lastMessage())
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	ctx := context.Background()
	h, users, _ := newTestHandler(t)
	conn, _ := newPlayer(t, users, "Dave")

	if h.Dispatch(ctx, proxy.PlayerCaller{Conn: conn}, "/fly") {
		t.Error("unknown command must not be claimed")
	}
	if h.Dispatch(ctx, proxy.PlayerCaller{Conn: conn}, "") {
		t.Error("empty line must not be claimed")
	}
}

func TestDispatch_ServiceCaller(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)

	var reply string
	caller := proxy.ServiceCaller{Name: "console", Reply: func(msg string) { reply = msg }}

	if !h.Dispatch(ctx, caller, "/authreload") {
		t.Fatal("authreload must be handled for service callers")
	}
	if reply == "" {
		t.Error("service caller must get a reply")
	}

	// Player-команды не доступны service caller'у.
	if h.Dispatch(ctx, caller, "/register abcdef abcdef") {
		t.Error("player command must not be claimed for a service caller")
	}
}
