// Package commands exposes the credential operations to the chat layer.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openmc/authgate/internal/auth"
	"github.com/openmc/authgate/internal/proxy"
	"github.com/openmc/authgate/internal/queue"
	"github.com/openmc/authgate/internal/timeout"
	"github.com/openmc/authgate/internal/verify"
)

// Handler routes parsed command lines to the session state machine.
type Handler struct {
	users    *auth.UserManager
	svc      *auth.Service
	verifier *verify.Verifier
	timeouts *timeout.Manager
	queue    *queue.Manager
}

// NewHandler creates the command router.
func NewHandler(
	users *auth.UserManager,
	svc *auth.Service,
	verifier *verify.Verifier,
	timeouts *timeout.Manager,
	q *queue.Manager,
) *Handler {
	return &Handler{users: users, svc: svc, verifier: verifier, timeouts: timeouts, queue: q}
}

// Dispatch handles one command line. Returns false when the line is not
// one of ours, so the embedding framework can pass it on.
func (h *Handler) Dispatch(ctx context.Context, caller proxy.Caller, line string) bool {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch c := caller.(type) {
	case proxy.PlayerCaller:
		return h.dispatchPlayer(ctx, c.Conn, cmd, args)
	case proxy.ServiceCaller:
		return h.dispatchService(c, cmd)
	default:
		return false
	}
}

func (h *Handler) dispatchPlayer(ctx context.Context, conn proxy.Conn, cmd string, args []string) bool {
	u, err := h.users.Lookup(ctx, conn.Name())
	if err != nil || u == nil {
		slog.Error("command from unknown session", "name", conn.Name(), "cmd", cmd, "err", err)
		return false
	}

	switch cmd {
	case "register":
		if len(args) != 2 {
			conn.SendMessage("Usage: /register <password> <password>")
			return true
		}
		h.reply(conn, h.onAuthenticated(ctx, u, h.svc.Register(ctx, u, args[0], args[1])),
			"Registered. Welcome!")
	case "login":
		if len(args) != 1 {
			conn.SendMessage("Usage: /login <password>")
			return true
		}
		h.reply(conn, h.onAuthenticated(ctx, u, h.svc.Login(ctx, u, args[0])),
			"Logged in. Welcome back!")
	case "changepassword":
		if len(args) != 2 {
			conn.SendMessage("Usage: /changepassword <old> <new>")
			return true
		}
		h.reply(conn, h.svc.ChangePassword(ctx, u, args[0], args[1]), "Password changed.")
	case "unregister":
		if len(args) != 1 {
			conn.SendMessage("Usage: /unregister <password>")
			return true
		}
		h.reply(conn, h.svc.Unregister(ctx, u, args[0]), "Unregistered.")
	case "premium":
		h.premium(ctx, conn, u, args)
	case "queue":
		pos, ok := h.queue.Position(u.Name())
		if !ok {
			conn.SendMessage("You are not in the queue.")
			return true
		}
		conn.SendMessage(fmt.Sprintf("Queue position %d, about %s left",
			pos, h.queue.EstimatedWait(pos)))
	default:
		return false
	}
	return true
}

// premium is the self-service verification toggle. Включение заново
// проверяет имя у authority и закрывает сессию: verified-путь проходит
// только через новый handshake.
func (h *Handler) premium(ctx context.Context, conn proxy.Conn, u *auth.User, args []string) {
	if !u.IsRegistered() || !u.IsLoggedIn() {
		conn.SendMessage("You must be logged in to change your premium status.")
		return
	}

	if len(args) == 0 {
		if u.IsVerified() {
			conn.SendMessage("Your account is currently verified. To disable, type /premium off")
		} else {
			conn.SendMessage("Your account is not verified. To enable, type /premium on")
		}
		conn.SendMessage("Usage: /premium <on/off>")
		return
	}

	switch strings.ToLower(args[0]) {
	case "on", "confirm":
		if u.IsVerified() {
			conn.SendMessage("Your account is already verified.")
			return
		}
		profile, err := h.verifier.Lookup(ctx, u.Name())
		if err != nil || profile == nil {
			conn.SendMessage("Your account is not a verified account.")
			return
		}
		h.svc.SetVerified(ctx, u, true)
		slog.Info("premium mode enabled", "name", u.Name())
		conn.Disconnect("Your account is now verified! Reconnect to log in automatically.")
	case "off", "disable":
		if !u.IsVerified() {
			conn.SendMessage("Your account is not in verified mode.")
			return
		}
		h.svc.SetVerified(ctx, u, false)
		slog.Info("premium mode disabled", "name", u.Name())
		conn.SendMessage("Your account is no longer verified.")
	default:
		conn.SendMessage("Usage: /premium <on/off>")
	}
}

// onAuthenticated runs the post-success bookkeeping shared by register
// and login: the auth deadline is disarmed and the session joins the
// admission queue.
func (h *Handler) onAuthenticated(ctx context.Context, u *auth.User, err error) error {
	if err != nil {
		return err
	}
	h.timeouts.Cancel(u.Name())
	h.queue.Enqueue(u.Name())
	return nil
}

func (h *Handler) dispatchService(c proxy.ServiceCaller, cmd string) bool {
	switch cmd {
	case "authreload":
		h.verifier.ClearCache()
		c.Reply("Verification cache cleared.")
		slog.Info("verification cache cleared by service caller", "caller", c.Name)
		return true
	default:
		return false
	}
}

// reply maps state machine errors onto user-facing messages. Sentinels
// are user-correctable; anything else is an internal failure hidden
// behind a generic message.
func (h *Handler) reply(conn proxy.Conn, err error, success string) {
	switch {
	case err == nil:
		conn.SendMessage(success)
	case errors.Is(err, auth.ErrPasswordMismatch):
		conn.SendMessage("Passwords do not match.")
	case errors.Is(err, auth.ErrPasswordLength):
		conn.SendMessage(err.Error())
	case errors.Is(err, auth.ErrSamePassword):
		conn.SendMessage("New password must differ from the old one.")
	case errors.Is(err, auth.ErrIncorrectPassword):
		conn.SendMessage("Incorrect password.")
	case errors.Is(err, auth.ErrNotRegistered):
		conn.SendMessage("You are not registered. Use /register first.")
	case errors.Is(err, auth.ErrAlreadyRegistered):
		conn.SendMessage("You are already registered. Use /login.")
	case errors.Is(err, auth.ErrAlreadyLoggedIn):
		conn.SendMessage("You are already logged in.")
	case errors.Is(err, auth.ErrNotLoggedIn):
		conn.SendMessage("Log in first.")
	default:
		slog.Error("command failed", "name", conn.Name(), "err", err)
		conn.SendMessage("Something went wrong, try again later.")
	}
}
