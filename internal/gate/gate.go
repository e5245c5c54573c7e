// Package gate decides accept/deny/defer for every incoming connection
// attempt and owns the session lifecycle hooks around it.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
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

// Disconnect reasons shown to the user. Всегда явный reason, никогда
// silent drop.
const (
	ReasonDuplicateSession = "You are already connected to this server"
	ReasonVerifyRequired   = "Could not verify your identity, try again later"
)

func reasonWrongIdentity(name string) string {
	return fmt.Sprintf("Wrong identity. Use name %s", name)
}

// Decision is the gate's answer for one connection attempt. When Allow
// is true and Verified is set, the adapter must tell the transport to
// use CanonicalID and CanonicalName for the rest of the session.
type Decision struct {
	State         HandshakeState
	Allow         bool
	Reason        string
	Verified      bool
	CanonicalID   uuid.UUID
	CanonicalName string
}

// Gate orchestrates verification, the session registry, the timeout
// enforcer and the admission queue around connection lifecycle events.
type Gate struct {
	users    *auth.UserManager
	svc      *auth.Service
	verifier *verify.Verifier
	timeouts *timeout.Manager
	queue    *queue.Manager
	prox     proxy.Proxy
	cfg      *config.Gateway
}

// New wires the gate to its collaborators.
func New(
	users *auth.UserManager,
	svc *auth.Service,
	verifier *verify.Verifier,
	timeouts *timeout.Manager,
	q *queue.Manager,
	prox proxy.Proxy,
	cfg *config.Gateway,
) *Gate {
	return &Gate{
		users:    users,
		svc:      svc,
		verifier: verifier,
		timeouts: timeouts,
		queue:    q,
		prox:     prox,
		cfg:      cfg,
	}
}

// Handshake decides one connection attempt. The adapter must hold the
// handshake open until this returns; blocking happens here, off the
// connection-handling path, bounded by the configured deadline.
func (g *Gate) Handshake(ctx context.Context, pending proxy.PendingConn) Decision {
	name := pending.Name()

	// Одна живая сессия на identity, сравнение case-insensitive.
	if existing, ok := g.prox.Player(name); ok && existing.Connected() {
		slog.Info("denied duplicate session", "name", name)
		return Decision{State: StateDenied, Reason: ReasonDuplicateSession}
	}

	profile, unavailable := g.lookupBounded(ctx, name)
	if profile != nil {
		return g.admitVerified(ctx, pending, profile)
	}
	return g.admitUnverified(ctx, pending, unavailable)
}

// lookupBounded runs the authority call off this goroutine and waits for
// the result or the handshake deadline, whichever comes first. A late
// result still lands in the verifier cache for the next attempt.
func (g *Gate) lookupBounded(ctx context.Context, name string) (profile *verify.Profile, unavailable bool) {
	type result struct {
		p   *verify.Profile
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := g.verifier.Lookup(ctx, name)
		ch <- result{p, err}
	}()

	deadline := time.NewTimer(g.cfg.Verifier.HandshakeTimeout())
	defer deadline.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, true
		}
		return r.p, false
	case <-deadline.C:
		slog.Warn("handshake deadline elapsed while verifying", "name", name)
		return nil, true
	case <-ctx.Done():
		return nil, true
	}
}

func (g *Gate) admitVerified(ctx context.Context, pending proxy.PendingConn, profile *verify.Profile) Decision {
	u, err := g.users.Lookup(ctx, pending.Name())
	if err != nil {
		slog.Error("store lookup failed during handshake", "name", pending.Name(), "err", err)
	}
	if u == nil {
		u = g.users.Create(ctx, model.User{
			ID:            profile.ID,
			Name:          profile.Name,
			Verified:      true,
			Registered:    true,
			TitlesEnabled: true,
		})
	} else if u.ID() != profile.ID {
		g.users.Rekey(ctx, u, profile.ID)
	}

	g.svc.AdmitVerified(ctx, u)
	slog.Info("accepted verified session", "name", profile.Name, "id", profile.ID)
	return Decision{
		State:         StateVerifiedAccept,
		Allow:         true,
		Verified:      true,
		CanonicalID:   profile.ID,
		CanonicalName: profile.Name,
	}
}

// admitUnverified handles the fallback path. A definitive "not verified"
// answer downgrades a previously verified record and reconciles its id
// onto the presented one so the owner can keep playing. An unavailable
// authority never downgrades: a verified slot is denied outright so an
// unverified connection cannot take it over while the authority is down.
func (g *Gate) admitUnverified(ctx context.Context, pending proxy.PendingConn, unavailable bool) Decision {
	name := pending.Name()
	state := StateAccepted
	if unavailable {
		state = StateVerifyFailedFallback
	}

	u, err := g.users.Lookup(ctx, name)
	if err != nil {
		slog.Error("store lookup failed during handshake", "name", name, "err", err)
	}
	if u != nil {
		if u.IsVerified() {
			if unavailable {
				slog.Info("denied unverified takeover of verified slot", "name", name)
				return Decision{State: StateDenied, Reason: ReasonVerifyRequired}
			}
			slog.Warn("downgrading previously verified identity", "name", name)
			g.svc.SetVerified(ctx, u, false)
			g.svc.Logout(ctx, u)
			if u.ID() != pending.ID() {
				g.users.Rekey(ctx, u, pending.ID())
			}
		} else if u.ID() != pending.ID() {
			slog.Info("denied identity mismatch", "name", name, "presented", pending.ID(), "stored", u.ID())
			return Decision{State: StateDenied, Reason: reasonWrongIdentity(u.Name())}
		}
	} else {
		u = g.users.Create(ctx, model.User{ID: pending.ID(), Name: name, TitlesEnabled: true})
	}

	return Decision{State: state, Allow: true, CanonicalID: u.ID()}
}

// PostConnect attaches the live connection after the staging backend
// accepted it: arms the auth deadline for unauthenticated sessions,
// queues authenticated ones for admission.
func (g *Gate) PostConnect(ctx context.Context, conn proxy.Conn) {
	u, err := g.users.Lookup(ctx, conn.Name())
	if err != nil || u == nil {
		slog.Error("post-connect for unknown session", "name", conn.Name(), "err", err)
		conn.Disconnect(ReasonVerifyRequired)
		return
	}

	u.SetConn(conn)
	if u.PendingIDCorrection() {
		// Адаптер уже применил canonical id из Decision через API
		// framework'а; здесь флаг только снимается.
		u.ClearIDCorrection()
		slog.Info("applied canonical id correction", "name", u.Name(), "id", u.ID())
	}

	if u.IsLoggedIn() {
		g.queue.Enqueue(u.Name())
		return
	}

	g.timeouts.Arm(u)
	if u.IsRegistered() {
		conn.SendMessage("Please log in with /login <password>")
	} else {
		conn.SendMessage("Please register with /register <password> <password>")
	}
}

// Disconnect tears down the session: the timeout entry and the queue
// slot are cancelled together, and the identity drops to logged-out.
// Регистрация сохраняется; disconnect никогда не разрегистрирует.
func (g *Gate) Disconnect(ctx context.Context, name string) {
	g.timeouts.Cancel(name)
	g.queue.Remove(name)

	if u, ok := g.users.Get(name); ok {
		g.svc.Logout(ctx, u)
		slog.Info("session closed", "name", name, "duration", u.SessionDuration().Round(time.Second))
	}
}

// FilterChat reports whether a chat line from the connection may pass.
// Commands are always allowed so the user can still log in; plain chat
// is blocked until authenticated. A resolved-name mismatch forces a
// disconnect regardless of state.
func (g *Gate) FilterChat(ctx context.Context, conn proxy.Conn, message string) bool {
	u, err := g.users.Lookup(ctx, conn.Name())
	if err != nil {
		slog.Error("store lookup failed during chat filter", "name", conn.Name(), "err", err)
	}
	if u != nil && u.Name() != conn.Name() {
		conn.Disconnect(reasonWrongIdentity(u.Name()))
		return false
	}
	if u != nil && u.IsLoggedIn() {
		return true
	}
	if strings.HasPrefix(message, "/") {
		return true
	}
	conn.SendMessage("Please log in before chatting")
	return false
}
