package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/openmc/authgate/internal/commands"
	"github.com/openmc/authgate/internal/config"
	"github.com/openmc/authgate/internal/gate"
	"github.com/openmc/authgate/internal/proxy"
)

// devProxy is the built-in line-protocol adapter: one TCP connection per
// player, first line is the claimed name, every following line is chat
// or a command. It stands in for a real proxy framework in development
// and integration tests.
type devProxy struct {
	cfg  *config.Gateway
	gate *gate.Gate
	cmds *commands.Handler

	mu      sync.RWMutex
	players map[string]*devConn // lowercase name -> conn
}

func newProxyAdapter(_ context.Context, cfg *config.Gateway) (*devProxy, error) {
	return &devProxy{
		cfg:     cfg,
		players: make(map[string]*devConn),
	}, nil
}

// Bind registers the gateway hooks. Must be called before Run.
func (p *devProxy) Bind(g *gate.Gate, h *commands.Handler) error {
	if g == nil || h == nil {
		return errors.New("nil gateway hooks")
	}
	p.gate = g
	p.cmds = h
	return nil
}

// Player возвращает живое подключение по имени (case-insensitive).
func (p *devProxy) Player(name string) (proxy.Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.players[strings.ToLower(name)]
	if !ok || !c.Connected() {
		return nil, false
	}
	return c, true
}

func (p *devProxy) Players() []proxy.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conns := make([]proxy.Conn, 0, len(p.players))
	for _, c := range p.players {
		if c.Connected() {
			conns = append(conns, c)
		}
	}
	return conns
}

// HasBackend: адаптер знает только два логических backend'а из конфига.
func (p *devProxy) HasBackend(name string) bool {
	return name == p.cfg.StagingBackend || name == p.cfg.MainBackend
}

// Run begins listening for player connections.
func (p *devProxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", p.cfg.ListenAddress, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("adapter started", "address", ln.Addr())
		p.acceptLoop(ctx, &wg, ln)
	}()

	wg.Wait()
	return nil
}

func (p *devProxy) acceptLoop(ctx context.Context, wg *sync.WaitGroup, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("failed to accept new connection", "error", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.handleConnection(ctx, conn)
			}()
		}
	}
}

func (p *devProxy) handleConnection(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		slog.Error("failed to split host port", "connection", conn.RemoteAddr(), "error", err)
		return
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	name := strings.TrimSpace(scanner.Text())
	if name == "" {
		fmt.Fprintln(conn, "DENIED empty name")
		return
	}

	dc := &devConn{
		name:   name,
		id:     offlineID(name),
		addr:   host,
		conn:   conn,
		target: p,
	}
	dc.connected.Store(true)
	dc.backend.Store(p.cfg.StagingBackend)

	decision := p.gate.Handshake(ctx, dc)
	slog.Debug("handshake decided", "name", name, "state", decision.State)
	if !decision.Allow {
		fmt.Fprintf(conn, "DENIED %s\n", decision.Reason)
		return
	}
	if decision.Verified {
		// Canonical identity from the authority replaces the presented one.
		dc.id = decision.CanonicalID
		dc.name = decision.CanonicalName
	}

	key := strings.ToLower(dc.name)
	p.mu.Lock()
	p.players[key] = dc
	p.mu.Unlock()
	defer func() {
		dc.connected.Store(false)
		p.mu.Lock()
		delete(p.players, key)
		p.mu.Unlock()
		p.gate.Disconnect(ctx, dc.name)
	}()

	p.gate.PostConnect(ctx, dc)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !p.gate.FilterChat(ctx, dc, line) {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !p.cmds.Dispatch(ctx, proxy.PlayerCaller{Conn: dc}, line) {
				dc.SendMessage("Unknown command.")
			}
			continue
		}
		slog.Info("chat", "name", dc.name, "backend", dc.CurrentBackend(), "msg", line)
	}
}

// offlineID derives a stable identifier for an unverified name, the way
// offline-mode proxies do.
func offlineID(name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("OfflinePlayer:"+name))
}

// devConn is one player connection on the line protocol.
type devConn struct {
	name   string
	id     uuid.UUID
	addr   string
	conn   net.Conn
	target *devProxy

	backend   atomic.Value // string
	connected atomic.Bool
	wmu       sync.Mutex
}

func (c *devConn) Name() string       { return c.name }
func (c *devConn) ID() uuid.UUID      { return c.id }
func (c *devConn) RemoteAddr() string { return c.addr }

func (c *devConn) SendMessage(msg string) {
	c.write("MSG " + msg)
}

func (c *devConn) SendActionBar(msg string) {
	c.write("BAR " + msg)
}

func (c *devConn) Disconnect(reason string) {
	c.write("KICK " + reason)
	c.connected.Store(false)
	c.conn.Close()
}

func (c *devConn) ConnectTo(backend string) error {
	if !c.target.HasBackend(backend) {
		return fmt.Errorf("unknown backend %q", backend)
	}
	c.backend.Store(backend)
	c.write("BACKEND " + backend)
	return nil
}

func (c *devConn) CurrentBackend() string {
	b, _ := c.backend.Load().(string)
	return b
}

// HasPermission: у line-protocol подключений нет permission-системы.
func (c *devConn) HasPermission(string) bool { return false }

func (c *devConn) Connected() bool { return c.connected.Load() }

func (c *devConn) write(line string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := fmt.Fprintln(c.conn, line); err != nil {
		c.connected.Store(false)
	}
}
