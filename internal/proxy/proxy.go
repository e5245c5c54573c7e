// Package proxy defines the boundary to the network framework that owns
// raw connections. The gateway core never touches sockets itself; the host
// framework implements these interfaces and feeds lifecycle events in.
package proxy

import "github.com/google/uuid"

// PendingConn is a connection still in the handshake phase.
type PendingConn interface {
	// Name returns the claimed player name.
	Name() string
	// ID returns the identifier the connection is presenting.
	ID() uuid.UUID
	// RemoteAddr returns the client address as host string.
	RemoteAddr() string
}

// Conn is an established player connection on the proxy.
type Conn interface {
	PendingConn

	// SendMessage delivers a chat message to the player.
	SendMessage(msg string)
	// SendActionBar delivers a transient status line (queue position, countdown).
	SendActionBar(msg string)
	// Disconnect closes the connection with a user-visible reason.
	Disconnect(reason string)
	// ConnectTo moves the connection to the named backend.
	ConnectTo(backend string) error
	// CurrentBackend returns the backend the connection is on ("" if none yet).
	CurrentBackend() string
	// HasPermission reports whether the player holds a permission node.
	HasPermission(node string) bool
	// Connected reports whether the connection is still live.
	Connected() bool
}

// Proxy is the host framework's view of currently connected players.
type Proxy interface {
	// Player returns the live connection for a name (case-insensitive).
	Player(name string) (Conn, bool)
	// Players returns all live connections.
	Players() []Conn
	// HasBackend reports whether a named backend is configured and reachable.
	HasBackend(name string) bool
}

// Caller identifies who issued a command: a connected player or a
// console/service caller. Only these two variants exist.
type Caller interface {
	isCaller()
}

// PlayerCaller is a command issued by a connected player.
type PlayerCaller struct {
	Conn Conn
}

func (PlayerCaller) isCaller() {}

// ServiceCaller is a command issued by the console or another service.
// Reply receives command output.
type ServiceCaller struct {
	Name  string
	Reply func(msg string)
}

func (ServiceCaller) isCaller() {}
