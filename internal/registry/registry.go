package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/classpulse/classpulse/internal/channel"
	"github.com/classpulse/classpulse/internal/config"
	"github.com/classpulse/classpulse/internal/transport"
)

// ErrEmptyToken is returned when a connection is requested without a bearer
// token. An unauthenticated principal cannot join private channels, so the
// connection is never attempted.
var ErrEmptyToken = errors.New("registry: empty bearer token")

// Outcome reports what a Subscribe call actually did. Delivery is best
// effort, so failures degrade instead of erroring; the outcome makes that
// degradation observable.
type Outcome int

const (
	// Subscribed means the listener is registered and the channel
	// subscription was sent on a live socket.
	Subscribed Outcome = iota

	// AlreadySubscribed means an identical (channel, event) pair was active;
	// the call was a no-op.
	AlreadySubscribed

	// SkippedNoConnection means no live socket exists. The listener is
	// queued and attaches when the connection recovers.
	SkippedNoConnection

	// SkippedDisabled means the subsystem is disabled by configuration and
	// the connection carries no transport at all.
	SkippedDisabled

	// Failed means the subscription was refused, typically by the
	// broadcasting-auth endpoint.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Subscribed:
		return "subscribed"
	case AlreadySubscribed:
		return "already-subscribed"
	case SkippedNoConnection:
		return "skipped: no connection"
	case SkippedDisabled:
		return "skipped: disabled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Connection is one role's broker connection. The transport is nil when the
// subsystem is disabled; every operation then degrades to a no-op.
type Connection struct {
	role  channel.Role
	token string

	client *transport.Client

	mu sync.Mutex
	// active holds "<channel>\x00<event>" keys for idempotence.
	active map[string]bool
}

// Role returns the role this connection is scoped to.
func (c *Connection) Role() channel.Role { return c.role }

// Token returns the bearer token the connection was created with.
func (c *Connection) Token() string { return c.token }

// Transport exposes the underlying client for the health controller. Nil when
// the subsystem is disabled.
func (c *Connection) Transport() *transport.Client { return c.client }

// Connected reports whether a handshake-complete socket is up.
func (c *Connection) Connected() bool {
	return c.client != nil && c.client.Connected()
}

// Subscribe attaches handler to eventName on the named channel. The name is
// logical ("teacher.7", "admins"); the wire prefix is applied here. Identical
// (channel, event) pairs are registered exactly once no matter how many times
// Subscribe runs.
func (c *Connection) Subscribe(name, eventName string, handler transport.Handler) Outcome {
	if c.client == nil {
		return SkippedDisabled
	}
	wire := channel.WireName(name)
	key := wire + "\x00" + eventName

	c.mu.Lock()
	if c.active[key] {
		c.mu.Unlock()
		return AlreadySubscribed
	}
	c.active[key] = true
	c.mu.Unlock()

	err := c.client.Listen(wire, eventName, handler)
	switch {
	case err == nil:
		return Subscribed
	case errors.Is(err, transport.ErrNotConnected):
		// Listener is queued; it attaches on the next successful dial.
		slog.Warn("registry: subscribe deferred, no connection",
			"role", c.role, "channel", wire, "event", eventName)
		return SkippedNoConnection
	default:
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
		// Drop the handler too, or the next explicit subscribe attempt would
		// stack a second copy and double-deliver.
		c.client.StopListening(wire, eventName)
		slog.Warn("registry: subscribe failed",
			"role", c.role, "channel", wire, "event", eventName, "err", err)
		return Failed
	}
}

// Unsubscribe leaves the named channel and forgets its listeners. Idempotent
// on channels that were never subscribed.
func (c *Connection) Unsubscribe(name string) {
	if c.client == nil {
		return
	}
	wire := channel.WireName(name)

	c.mu.Lock()
	for key := range c.active {
		if len(key) > len(wire) && key[:len(wire)] == wire && key[len(wire)] == '\x00' {
			delete(c.active, key)
		}
	}
	c.mu.Unlock()

	c.client.Leave(wire)
}

// close tears the transport down and invalidates every subscription.
func (c *Connection) close() {
	c.mu.Lock()
	c.active = make(map[string]bool)
	c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
	}
}

// Registry holds at most one Connection per role. Safe for concurrent use.
type Registry struct {
	cfg config.Config

	mu    sync.Mutex
	conns map[channel.Role]*Connection
}

// New creates an empty registry over cfg.
func New(cfg config.Config) *Registry {
	return &Registry{
		cfg:   cfg,
		conns: make(map[channel.Role]*Connection),
	}
}

// GetOrCreate returns the role's connection, creating and dialing it on first
// use. An existing connection is returned unchanged even if token differs;
// re-auth requires an explicit Teardown first so an in-flight session is
// never silently hijacked. A handshake failure does not error: the connection
// is registered disconnected and the health controller drives recovery, so
// callers degrade instead of crashing.
func (r *Registry) GetOrCreate(ctx context.Context, role channel.Role, token string) (*Connection, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", channel.ErrInvalidRole, role)
	}
	if token == "" {
		return nil, ErrEmptyToken
	}

	r.mu.Lock()
	if conn, ok := r.conns[role]; ok {
		r.mu.Unlock()
		if conn.token != token {
			slog.Warn("registry: token differs from live connection, keeping existing session",
				"role", role)
		}
		return conn, nil
	}

	conn := &Connection{
		role:   role,
		token:  token,
		active: make(map[string]bool),
	}

	if r.cfg.Broker.Enabled {
		endpoint, err := channel.AuthEndpoint(role)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		conn.client = transport.New(r.cfg.Broker, r.cfg.API.BaseURL+endpoint, token)
	} else {
		slog.Info("registry: realtime disabled, connection is a no-op", "role", role)
	}

	r.conns[role] = conn
	r.mu.Unlock()

	if conn.client != nil {
		if err := conn.client.Dial(ctx); err != nil {
			slog.Warn("registry: initial handshake failed, staying disconnected",
				"role", role, "err", err)
		}
	}
	return conn, nil
}

// Get returns the role's connection without creating one. Nil when absent.
func (r *Registry) Get(role channel.Role) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[role]
}

// Teardown closes the role's connection and clears the slot. The transport
// close cascades to every channel subscription, so holders of subscription
// handles need no individual cleanup. Idempotent.
func (r *Registry) Teardown(role channel.Role) {
	r.mu.Lock()
	conn, ok := r.conns[role]
	delete(r.conns, role)
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.close()
	slog.Info("registry: connection torn down", "role", role)
}

// TeardownAll closes every registered connection.
func (r *Registry) TeardownAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[channel.Role]*Connection)
	r.mu.Unlock()

	for role, conn := range conns {
		conn.close()
		slog.Info("registry: connection torn down", "role", role)
	}
}
