package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classpulse/classpulse/internal/channel"
	"github.com/classpulse/classpulse/internal/config"
)

const (
	// handshakeTimeout bounds the dial plus the wait for
	// pusher:connection_established. The handshake always resolves to a
	// definite outcome within this window.
	handshakeTimeout = 5 * time.Second

	// writeTimeout is the deadline for a single write to the broker.
	writeTimeout = 10 * time.Second

	// readGrace is added to the broker's advertised activity timeout before a
	// silent connection is treated as dead.
	readGrace = 10 * time.Second

	// defaultActivityTimeout applies when the handshake omits the hint.
	defaultActivityTimeout = 120 * time.Second

	sendBufSize = 16
)

var (
	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = errors.New("transport: client closed")

	// ErrNotConnected is returned when a send is attempted with no live
	// socket. Callers treat it as a degradation signal, not a failure.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAuthRejected is returned when the broadcasting-auth endpoint refuses
	// the bearer token for a private channel.
	ErrAuthRejected = errors.New("transport: channel auth rejected")
)

// Handler receives the decoded payload of one channel event. Handlers run on
// the read-loop goroutine and must not block.
type Handler func(payload json.RawMessage)

// dialFunc opens the websocket. Abstracted so tests can inject failures.
type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// sock bundles the per-connection resources so a redial can atomically swap
// them out from under concurrent callers.
type sock struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	stop sync.Once
}

func (s *sock) teardown() {
	s.stop.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Client is one Pusher-protocol connection. It survives socket loss: Dial may
// be called again to re-handshake, after which every channel with registered
// listeners is resubscribed. A Client belongs to exactly one principal; the
// bearer token is fixed at construction.
type Client struct {
	cfg     config.BrokerConfig
	authURL string
	token   string
	dialFn  dialFunc
	httpc   *http.Client

	// onDrop is invoked once per unexpected socket loss, never after Close.
	onDrop func(err error)

	mu              sync.Mutex
	sock            *sock
	socketID        string
	activityTimeout time.Duration
	closed          bool
	// listeners: wire channel → mapped event name → handlers.
	listeners map[string]map[string][]Handler
	// subscribed: wire channels a pusher:subscribe was sent for on the
	// current socket.
	subscribed map[string]bool
	// pending: wire channels waiting for a handshake to subscribe.
	pending map[string]bool
}

// New creates a Client for the broker in cfg. authURL is the absolute
// broadcasting-auth endpoint for the owning role; token is the principal's
// bearer token, presented on every private-channel authorization.
func New(cfg config.BrokerConfig, authURL, token string) *Client {
	return &Client{
		cfg:        cfg,
		authURL:    authURL,
		token:      token,
		dialFn:     defaultDial,
		httpc:      &http.Client{Timeout: handshakeTimeout},
		listeners:  make(map[string]map[string][]Handler),
		subscribed: make(map[string]bool),
		pending:    make(map[string]bool),
	}
}

// SetOnDrop registers the callback invoked when the socket is lost
// unexpectedly.
func (c *Client) SetOnDrop(fn func(err error)) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Dial opens the socket and performs the protocol handshake, replacing any
// previous socket. On success every channel with registered listeners is
// (re)subscribed, which makes Dial the single recovery entry point after a
// drop. Auth failures on individual channels are logged, not returned: the
// connection itself is usable.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if old := c.sock; old != nil {
		c.sock = nil
		c.socketID = ""
		old.teardown()
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := c.dialFn(dialCtx, dialURL(c.cfg))
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.cfg.Host, err)
	}

	sockID, activity, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	s := &sock{
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.teardown()
		return ErrClosed
	}
	c.sock = s
	c.socketID = sockID
	c.activityTimeout = activity
	c.subscribed = make(map[string]bool)
	// Everything with listeners, plus anything queued before the handshake,
	// gets subscribed on this socket.
	resub := make([]string, 0, len(c.listeners)+len(c.pending))
	for ch := range c.listeners {
		resub = append(resub, ch)
	}
	for ch := range c.pending {
		if _, ok := c.listeners[ch]; !ok {
			resub = append(resub, ch)
		}
	}
	c.pending = make(map[string]bool)
	c.mu.Unlock()

	go c.writeLoop(s)
	go c.readLoop(s, activity)

	for _, ch := range resub {
		if err := c.subscribeChannel(ch); err != nil {
			slog.Warn("transport: channel subscribe failed",
				"channel", ch, "err", err)
		}
	}

	slog.Info("transport: connected", "host", c.cfg.Host, "socket_id", sockID)
	return nil
}

// readHandshake consumes the first frame, which must be
// pusher:connection_established, and returns the socket id and activity
// timeout.
func readHandshake(conn *websocket.Conn) (string, time.Duration, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", 0, fmt.Errorf("transport: set handshake deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", 0, fmt.Errorf("transport: handshake read: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", 0, fmt.Errorf("transport: handshake parse: %w", err)
	}
	if f.Event != evtConnectionEstablished {
		return "", 0, fmt.Errorf("transport: unexpected handshake event %q", f.Event)
	}

	var cd connectionData
	if err := json.Unmarshal(decodePayload(f.Data), &cd); err != nil {
		return "", 0, fmt.Errorf("transport: handshake payload: %w", err)
	}
	if cd.SocketID == "" {
		return "", 0, errors.New("transport: handshake missing socket_id")
	}

	activity := defaultActivityTimeout
	if cd.ActivityTimeout > 0 {
		activity = time.Duration(cd.ActivityTimeout) * time.Second
	}
	return cd.SocketID, activity, nil
}

// Listen registers fn for eventName on the wire channel. If the handshake has
// not completed yet the subscription is queued and flushed by the next Dial.
// The returned error reports subscription problems only — the listener is
// always registered.
func (c *Client) Listen(wireChannel, eventName string, fn Handler) error {
	mapped := mapEventName(eventName)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.listeners[wireChannel] == nil {
		c.listeners[wireChannel] = make(map[string][]Handler)
	}
	c.listeners[wireChannel][mapped] = append(c.listeners[wireChannel][mapped], fn)
	connected := c.socketID != ""
	if !connected {
		c.pending[wireChannel] = true
	}
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return c.subscribeChannel(wireChannel)
}

// StopListening removes every handler for eventName on the wire channel. The
// channel subscription itself stays up until Leave.
func (c *Client) StopListening(wireChannel, eventName string) {
	mapped := mapEventName(eventName)
	c.mu.Lock()
	if evs, ok := c.listeners[wireChannel]; ok {
		delete(evs, mapped)
		if len(evs) == 0 {
			delete(c.listeners, wireChannel)
		}
	}
	c.mu.Unlock()
}

// Leave unsubscribes from the wire channel and drops all of its handlers.
// Safe to call for channels that were never subscribed.
func (c *Client) Leave(wireChannel string) {
	c.mu.Lock()
	delete(c.listeners, wireChannel)
	delete(c.pending, wireChannel)
	wasSubscribed := c.subscribed[wireChannel]
	delete(c.subscribed, wireChannel)
	c.mu.Unlock()

	if !wasSubscribed {
		return
	}
	data, _ := json.Marshal(unsubscribeData{Channel: wireChannel})
	if err := c.sendFrame(frame{Event: evtUnsubscribe, Data: data}); err != nil {
		slog.Debug("transport: unsubscribe send skipped", "channel", wireChannel, "err", err)
	}
}

// ActiveChannels returns the wire channels that currently have listeners.
func (c *Client) ActiveChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.listeners))
	for ch := range c.listeners {
		out = append(out, ch)
	}
	return out
}

// Connected reports whether a handshake-complete socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID != ""
}

// SocketID returns the broker-assigned socket id, or "" when disconnected.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Close tears the socket down permanently. Listeners are released; no drop
// callback fires. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	s := c.sock
	c.sock = nil
	c.socketID = ""
	c.listeners = make(map[string]map[string][]Handler)
	c.subscribed = make(map[string]bool)
	c.pending = make(map[string]bool)
	c.mu.Unlock()

	if s != nil {
		s.teardown()
	}
}

// subscribeChannel authorizes (for private channels) and sends the subscribe
// frame. Idempotent per socket: a channel already subscribed is a no-op.
func (c *Client) subscribeChannel(wireChannel string) error {
	c.mu.Lock()
	sockID := c.socketID
	if sockID == "" {
		c.pending[wireChannel] = true
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.subscribed[wireChannel] {
		c.mu.Unlock()
		return nil
	}
	// Claim the slot before the auth round trip so a concurrent caller does
	// not double-subscribe; released again on failure.
	c.subscribed[wireChannel] = true
	c.mu.Unlock()

	var auth string
	if channel.IsPrivate(wireChannel) {
		var err error
		auth, err = c.authorize(wireChannel, sockID)
		if err != nil {
			c.mu.Lock()
			delete(c.subscribed, wireChannel)
			c.mu.Unlock()
			return err
		}
	}

	data, _ := json.Marshal(subscribeData{Auth: auth, Channel: wireChannel})
	if err := c.sendFrame(frame{Event: evtSubscribe, Data: data}); err != nil {
		c.mu.Lock()
		delete(c.subscribed, wireChannel)
		c.mu.Unlock()
		return err
	}
	return nil
}

// authorize POSTs the broadcasting-auth endpoint with the bearer token and
// returns the subscription signature.
func (c *Client) authorize(wireChannel, sockID string) (string, error) {
	body, _ := json.Marshal(authRequest{SocketID: sockID, ChannelName: wireChannel})
	req, err := http.NewRequest(http.MethodPost, c.authURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("transport: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned %d", ErrAuthRejected, wireChannel, resp.StatusCode)
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("transport: auth response: %w", err)
	}
	return ar.Auth, nil
}

// sendFrame queues one frame for the write loop.
func (c *Client) sendFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}

	c.mu.Lock()
	s := c.sock
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-time.After(writeTimeout):
		return fmt.Errorf("transport: send queue full for %s", f.Event)
	}
}

// writeLoop is the single writer for one socket.
func (c *Client) writeLoop(s *sock) {
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop parses inbound frames and routes them until the socket dies.
func (c *Client) readLoop(s *sock, activity time.Duration) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(activity + readGrace)) //nolint:errcheck
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.handleDrop(s, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("transport: unparseable frame", "err", err)
			continue
		}

		switch f.Event {
		case evtPing:
			pong, _ := json.Marshal(frame{Event: evtPong, Data: json.RawMessage("{}")})
			select {
			case s.send <- pong:
			default:
				// Reply is best effort; a stalled writer will surface as a
				// read timeout shortly anyway.
			}
		case evtConnectionEstablished:
			// Duplicate after handshake — ignore.
		case evtError:
			slog.Warn("transport: broker error", "data", string(f.Data))
		case evtSubscriptionSucceeded:
			slog.Debug("transport: subscription confirmed", "channel", f.Channel)
		default:
			if f.Channel == "" {
				continue
			}
			c.dispatch(f.Channel, f.Event, decodePayload(f.Data))
		}
	}
}

// dispatch fans one channel event out to its handlers.
func (c *Client) dispatch(wireChannel, event string, payload json.RawMessage) {
	c.mu.Lock()
	var handlers []Handler
	if evs, ok := c.listeners[wireChannel]; ok {
		handlers = append(handlers, evs[event]...)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// handleDrop reconciles state after an unexpected read failure and notifies
// the drop observer. Channels with listeners become pending so the next Dial
// resubscribes them.
func (c *Client) handleDrop(s *sock, err error) {
	c.mu.Lock()
	current := c.sock == s
	if current {
		c.sock = nil
		c.socketID = ""
		c.subscribed = make(map[string]bool)
		for ch := range c.listeners {
			c.pending[ch] = true
		}
	}
	closed := c.closed
	onDrop := c.onDrop
	c.mu.Unlock()

	s.teardown()

	if current && !closed {
		slog.Warn("transport: socket lost", "host", c.cfg.Host, "err", err)
		if onDrop != nil {
			onDrop(err)
		}
	}
}
