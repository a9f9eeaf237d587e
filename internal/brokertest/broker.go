package brokertest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/classpulse/classpulse/internal/config"
)

const (
	// activityTimeout is advertised in the handshake, in seconds.
	activityTimeout = 120

	writeWait = 5 * time.Second
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type subscribePayload struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

type unsubscribePayload struct {
	Channel string `json:"channel"`
}

// conn is one accepted client socket.
type conn struct {
	socketID string
	ws       *websocket.Conn

	mu         sync.Mutex
	subscribed map[string]bool
	pongs      int
}

func (c *conn) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Broker is the in-process broker. All methods are safe for concurrent use.
type Broker struct {
	AppKey string
	Secret string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*conn
	delivered map[string]int
}

// New starts a broker on a loopback listener and registers its shutdown with
// the test cleanup.
func New(t *testing.T) *Broker {
	t.Helper()
	b := &Broker{
		AppKey:    "test-app-key",
		Secret:    "test-app-secret",
		conns:     make(map[string]*conn),
		delivered: make(map[string]int),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serveWS))
	t.Cleanup(b.Close)
	return b
}

// Config returns a broker configuration pointing at this instance.
func (b *Broker) Config() config.BrokerConfig {
	u, err := url.Parse(b.srv.URL)
	if err != nil {
		panic(fmt.Sprintf("brokertest: parse own url: %v", err))
	}
	port, _ := strconv.Atoi(u.Port())
	return config.BrokerConfig{
		Host:    u.Hostname(),
		Port:    port,
		Scheme:  "http",
		AppKey:  b.AppKey,
		Enabled: true,
	}
}

// Close terminates every socket and stops the listener. Idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	for _, c := range b.conns {
		c.ws.Close()
	}
	b.conns = make(map[string]*conn)
	b.mu.Unlock()
	b.srv.Close()
}

// AuthServer starts a broadcasting-auth endpoint that signs subscriptions
// with this broker's secret. Requests must carry wantToken as a bearer token;
// anything else gets a 403.
func (b *Broker) AuthServer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req struct {
			SocketID    string `json:"socket_id"`
			ChannelName string `json:"channel_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"auth": b.Sign(req.SocketID, req.ChannelName),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Sign produces the "<key>:<hmac>" subscription signature for a socket and
// channel pair.
func (b *Broker) Sign(socketID, channelName string) string {
	mac := hmac.New(sha256.New, []byte(b.Secret))
	mac.Write([]byte(socketID + ":" + channelName)) //nolint:errcheck
	return b.AppKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

// Push delivers an event to every socket subscribed to the channel and
// returns the number of copies sent.
func (b *Broker) Push(channelName, event string, payload any) int {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("brokertest: marshal payload: %v", err))
	}
	// Real brokers ship the payload as an embedded JSON string.
	quoted, _ := json.Marshal(string(raw))

	b.mu.Lock()
	targets := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		c.mu.Lock()
		if c.subscribed[channelName] {
			targets = append(targets, c)
		}
		c.mu.Unlock()
	}
	b.delivered[channelName] += len(targets)
	b.mu.Unlock()

	for _, c := range targets {
		c.write(frame{Event: event, Channel: channelName, Data: quoted}) //nolint:errcheck
	}
	return len(targets)
}

// PingAll sends pusher:ping on every socket.
func (b *Broker) PingAll() {
	for _, c := range b.snapshot() {
		c.write(frame{Event: "pusher:ping", Data: json.RawMessage("{}")}) //nolint:errcheck
	}
}

// DropAll severs every socket without a close handshake, simulating broker
// failure.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*conn)
	b.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// Connections reports the number of live sockets.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscribers reports how many sockets hold a subscription to the channel.
func (b *Broker) Subscribers(channelName string) int {
	n := 0
	for _, c := range b.snapshot() {
		c.mu.Lock()
		if c.subscribed[channelName] {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Delivered reports the total copies pushed on the channel so far.
func (b *Broker) Delivered(channelName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered[channelName]
}

// Pongs reports the total pusher:pong frames received across all sockets.
func (b *Broker) Pongs() int {
	n := 0
	for _, c := range b.snapshot() {
		c.mu.Lock()
		n += c.pongs
		c.mu.Unlock()
	}
	return n
}

func (b *Broker) snapshot() []*conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/app/") {
		http.NotFound(w, r)
		return
	}
	if key := strings.TrimPrefix(r.URL.Path, "/app/"); key != b.AppKey {
		http.Error(w, "unknown app key", http.StatusUnauthorized)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		socketID:   uuid.NewString(),
		ws:         ws,
		subscribed: make(map[string]bool),
	}

	b.mu.Lock()
	b.conns[c.socketID] = c
	b.mu.Unlock()

	established, _ := json.Marshal(fmt.Sprintf(
		`{"socket_id":%q,"activity_timeout":%d}`, c.socketID, activityTimeout))
	if err := c.write(frame{Event: "pusher:connection_established", Data: established}); err != nil {
		b.remove(c)
		return
	}

	go b.readLoop(c)
}

// remove forgets a socket and closes it. Safe to call twice for the same
// conn.
func (b *Broker) remove(c *conn) {
	b.mu.Lock()
	delete(b.conns, c.socketID)
	b.mu.Unlock()
	c.ws.Close()
}

func (b *Broker) readLoop(c *conn) {
	defer b.remove(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Event {
		case "pusher:subscribe":
			b.handleSubscribe(c, f.Data)
		case "pusher:unsubscribe":
			var p unsubscribePayload
			if err := json.Unmarshal(f.Data, &p); err == nil {
				c.mu.Lock()
				delete(c.subscribed, p.Channel)
				c.mu.Unlock()
			}
		case "pusher:pong":
			c.mu.Lock()
			c.pongs++
			c.mu.Unlock()
		}
	}
}

func (b *Broker) handleSubscribe(c *conn, data json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if strings.HasPrefix(p.Channel, "private-") || strings.HasPrefix(p.Channel, "presence-") {
		want := b.Sign(c.socketID, p.Channel)
		if !hmac.Equal([]byte(p.Auth), []byte(want)) {
			c.write(frame{ //nolint:errcheck
				Event: "pusher:error",
				Data:  json.RawMessage(`{"code":4009,"message":"auth signature invalid"}`),
			})
			return
		}
	}
	c.mu.Lock()
	c.subscribed[p.Channel] = true
	c.mu.Unlock()
	c.write(frame{ //nolint:errcheck
		Event:   "pusher_internal:subscription_succeeded",
		Channel: p.Channel,
		Data:    json.RawMessage("{}"),
	})
}
