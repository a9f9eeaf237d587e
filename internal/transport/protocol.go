package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/classpulse/classpulse/internal/config"
)

// Protocol identifiers sent in the dial query string.
const (
	protocolVersion = "7"
	clientName      = "classpulse-go"
	clientVersion   = "1.0.0"
)

// Pusher control events.
const (
	evtConnectionEstablished = "pusher:connection_established"
	evtPing                  = "pusher:ping"
	evtPong                  = "pusher:pong"
	evtSubscribe             = "pusher:subscribe"
	evtUnsubscribe           = "pusher:unsubscribe"
	evtError                 = "pusher:error"
	evtSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

// frame is the wire envelope for every message in either direction.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// connectionData is the payload of pusher:connection_established.
type connectionData struct {
	SocketID string `json:"socket_id"`
	// ActivityTimeout is the broker's ping interval hint, in seconds.
	ActivityTimeout int `json:"activity_timeout"`
}

// subscribeData is the payload of pusher:subscribe. Auth is empty for public
// channels.
type subscribeData struct {
	Auth    string `json:"auth,omitempty"`
	Channel string `json:"channel"`
}

// unsubscribeData is the payload of pusher:unsubscribe.
type unsubscribeData struct {
	Channel string `json:"channel"`
}

// authRequest is the body POSTed to the broadcasting-auth endpoint.
type authRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// authResponse is the broadcasting-auth endpoint's success body. Auth is the
// "<key>:<hmac>" signature the broker verifies on subscribe.
type authResponse struct {
	Auth string `json:"auth"`
}

// eventNamespace is prepended to event names that do not opt out with a
// leading dot, following the Laravel Echo convention.
const eventNamespace = `App\Events\`

// mapEventName resolves a caller-facing event name to the wire name:
// a leading dot marks a broadcastAs-style custom name (dot stripped),
// anything else gets the default class namespace.
func mapEventName(name string) string {
	if strings.HasPrefix(name, ".") {
		return name[1:]
	}
	return eventNamespace + name
}

// dialURL builds the websocket endpoint from the broker configuration.
// Standard ports are omitted so intermediaries do not reject the URL.
func dialURL(cfg config.BrokerConfig) string {
	scheme := "ws"
	if cfg.Scheme == "https" {
		scheme = "wss"
	}
	portSuffix := ""
	if cfg.Port != 80 && cfg.Port != 443 {
		portSuffix = fmt.Sprintf(":%d", cfg.Port)
	}
	return fmt.Sprintf("%s://%s%s/app/%s?protocol=%s&client=%s&version=%s&flash=false",
		scheme, cfg.Host, portSuffix, cfg.AppKey, protocolVersion, clientName, clientVersion)
}

// decodePayload unwraps a possibly double-encoded event payload: brokers
// frequently send data as a JSON string that itself contains JSON.
func decodePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	return json.RawMessage(s)
}
