// Package transport implements the Pusher-protocol (v7) websocket client the
// broker speaks. It owns the socket, the connection handshake, ping/pong
// heartbeats, private-channel authentication, and routing of inbound channel
// events to registered handlers. Connection lifecycle policy (singletons per
// role, reconnection) lives above it in internal/registry and internal/health.
package transport
