// Package brokertest runs an in-process Pusher-protocol broker for tests. It
// speaks just enough of the protocol to exercise the client side: the
// connection handshake, signed private-channel subscriptions, ping/pong, and
// event delivery. It also serves a broadcasting-auth endpoint that signs
// subscriptions the same way the real backend does.
package brokertest
