// Package channel derives broker channel names and broadcasting-auth endpoint
// paths from a role and principal id. All functions are pure — connection and
// subscription logic lives in internal/registry and internal/transport.
package channel
