package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies the authenticated principal kind a connection is scoped to.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
)

// Roles lists every recognized role.
var Roles = []Role{RoleAdmin, RoleTeacher, RoleStudent, RoleParent}

// Valid reports whether r is one of the recognized roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent, RoleParent:
		return true
	}
	return false
}

// ErrInvalidPrincipal is returned when a private channel is requested with an
// empty or malformed principal id. Callers must not attempt a connection in
// that case.
var ErrInvalidPrincipal = errors.New("channel: invalid principal id")

// ErrInvalidRole is returned when a name or endpoint is requested for an
// unrecognized role.
var ErrInvalidRole = errors.New("channel: invalid role")

// privatePrefix is the Pusher-protocol marker for channels that require a
// broadcasting-auth handshake before the broker accepts the subscription.
const privatePrefix = "private-"

// AllAdmins is the shared broadcast channel carrying content-change alerts to
// every admin. It requires no principal id.
const AllAdmins = "admins"

// Private returns the logical channel name "<role>.<id>" for one principal.
func Private(role Role, principalID string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	id := strings.TrimSpace(principalID)
	if id == "" || strings.ContainsAny(id, " .\t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrincipal, principalID)
	}
	return string(role) + "." + id, nil
}

// WireName returns the on-the-wire channel name the broker expects.
// Principal-scoped channels get the Pusher private prefix; shared broadcast
// channels stay unprefixed because they need no auth handshake.
func WireName(name string) string {
	if name == AllAdmins || strings.HasPrefix(name, privatePrefix) {
		return name
	}
	return privatePrefix + name
}

// IsPrivate reports whether the wire name requires a broadcasting-auth
// handshake before subscribing.
func IsPrivate(wireName string) bool {
	return strings.HasPrefix(wireName, privatePrefix) ||
		strings.HasPrefix(wireName, "presence-")
}

// AuthEndpoint returns the backend path that authorizes private-channel
// subscriptions for the given role. The admin endpoint predates the
// role-suffixed ones, so it carries no suffix.
func AuthEndpoint(role Role) (string, error) {
	switch role {
	case RoleAdmin:
		return "/api/broadcasting/auth", nil
	case RoleTeacher, RoleStudent, RoleParent:
		return "/api/broadcasting/auth/" + string(role), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
}
