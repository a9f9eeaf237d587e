package channel

import (
	"errors"
	"testing"
)

func TestPrivate(t *testing.T) {
	name, err := Private(RoleTeacher, "7")
	if err != nil {
		t.Fatalf("Private: %v", err)
	}
	if name != "teacher.7" {
		t.Errorf("name: got %q, want teacher.7", name)
	}
}

func TestPrivate_AllRoles(t *testing.T) {
	for _, role := range Roles {
		name, err := Private(role, "42")
		if err != nil {
			t.Errorf("Private(%s): %v", role, err)
			continue
		}
		want := string(role) + ".42"
		if name != want {
			t.Errorf("Private(%s): got %q, want %q", role, name, want)
		}
	}
}

func TestPrivate_EmptyPrincipal(t *testing.T) {
	_, err := Private(RoleAdmin, "")
	if !errors.Is(err, ErrInvalidPrincipal) {
		t.Errorf("err: got %v, want ErrInvalidPrincipal", err)
	}
}

func TestPrivate_WhitespacePrincipal(t *testing.T) {
	for _, id := range []string{"  ", "4 2", "a.b"} {
		if _, err := Private(RoleAdmin, id); !errors.Is(err, ErrInvalidPrincipal) {
			t.Errorf("Private(%q): got %v, want ErrInvalidPrincipal", id, err)
		}
	}
}

func TestPrivate_InvalidRole(t *testing.T) {
	_, err := Private(Role("affiliate"), "1")
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("err: got %v, want ErrInvalidRole", err)
	}
}

func TestWireName(t *testing.T) {
	if got := WireName("admin.42"); got != "private-admin.42" {
		t.Errorf("WireName: got %q, want private-admin.42", got)
	}
	// Already prefixed names pass through unchanged.
	if got := WireName("private-admin.42"); got != "private-admin.42" {
		t.Errorf("WireName idempotent: got %q", got)
	}
	// The shared broadcast channel is public and stays unprefixed.
	if got := WireName(AllAdmins); got != "admins" {
		t.Errorf("WireName(AllAdmins): got %q, want admins", got)
	}
}

func TestIsPrivate(t *testing.T) {
	if !IsPrivate("private-student.3") {
		t.Error("private-student.3: want private")
	}
	if IsPrivate("time-slots") {
		t.Error("time-slots: want public")
	}
}

func TestAuthEndpoint(t *testing.T) {
	cases := []struct {
		role Role
		want string
	}{
		{RoleAdmin, "/api/broadcasting/auth"},
		{RoleTeacher, "/api/broadcasting/auth/teacher"},
		{RoleStudent, "/api/broadcasting/auth/student"},
		{RoleParent, "/api/broadcasting/auth/parent"},
	}
	for _, c := range cases {
		got, err := AuthEndpoint(c.role)
		if err != nil {
			t.Errorf("AuthEndpoint(%s): %v", c.role, err)
			continue
		}
		if got != c.want {
			t.Errorf("AuthEndpoint(%s): got %q, want %q", c.role, got, c.want)
		}
	}
}

func TestAuthEndpoint_InvalidRole(t *testing.T) {
	if _, err := AuthEndpoint(Role("root")); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("err: got %v, want ErrInvalidRole", err)
	}
}
