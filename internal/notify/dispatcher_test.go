package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/classpulse/classpulse/internal/api"
	"github.com/classpulse/classpulse/internal/brokertest"
	"github.com/classpulse/classpulse/internal/bus"
	"github.com/classpulse/classpulse/internal/channel"
	"github.com/classpulse/classpulse/internal/config"
	"github.com/classpulse/classpulse/internal/registry"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeBackend serves the role-scoped notification REST endpoints.
type fakeBackend struct {
	srv *httptest.Server

	mu       sync.Mutex
	list     []map[string]any
	failRead bool
	readIDs  []string
	deleted  []string
}

func newFakeBackend(t *testing.T, seed []map[string]any) *fakeBackend {
	t.Helper()
	b := &fakeBackend{list: seed}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/notifications"):
		unread := 0
		for _, n := range b.list {
			if read, _ := n["is_read"].(bool); !read {
				unread++
			}
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"success": true, "data": b.list, "unread_count": unread,
		})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/read-all"):
		json.NewEncoder(w).Encode(map[string]any{"success": true, "marked_count": len(b.list)}) //nolint:errcheck
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/read"):
		if b.failRead {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		parts := strings.Split(path, "/")
		b.readIDs = append(b.readIDs, parts[len(parts)-2])
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		parts := strings.Split(path, "/")
		b.deleted = append(b.deleted, parts[len(parts)-1])
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) setFailRead(v bool) {
	b.mu.Lock()
	b.failRead = v
	b.mu.Unlock()
}

type fakeSound struct{ plays atomic.Int64 }

func (s *fakeSound) Play() { s.plays.Add(1) }

type fakeToast struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeToast) Show(kind, title, message string) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
}

func (f *fakeToast) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.kinds) == 0 {
		return ""
	}
	return f.kinds[len(f.kinds)-1]
}

// fixture wires a live broker, auth endpoint, REST stub, registry, and one
// dispatcher.
type fixture struct {
	broker  *brokertest.Broker
	backend *fakeBackend
	reg     *registry.Registry
	bus     *bus.Bus
	conn    *registry.Connection
	disp    *Dispatcher
	sound   *fakeSound
	toast   *fakeToast
}

func newFixture(t *testing.T, role channel.Role, principalID string, seed []map[string]any) *fixture {
	t.Helper()

	broker := brokertest.New(t)
	auth := broker.AuthServer(t, "t1")
	backend := newFakeBackend(t, seed)

	reg := registry.New(config.Config{
		Broker: broker.Config(),
		API:    config.APIConfig{BaseURL: auth.URL},
	})
	conn, err := reg.GetOrCreate(context.Background(), role, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !conn.Connected() {
		t.Fatal("connection not live")
	}

	f := &fixture{
		broker:  broker,
		backend: backend,
		reg:     reg,
		bus:     bus.New(),
		conn:    conn,
		sound:   &fakeSound{},
		toast:   &fakeToast{},
	}
	f.disp = NewDispatcher(role, principalID, conn, api.New(backend.srv.URL, role, "t1"), f.bus)
	f.disp.SetSounder(f.sound)
	f.disp.SetToaster(f.toast)
	if err := f.disp.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.disp.Close)
	return f
}

func (f *fixture) wireChannel(role channel.Role, id string) string {
	name, _ := channel.Private(role, id)
	return channel.WireName(name)
}

func TestQuizApprovalScenario(t *testing.T) {
	f := newFixture(t, channel.RoleTeacher, "7", nil)

	var quizUpdates []bus.QuizStatusUpdate
	var mu sync.Mutex
	f.bus.Subscribe(bus.QuizStatusChange, func(p any) {
		mu.Lock()
		quizUpdates = append(quizUpdates, p.(bus.QuizStatusUpdate))
		mu.Unlock()
	})

	wire := f.wireChannel(channel.RoleTeacher, "7")
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 1 },
		"teacher channel never subscribed")

	f.broker.Push(wire, "notification", map[string]any{
		"id": 1, "type": "quiz_approved", "title": "Quiz approved",
		"data": map[string]any{"quiz_id": 9},
	})

	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 }, "event never ingested")

	records, unread := f.disp.Records()
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	if records[0].ID != api.ID("1") || records[0].Type != TypeQuizApproved || records[0].Read {
		t.Errorf("record: got %+v", records[0])
	}
	if unread != 1 {
		t.Errorf("unread: got %d, want 1", unread)
	}
	if f.sound.plays.Load() != 1 {
		t.Errorf("sound plays: got %d, want 1", f.sound.plays.Load())
	}
	if got := f.toast.last(); got != "success" {
		t.Errorf("toast kind: got %q, want success", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(quizUpdates) != 1 {
		t.Fatalf("quiz signals: got %d, want 1", len(quizUpdates))
	}
	if quizUpdates[0].QuizID != 9 || quizUpdates[0].Status != "approved" {
		t.Errorf("quiz signal: got %+v, want {9 approved}", quizUpdates[0])
	}
}

func TestInitialFetchMergesWithLive(t *testing.T) {
	seed := []map[string]any{
		{"id": "A", "type": "general", "is_read": true},
		{"id": "B", "type": "general", "is_read": false},
	}
	f := newFixture(t, channel.RoleStudent, "3", seed)

	wire := f.wireChannel(channel.RoleStudent, "3")
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 1 },
		"student channel never subscribed")

	f.broker.Push(wire, "notification", map[string]any{"id": "C", "type": "general"})
	waitFor(t, func() bool {
		records, _ := f.disp.Records()
		return len(records) == 3
	}, "merge never completed")

	records, unread := f.disp.Records()
	read := map[api.ID]bool{}
	for _, r := range records {
		read[r.ID] = r.Read
	}
	if !read["A"] || read["B"] || read["C"] {
		t.Errorf("read states: got %v, want A read, B and C unread", read)
	}
	if unread != 2 {
		t.Errorf("unread: got %d, want 2", unread)
	}
}

func TestMarkAllThenNewEvent(t *testing.T) {
	seed := []map[string]any{
		{"id": 1, "type": "general", "is_read": false},
		{"id": 2, "type": "general", "is_read": false},
		{"id": 3, "type": "general", "is_read": false},
		{"id": 4, "type": "general", "is_read": false},
		{"id": 5, "type": "general", "is_read": false},
	}
	f := newFixture(t, channel.RoleParent, "2", seed)
	waitFor(t, func() bool { return f.disp.UnreadCount() == 5 }, "seed never loaded")

	if err := f.disp.MarkAllAsRead(context.Background()); err != nil {
		t.Fatalf("MarkAllAsRead: %v", err)
	}
	records, unread := f.disp.Records()
	if unread != 0 {
		t.Errorf("unread: got %d, want 0", unread)
	}
	for _, r := range records {
		if !r.Read {
			t.Errorf("record %s still unread", r.ID)
		}
	}

	wire := f.wireChannel(channel.RoleParent, "2")
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 1 },
		"parent channel never subscribed")
	f.broker.Push(wire, "notification", map[string]any{"id": 6, "type": "general"})
	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 },
		"new event after mark-all never counted")
}

func TestMarkAsReadBackendFailure(t *testing.T) {
	seed := []map[string]any{{"id": 1, "type": "general", "is_read": false}}
	f := newFixture(t, channel.RoleStudent, "3", seed)
	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 }, "seed never loaded")

	f.backend.setFailRead(true)
	if err := f.disp.MarkAsRead(context.Background(), api.ID("1")); err == nil {
		t.Fatal("MarkAsRead with failing backend: expected error")
	}
	// Local state untouched on command failure.
	records, unread := f.disp.Records()
	if unread != 1 || records[0].Read {
		t.Errorf("state after failed command: unread=%d read=%v, want 1/false", unread, records[0].Read)
	}

	f.backend.setFailRead(false)
	if err := f.disp.MarkAsRead(context.Background(), api.ID("1")); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if f.disp.UnreadCount() != 0 {
		t.Errorf("unread after success: got %d, want 0", f.disp.UnreadCount())
	}
}

func TestDeleteAdjustsCounter(t *testing.T) {
	seed := []map[string]any{
		{"id": 1, "type": "general", "is_read": false},
		{"id": 2, "type": "general", "is_read": true},
	}
	f := newFixture(t, channel.RoleStudent, "3", seed)
	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 }, "seed never loaded")

	if err := f.disp.Delete(context.Background(), api.ID("1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	records, unread := f.disp.Records()
	if len(records) != 1 || unread != 0 {
		t.Errorf("after delete: records=%d unread=%d, want 1/0", len(records), unread)
	}
}

func TestUnknownTypeSurfaces(t *testing.T) {
	f := newFixture(t, channel.RoleStudent, "3", nil)
	wire := f.wireChannel(channel.RoleStudent, "3")
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 1 },
		"channel never subscribed")

	f.broker.Push(wire, "notification", map[string]any{"id": 1, "type": "hologram_ready"})
	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 }, "unknown type never surfaced")

	records, _ := f.disp.Records()
	if records[0].Type != TypeGeneric {
		t.Errorf("type: got %s, want generic", records[0].Type)
	}
	if records[0].RawType != "hologram_ready" {
		t.Errorf("raw type: got %q, want hologram_ready", records[0].RawType)
	}
}

func TestMalformedEventSurfaces(t *testing.T) {
	f := newFixture(t, channel.RoleStudent, "3", nil)
	wire := f.wireChannel(channel.RoleStudent, "3")
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 1 },
		"channel never subscribed")

	// No id, no type. It still has to show up in the list.
	f.broker.Push(wire, "notification", map[string]any{"title": "mystery"})
	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 }, "malformed event never surfaced")

	records, _ := f.disp.Records()
	if records[0].Type != TypeGeneric {
		t.Errorf("type: got %s, want generic", records[0].Type)
	}
	if !strings.HasPrefix(string(records[0].ID), "local-") {
		t.Errorf("id: got %q, want a synthesized local id", records[0].ID)
	}
}

func TestAdminBroadcastChannel(t *testing.T) {
	f := newFixture(t, channel.RoleAdmin, "42", nil)

	var signals atomic.Int64
	f.bus.Subscribe(bus.AdminNotification, func(p any) {
		if _, ok := p.(*Record); ok {
			signals.Add(1)
		}
	})

	waitFor(t, func() bool { return f.broker.Subscribers(channel.AllAdmins) == 1 },
		"all-admins channel never subscribed")

	f.broker.Push(channel.AllAdmins, "ContentChangeRequested", map[string]any{
		"id": 11, "title": "Content change requested", "message": "Algebra II, unit 3",
	})

	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 }, "broadcast never ingested")
	records, _ := f.disp.Records()
	if records[0].Type != TypeContentApprovalRequested {
		t.Errorf("type: got %s, want content_approval_requested", records[0].Type)
	}
	waitFor(t, func() bool { return signals.Load() == 1 }, "admin signal never published")
}

func TestContentDecisionSignal(t *testing.T) {
	f := newFixture(t, channel.RoleTeacher, "7", nil)

	var updates []bus.ApprovalUpdate
	var mu sync.Mutex
	f.bus.Subscribe(bus.TeacherApprovalUpdate, func(p any) {
		mu.Lock()
		updates = append(updates, p.(bus.ApprovalUpdate))
		mu.Unlock()
	})

	wire := f.wireChannel(channel.RoleTeacher, "7")
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 1 },
		"teacher channel never subscribed")

	f.broker.Push(wire, "content.decision", map[string]any{
		"id": 21, "approval_id": 4, "status": "approved", "title": "Change approved",
	})

	waitFor(t, func() bool { return f.disp.UnreadCount() == 1 }, "decision never ingested")
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 || updates[0].ApprovalID != 4 || updates[0].Status != "approved" {
		t.Errorf("approval updates: got %+v, want one {4 approved}", updates)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	f := newFixture(t, channel.RoleTeacher, "7", nil)
	wire := f.wireChannel(channel.RoleTeacher, "7")
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 1 },
		"channel never subscribed")

	f.disp.Close()
	waitFor(t, func() bool { return f.broker.Subscribers(wire) == 0 },
		"broker kept the subscription after Close")

	f.broker.Push(wire, "notification", map[string]any{"id": 1, "type": "general"})
	time.Sleep(100 * time.Millisecond)
	if f.disp.UnreadCount() != 0 {
		t.Error("event ingested after Close")
	}

	// Registry teardown behind a closed dispatcher leaves nothing registered.
	f.reg.Teardown(channel.RoleTeacher)
	if f.reg.Get(channel.RoleTeacher) != nil {
		t.Error("Get after Teardown: want nil")
	}
}
