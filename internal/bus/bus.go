package bus

import (
	"log/slog"
	"sync"
)

// Signal names a cross-component event. Only the constants below are valid;
// Publish rejects anything else so call sites cannot drift into ad-hoc
// string literals.
type Signal string

const (
	// AdminNotification carries a *notify.Record for each inbound admin event.
	AdminNotification Signal = "admin-notification"

	// StudentNotification carries a *notify.Record for each inbound student event.
	StudentNotification Signal = "student-notification"

	// ParentNotification carries a *notify.Record for each inbound parent event.
	ParentNotification Signal = "parent-notification"

	// TeacherApprovalUpdate carries an ApprovalUpdate when a teacher's
	// content-change request is decided.
	TeacherApprovalUpdate Signal = "teacher-approval-update"

	// QuizStatusChange carries a QuizStatusUpdate when a quiz review lands.
	QuizStatusChange Signal = "quiz-status-change"
)

// ApprovalUpdate is the TeacherApprovalUpdate payload.
type ApprovalUpdate struct {
	ApprovalID int    `json:"approval_id"`
	Status     string `json:"status"` // "approved" | "rejected"
}

// QuizStatusUpdate is the QuizStatusChange payload.
type QuizStatusUpdate struct {
	QuizID int    `json:"quizId"`
	Status string `json:"status"` // "approved" | "rejected"
}

// known reports whether s is part of the signal registry.
func (s Signal) known() bool {
	switch s {
	case AdminNotification, StudentNotification, ParentNotification,
		TeacherApprovalUpdate, QuizStatusChange:
		return true
	}
	return false
}

// Handler receives a published payload. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(payload any)

// Bus fans published payloads out to every subscriber of the signal.
// The zero value is not usable; call New.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[Signal]map[int]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Signal]map[int]Handler)}
}

// Subscribe registers fn for sig and returns a cancel function. Cancelling
// twice is a no-op.
func (b *Bus) Subscribe(sig Signal, fn Handler) (cancel func()) {
	if !sig.known() {
		slog.Warn("bus: subscribe to unknown signal ignored", "signal", string(sig))
		return func() {}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[sig] == nil {
		b.subs[sig] = make(map[int]Handler)
	}
	b.subs[sig][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sig], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers payload to every current subscriber of sig. Delivery
// order between subscribers is unspecified. Unknown signals are logged and
// dropped.
func (b *Bus) Publish(sig Signal, payload any) {
	if !sig.known() {
		slog.Warn("bus: publish to unknown signal dropped", "signal", string(sig))
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[sig]))
	for _, fn := range b.subs[sig] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// Count returns the number of active subscribers for sig.
func (b *Bus) Count(sig Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sig])
}
