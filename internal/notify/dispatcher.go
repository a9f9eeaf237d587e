package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/classpulse/classpulse/internal/api"
	"github.com/classpulse/classpulse/internal/bus"
	"github.com/classpulse/classpulse/internal/channel"
	"github.com/classpulse/classpulse/internal/registry"
)

// historyLimit caps the initial REST fetch.
const historyLimit = 50

// Sounder plays the notification sound. Optional.
type Sounder interface {
	Play()
}

// Toaster shows a transient message. Kind is "success", "error", or "info".
// Optional.
type Toaster interface {
	Show(kind, title, message string)
}

// Dispatcher bridges one principal's channel events into inbox state and side
// effects. Create with NewDispatcher, call Start, and Close on unmount or
// logout. Command methods (mark read, delete) call the backend first and only
// then touch local state, so a failed command never corrupts the list.
type Dispatcher struct {
	role        channel.Role
	principalID string
	conn        *registry.Connection
	api         *api.Client
	bus         *bus.Bus

	sound Sounder
	toast Toaster
	now   func() time.Time

	active      atomic.Bool
	localSeq    atomic.Int64
	channelName string
	box         inbox
}

// NewDispatcher creates a dispatcher for the principal behind conn.
func NewDispatcher(role channel.Role, principalID string, conn *registry.Connection, apiClient *api.Client, b *bus.Bus) *Dispatcher {
	return &Dispatcher{
		role:        role,
		principalID: principalID,
		conn:        conn,
		api:         apiClient,
		bus:         b,
		now:         time.Now,
	}
}

// SetSounder wires the notification sound. Call before Start.
func (d *Dispatcher) SetSounder(s Sounder) { d.sound = s }

// SetToaster wires the transient message sink. Call before Start.
func (d *Dispatcher) SetToaster(t Toaster) { d.toast = t }

// Start subscribes the principal's channels and loads the notification
// history. Subscription outcomes are logged, not returned: a missed channel
// degrades to REST-only operation. A failed history fetch likewise leaves the
// dispatcher live-only; Refetch recovers it later.
func (d *Dispatcher) Start(ctx context.Context) error {
	name, err := channel.Private(d.role, d.principalID)
	if err != nil {
		return err
	}
	d.channelName = name
	d.active.Store(true)

	outcome := d.conn.Subscribe(name, ".notification", d.handleNotification)
	slog.Info("notify: role channel subscription",
		"role", d.role, "channel", name, "outcome", outcome)

	switch d.role {
	case channel.RoleTeacher:
		d.conn.Subscribe(name, ".content.decision", d.handleContentDecision)
		d.conn.Subscribe(name, ".slot.decision", d.handleSlotDecision)
	case channel.RoleAdmin:
		d.conn.Subscribe(channel.AllAdmins, ".ContentChangeRequested", d.handleContentChangeRequested)
	}

	if err := d.Refetch(ctx); err != nil {
		slog.Warn("notify: initial history fetch failed, continuing live-only", "err", err)
	}
	return nil
}

// Close detaches the dispatcher: channel subscriptions are released and late
// callbacks become no-ops. Connection teardown stays with the registry owner.
func (d *Dispatcher) Close() {
	if !d.active.CompareAndSwap(true, false) {
		return
	}
	d.conn.Unsubscribe(d.channelName)
	if d.role == channel.RoleAdmin {
		d.conn.Unsubscribe(channel.AllAdmins)
	}
}

// Records returns the current list, newest first, and the unread count.
func (d *Dispatcher) Records() ([]Record, int) {
	return d.box.snapshot()
}

// UnreadCount returns the unread counter.
func (d *Dispatcher) UnreadCount() int {
	return d.box.unreadCount()
}

// Refetch loads the history and merges it with whatever arrived live.
func (d *Dispatcher) Refetch(ctx context.Context) error {
	items, _, err := d.api.Notifications(ctx, historyLimit)
	if err != nil {
		return err
	}
	if !d.active.Load() {
		return nil
	}
	fetched := make([]Record, 0, len(items))
	for _, n := range items {
		fetched = append(fetched, fromAPI(n))
	}
	d.box.merge(fetched)
	return nil
}

// MarkAsRead marks one record read, backend first. Local state is untouched
// when the call fails.
func (d *Dispatcher) MarkAsRead(ctx context.Context, id api.ID) error {
	if err := d.api.MarkRead(ctx, id); err != nil {
		return err
	}
	if d.active.Load() {
		d.box.markRead(id, d.now().Format(time.RFC3339))
	}
	return nil
}

// MarkAllAsRead marks every record read, backend first.
func (d *Dispatcher) MarkAllAsRead(ctx context.Context) error {
	if _, err := d.api.MarkAllRead(ctx); err != nil {
		return err
	}
	if d.active.Load() {
		d.box.markAll(d.now().Format(time.RFC3339))
	}
	return nil
}

// Delete removes one record, backend first.
func (d *Dispatcher) Delete(ctx context.Context, id api.ID) error {
	if err := d.api.Delete(ctx, id); err != nil {
		return err
	}
	if d.active.Load() {
		d.box.remove(id)
	}
	return nil
}

// handleNotification ingests a generic ".notification" event. Malformed
// payloads still surface as generic records; an event is never dropped
// silently.
func (d *Dispatcher) handleNotification(payload json.RawMessage) {
	if !d.active.Load() {
		return
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		slog.Warn("notify: malformed event surfaced as generic",
			"role", d.role, "err", err)
		if env.Type == "" {
			env.Type = string(TypeGeneric)
		}
		if env.ID == "" {
			env.ID = d.nextLocalID()
		}
	}
	d.ingest(env.toRecord())
}

type contentDecision struct {
	ID         api.ID `json:"id"`
	ApprovalID int    `json:"approval_id"`
	Status     string `json:"status"`
	Title      string `json:"title"`
	Message    string `json:"message"`
}

// handleContentDecision ingests a teacher ".content.decision" event.
func (d *Dispatcher) handleContentDecision(payload json.RawMessage) {
	if !d.active.Load() {
		return
	}
	var e contentDecision
	if err := json.Unmarshal(payload, &e); err != nil {
		slog.Warn("notify: bad content decision payload", "err", err)
		return
	}
	if e.ID == "" {
		e.ID = d.nextLocalID()
	}
	d.ingest(Record{
		ID:      e.ID,
		Type:    TypeContentDecision,
		RawType: string(TypeContentDecision),
		Title:   e.Title,
		Message: e.Message,
		Data:    payload,
	})
	d.bus.Publish(bus.TeacherApprovalUpdate, bus.ApprovalUpdate{
		ApprovalID: e.ApprovalID,
		Status:     e.Status,
	})
}

// handleSlotDecision ingests a teacher ".slot.decision" event.
func (d *Dispatcher) handleSlotDecision(payload json.RawMessage) {
	if !d.active.Load() {
		return
	}
	var e struct {
		ID      api.ID `json:"id"`
		SlotID  int    `json:"slot_id"`
		Status  string `json:"status"`
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		slog.Warn("notify: bad slot decision payload", "err", err)
		return
	}
	if e.ID == "" {
		e.ID = d.nextLocalID()
	}
	d.ingest(Record{
		ID:      e.ID,
		Type:    TypeSlotDecision,
		RawType: string(TypeSlotDecision),
		Title:   e.Title,
		Message: e.Message,
		Data:    payload,
	})
}

// handleContentChangeRequested ingests the all-admins broadcast fired when a
// teacher requests a content change.
func (d *Dispatcher) handleContentChangeRequested(payload json.RawMessage) {
	if !d.active.Load() {
		return
	}
	var e struct {
		ID      api.ID `json:"id"`
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		slog.Warn("notify: bad content change payload", "err", err)
		return
	}
	if e.ID == "" {
		e.ID = d.nextLocalID()
	}
	d.ingest(Record{
		ID:      e.ID,
		Type:    TypeContentApprovalRequested,
		RawType: string(TypeContentApprovalRequested),
		Title:   e.Title,
		Message: e.Message,
		Data:    payload,
	})
}

// ingest applies one new record and its side effects. Replayed ids are
// dropped before any side effect fires.
func (d *Dispatcher) ingest(rec Record) {
	if !d.box.prepend(rec) {
		slog.Debug("notify: duplicate event ignored", "id", rec.ID)
		return
	}
	if d.sound != nil {
		d.sound.Play()
	}
	d.showToast(rec)
	d.signal(rec)
}

func (d *Dispatcher) showToast(rec Record) {
	if d.toast == nil {
		return
	}
	kind := "info"
	switch rec.Type {
	case TypeSubscriptionApproved, TypePaymentApproved, TypeQuizApproved:
		kind = "success"
	case TypeSubscriptionRejected, TypePaymentRejected, TypeQuizRejected:
		kind = "error"
	}
	d.toast.Show(kind, rec.Title, rec.Message)
}

// signal publishes the cross-component events other UI fragments react to.
func (d *Dispatcher) signal(rec Record) {
	switch d.role {
	case channel.RoleAdmin:
		d.bus.Publish(bus.AdminNotification, &rec)
	case channel.RoleStudent:
		d.bus.Publish(bus.StudentNotification, &rec)
	case channel.RoleParent:
		d.bus.Publish(bus.ParentNotification, &rec)
	}

	switch rec.Type {
	case TypeQuizApproved, TypeQuizRejected:
		var data struct {
			QuizID int `json:"quiz_id"`
		}
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			slog.Warn("notify: quiz event without quiz_id", "id", rec.ID, "err", err)
			return
		}
		status := "approved"
		if rec.Type == TypeQuizRejected {
			status = "rejected"
		}
		d.bus.Publish(bus.QuizStatusChange, bus.QuizStatusUpdate{
			QuizID: data.QuizID,
			Status: status,
		})
	}
}

func (d *Dispatcher) nextLocalID() api.ID {
	return api.ID(fmt.Sprintf("local-%d", d.localSeq.Add(1)))
}
