package notify

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/classpulse/classpulse/internal/api"
)

// Type discriminates the payload shape of a notification. The set is closed;
// anything the backend sends outside it normalizes to TypeGeneric so new
// backend types surface in the list before the client learns to render them.
type Type string

const (
	TypeNewSubscription          Type = "new_subscription"
	TypeSubscriptionApproved     Type = "subscription_approved"
	TypeSubscriptionRejected     Type = "subscription_rejected"
	TypeNewPayment               Type = "new_payment"
	TypePaymentApproved          Type = "payment_approved"
	TypePaymentRejected          Type = "payment_rejected"
	TypeNewPackageSubscription   Type = "new_package_subscription"
	TypeContentApprovalRequested Type = "content_approval_requested"
	TypeContentDecision          Type = "content_decision"
	TypeSlotDecision             Type = "slot_decision"
	TypeQuizApproved             Type = "quiz_approved"
	TypeQuizRejected             Type = "quiz_rejected"
	TypeGeneral                  Type = "general"

	// TypeGeneric is the fallback for unknown tags. Record.RawType keeps the
	// original string.
	TypeGeneric Type = "generic"
)

// ParseType maps a wire tag to a known Type, or TypeGeneric.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case TypeNewSubscription, TypeSubscriptionApproved, TypeSubscriptionRejected,
		TypeNewPayment, TypePaymentApproved, TypePaymentRejected,
		TypeNewPackageSubscription, TypeContentApprovalRequested,
		TypeContentDecision, TypeSlotDecision,
		TypeQuizApproved, TypeQuizRejected, TypeGeneral:
		return t
	}
	return TypeGeneric
}

// Record is one normalized notification, ordered by recency in the inbox.
type Record struct {
	ID      api.ID
	Type    Type
	RawType string
	Title   string
	Message string
	Data    json.RawMessage
	Read    bool
	// CreatedAt and ReadAt carry the backend's timestamp strings unmodified.
	CreatedAt string
	ReadAt    *string
}

// Envelope is the minimum inbound event contract.
type Envelope struct {
	ID        api.ID          `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	CreatedAt string          `json:"created_at"`
}

var envValidate = validator.New(validator.WithRequiredStructEnabled())

// decodeEnvelope parses and validates one event payload.
func decodeEnvelope(payload json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, err
	}
	if err := envValidate.Struct(env); err != nil {
		return env, err
	}
	return env, nil
}

// toRecord normalizes a validated envelope. Every record starts unread.
func (e Envelope) toRecord() Record {
	created := e.CreatedAt
	if created == "" {
		created = e.Timestamp
	}
	return Record{
		ID:        e.ID,
		Type:      ParseType(e.Type),
		RawType:   e.Type,
		Title:     e.Title,
		Message:   e.Message,
		Data:      e.Data,
		CreatedAt: created,
	}
}

// fromAPI converts a REST history record.
func fromAPI(n api.Notification) Record {
	created := n.CreatedAt
	if created == "" {
		created = n.Timestamp
	}
	return Record{
		ID:        n.ID,
		Type:      ParseType(n.Type),
		RawType:   n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Read:      n.IsRead,
		CreatedAt: created,
		ReadAt:    n.ReadAt,
	}
}
