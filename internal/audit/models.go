package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - org_id is required for tenancy isolation.
// - actor and ip capture are best-effort; do not block call flows on audit failures.
type Event struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"orgId" db:"org_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event, or "system"
	// for sweeper expirations.
	ActorUserID string `json:"actorUserId,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actorRole,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when the event came from a request.
	IPAddress string `json:"ipAddress,omitempty" db:"ip_address"`

	CallID     string `json:"callId,omitempty" db:"call_id"`
	FromStatus string `json:"fromStatus,omitempty" db:"from_status"`
	ToStatus   string `json:"toStatus,omitempty" db:"to_status"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type EventType string

const (
	EventTypeCallTransition EventType = "call_transition"
	EventTypeAvailability   EventType = "availability_change"
)
