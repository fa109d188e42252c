package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service logs internal audit information.
//
// Audit is internal-only and callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrgID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records one call status change. from is empty when the call
// was created directly in to.
func (s *Service) LogTransition(ctx context.Context, orgID, callID, actorUserID, actorRole, from, to, reason string) error {
	if callID == "" || to == "" {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{
		OrgID:       orgID,
		Type:        EventTypeCallTransition,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		CallID:      callID,
		FromStatus:  from,
		ToStatus:    to,
		Message:     reason,
	})
}

// LogAvailability records a responder changing their own availability.
func (s *Service) LogAvailability(ctx context.Context, orgID, userID, role, status string) error {
	return s.Append(ctx, Event{
		OrgID:       orgID,
		Type:        EventTypeAvailability,
		ActorUserID: userID,
		ActorRole:   role,
		ToStatus:    status,
	})
}

func (s *Service) CallHistory(ctx context.Context, callID string) ([]Event, error) {
	return s.repo.ListByCall(ctx, callID)
}
