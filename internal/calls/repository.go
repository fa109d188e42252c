package calls

import (
	"context"
	"time"
)

// Repository owns the Call and Participant lifecycle.
//
// AcceptCAS is the only write allowed to set AcceptedByUserID and must be a
// single atomic conditional update. UpdateStatus applies only transitions
// permitted by CanTransition, atomically against the stored status; a refused
// transition returns ErrConflict (call already terminal) or ErrInvalidState.
type Repository interface {
	Create(ctx context.Context, c Call, participants []Participant) error
	Get(ctx context.Context, callID string) (Call, error)
	AcceptCAS(ctx context.Context, callID, responderID string, now time.Time) (bool, error)
	UpdateStatus(ctx context.Context, callID string, status Status, p Patch) (Call, error)
	MergeMetadata(ctx context.Context, callID string, kv map[string]string, now time.Time) error
	FindTimedOutCalls(ctx context.Context, now time.Time) ([]Call, error)
	Participants(ctx context.Context, callID string) ([]Participant, error)
	SetParticipantState(ctx context.Context, callID, userID string, state ParticipantState, at time.Time) error
	AppendStats(ctx context.Context, callID, userID string, s StatsSample) error
	ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]Call, error)
}
