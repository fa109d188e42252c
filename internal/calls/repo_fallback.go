package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"call-signaling/pkg/logger"
)

// FallbackRepo keeps calls flowing when the durable store refuses a create.
// The call is then held in memory, and every later operation on that id is
// served from memory. Calls the primary accepted never touch memory.
type FallbackRepo struct {
	primary Repository
	memory  *MemoryRepo
	log     *slog.Logger
	// OnFallback is called once per degraded create. Optional.
	OnFallback func(op string)
}

func NewFallbackRepo(primary Repository, l *slog.Logger) *FallbackRepo {
	return &FallbackRepo{
		primary: primary,
		memory:  NewMemoryRepo(),
		log:     logger.Component(l, "calls.fallback"),
	}
}

func (r *FallbackRepo) pick(callID string) Repository {
	if r.memory.Has(callID) {
		return r.memory
	}
	return r.primary
}

func (r *FallbackRepo) Create(ctx context.Context, c Call, participants []Participant) error {
	err := r.primary.Create(ctx, c, participants)
	if err == nil || !errors.Is(err, ErrStorage) {
		return err
	}
	r.log.Warn("primary store create failed; holding call in memory", "call_id", c.ID, "error", err)
	if r.OnFallback != nil {
		r.OnFallback("create")
	}
	return r.memory.Create(ctx, c, participants)
}

func (r *FallbackRepo) Get(ctx context.Context, callID string) (Call, error) {
	return r.pick(callID).Get(ctx, callID)
}

func (r *FallbackRepo) AcceptCAS(ctx context.Context, callID, responderID string, now time.Time) (bool, error) {
	return r.pick(callID).AcceptCAS(ctx, callID, responderID, now)
}

func (r *FallbackRepo) UpdateStatus(ctx context.Context, callID string, status Status, p Patch) (Call, error) {
	return r.pick(callID).UpdateStatus(ctx, callID, status, p)
}

func (r *FallbackRepo) MergeMetadata(ctx context.Context, callID string, kv map[string]string, now time.Time) error {
	return r.pick(callID).MergeMetadata(ctx, callID, kv, now)
}

// FindTimedOutCalls merges both stores. A primary failure is logged and the
// in-memory calls are still returned so the sweeper keeps making progress.
func (r *FallbackRepo) FindTimedOutCalls(ctx context.Context, now time.Time) ([]Call, error) {
	mem, _ := r.memory.FindTimedOutCalls(ctx, now)
	prim, err := r.primary.FindTimedOutCalls(ctx, now)
	if err != nil {
		if len(mem) == 0 {
			return nil, err
		}
		r.log.Warn("primary store sweep query failed", "error", err)
	}
	return append(prim, mem...), nil
}

func (r *FallbackRepo) Participants(ctx context.Context, callID string) ([]Participant, error) {
	return r.pick(callID).Participants(ctx, callID)
}

func (r *FallbackRepo) SetParticipantState(ctx context.Context, callID, userID string, state ParticipantState, at time.Time) error {
	return r.pick(callID).SetParticipantState(ctx, callID, userID, state, at)
}

func (r *FallbackRepo) AppendStats(ctx context.Context, callID, userID string, s StatsSample) error {
	return r.pick(callID).AppendStats(ctx, callID, userID, s)
}

func (r *FallbackRepo) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]Call, error) {
	mem, _ := r.memory.ListCalls(ctx, orgID, from, to)
	prim, err := r.primary.ListCalls(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	return append(prim, mem...), nil
}
