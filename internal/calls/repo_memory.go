package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is the process-local backend. A single mutex makes every
// operation, AcceptCAS included, atomic with respect to the others.
type MemoryRepo struct {
	mu           sync.Mutex
	calls        map[string]Call
	participants map[string][]Participant
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		calls:        make(map[string]Call),
		participants: make(map[string][]Participant),
	}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call, participants []Participant) error {
	if c.ID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[c.ID]; exists {
		return ErrConflict
	}
	r.calls[c.ID] = c.clone()
	ps := make([]Participant, 0, len(participants))
	for _, p := range participants {
		ps = append(ps, p.clone())
	}
	r.participants[c.ID] = ps
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c.clone(), nil
}

// Has reports whether the call is held by this repo.
func (r *MemoryRepo) Has(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[callID]
	return ok
}

func (r *MemoryRepo) AcceptCAS(ctx context.Context, callID, responderID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return false, nil
	}
	if c.Status != StatusRinging || c.AcceptedByUserID != "" {
		return false, nil
	}
	if c.RingExpiresAt != nil && !c.RingExpiresAt.After(now) {
		return false, nil
	}
	c.Status = StatusAccepted
	c.AcceptedByUserID = responderID
	started := now
	c.StartedAt = &started
	c.UpdatedAt = now
	r.calls[callID] = c
	return true, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, callID string, status Status, p Patch) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if !CanTransition(c.Status, status) {
		return Call{}, transitionErr(c.Status)
	}
	c.Status = status
	c.UpdatedAt = p.At
	if status.Terminal() {
		at := p.At
		c.EndedAt = &at
	}
	if p.EndedBy != "" {
		c.EndedBy = p.EndedBy
	}
	if p.Reason != "" {
		c.Reason = p.Reason
	}
	c.Metadata = mergeMeta(c.Metadata, p.Metadata)
	r.calls[callID] = c
	return c.clone(), nil
}

func (r *MemoryRepo) MergeMetadata(ctx context.Context, callID string, kv map[string]string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.Metadata = mergeMeta(c.Metadata, kv)
	c.UpdatedAt = now
	r.calls[callID] = c
	return nil
}

func (r *MemoryRepo) FindTimedOutCalls(ctx context.Context, now time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Status == StatusRinging && c.RingExpiresAt != nil && c.RingExpiresAt.Before(now) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RingExpiresAt.Before(*out[j].RingExpiresAt) })
	return out, nil
}

func (r *MemoryRepo) Participants(ctx context.Context, callID string) ([]Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[callID]; !ok {
		return nil, ErrNotFound
	}
	ps := r.participants[callID]
	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.clone())
	}
	return out, nil
}

func (r *MemoryRepo) SetParticipantState(ctx context.Context, callID, userID string, state ParticipantState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.participants[callID]
	if !ok {
		return ErrNotFound
	}
	found := false
	for i := range ps {
		if ps[i].UserID != userID {
			continue
		}
		found = true
		applyParticipantState(&ps[i], state, at)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (r *MemoryRepo) AppendStats(ctx context.Context, callID, userID string, s StatsSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.participants[callID]
	if !ok {
		return ErrNotFound
	}
	for i := range ps {
		if ps[i].UserID == userID {
			ps[i].Stats = append(ps[i].Stats, s)
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.OrgID != orgID {
			continue
		}
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func applyParticipantState(p *Participant, state ParticipantState, at time.Time) {
	p.State = state
	switch state {
	case ParticipantJoined:
		if p.JoinedAt == nil {
			t := at
			p.JoinedAt = &t
		}
	case ParticipantLeft:
		t := at
		p.LeftAt = &t
	}
}

func mergeMeta(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
