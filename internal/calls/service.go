package calls

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/events"
	"call-signaling/internal/rbac"
	"call-signaling/internal/routing"
	"call-signaling/pkg/logger"

	"github.com/google/uuid"
)

const (
	ReasonNoResponder = "no available responder"
	ReasonRingTimeout = "ring timeout"
	ReasonDeclined    = "declined"
)

// Router produces candidate responders for a new call.
type Router interface {
	Resolve(ctx context.Context, req routing.Request) ([]string, error)
}

// Audience names everyone who should hear about a call event.
type Audience struct {
	OrgID        string
	CallID       string
	RequesterID  string
	ResponderIDs []string
}

// Notifier delivers call events to connected parties.
type Notifier interface {
	// Invite delivers the invite to one responder, buffering it if the
	// responder has no live connection.
	Invite(ctx context.Context, responderID string, ev events.CallInitiated)
	Publish(ctx context.Context, to Audience, ev events.Event)
	// ClearInvites drops buffered invites for the call.
	ClearInvites(ctx context.Context, callID string, responderIDs []string)
}

// Auditor records call transitions. Failures are logged, never returned.
type Auditor interface {
	LogTransition(ctx context.Context, orgID, callID, actorUserID, actorRole, from, to, reason string) error
}

// Metrics observes call outcomes.
type Metrics interface {
	CallStatus(status Status)
	AcceptConflict()
	Expired(n int)
}

type Options struct {
	RingTimeout  time.Duration
	DefaultOrgID string
	Auditor      Auditor
	Metrics      Metrics
	Logger       *slog.Logger
}

// Service owns the call lifecycle: initiate, accept, decline, cancel, end
// and the ring-timeout sweep. The repository is the single source of truth;
// every terminal transition is broadcast.
type Service struct {
	repo        Repository
	router      Router
	notifier    Notifier
	audit       Auditor
	metrics     Metrics
	log         *slog.Logger
	ringTimeout time.Duration
	defaultOrg  string

	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

func NewService(repo Repository, router Router, notifier Notifier, opts Options) *Service {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 45 * time.Second
	}
	if opts.DefaultOrgID == "" {
		opts.DefaultOrgID = "default"
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Service{
		repo:        repo,
		router:      router,
		notifier:    notifier,
		audit:       opts.Auditor,
		metrics:     opts.Metrics,
		log:         logger.Component(opts.Logger, "calls"),
		ringTimeout: opts.RingTimeout,
		defaultOrg:  opts.DefaultOrgID,
		clock:       time.Now,
		newID:       uuid.NewString,
	}
}

func (s *Service) Repository() Repository { return s.repo }

// InitiateRequest is the requester's call request.
type InitiateRequest struct {
	TargetResponderID string `json:"targetStaffId,omitempty"`
	Department        string `json:"department,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RequesterName     string `json:"clientName,omitempty"`
	RequesterAvatar   string `json:"clientAvatar,omitempty"`
}

// Initiate creates a call. With no routable candidate the call is stored
// directly as missed and returned together with ErrUnavailable.
func (s *Service) Initiate(ctx context.Context, id auth.Identity, req InitiateRequest) (Call, error) {
	if id.UserID == "" {
		return Call{}, ErrForbidden
	}
	if !rbac.IsRequester(id.Role) && !rbac.IsAdmin(id.Role) {
		return Call{}, ErrForbidden
	}
	orgID := id.OrgID
	if orgID == "" {
		orgID = s.defaultOrg
	}

	candidates, err := s.router.Resolve(ctx, routing.Request{
		OrgID:       orgID,
		RequesterID: id.UserID,
		Target:      req.TargetResponderID,
		Department:  req.Department,
	})
	if err != nil {
		// Directory failures end the call now instead of ringing forever.
		s.log.Warn("routing failed", "org_id", orgID, "err", err)
		candidates = nil
	}

	now := s.clock().UTC()
	c := Call{
		ID:              s.newID(),
		OrgID:           orgID,
		CreatedByUserID: id.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Reason:          strings.TrimSpace(req.Reason),
	}
	participants := []Participant{{
		ID:     s.newID(),
		CallID: c.ID,
		UserID: id.UserID,
		Role:   ParticipantClient,
		State:  ParticipantInvited,
	}}

	if len(candidates) == 0 {
		c.Status = StatusMissed
		c.Reason = ReasonNoResponder
		c.EndedAt = &now
		if err := s.repo.Create(ctx, c, participants); err != nil {
			return Call{}, err
		}
		s.log.Info("call missed at creation", "call_id", c.ID, "org_id", orgID, "requester_id", id.UserID)
		s.record(ctx, c, id, "", StatusMissed)
		return c, ErrUnavailable
	}

	expires := now.Add(s.ringTimeout)
	c.Status = StatusRinging
	c.RingExpiresAt = &expires
	for _, rid := range candidates {
		participants = append(participants, Participant{
			ID:     s.newID(),
			CallID: c.ID,
			UserID: rid,
			Role:   ParticipantStaff,
			State:  ParticipantInvited,
		})
	}
	if err := s.repo.Create(ctx, c, participants); err != nil {
		return Call{}, err
	}
	s.log.Info("call ringing", "call_id", c.ID, "org_id", orgID, "requester_id", id.UserID, "candidates", len(candidates))

	invite := events.CallInitiated{
		CallID:        c.ID,
		OrgID:         orgID,
		Requester:     events.Party{ID: id.UserID, Name: req.RequesterName, Avatar: req.RequesterAvatar},
		Reason:        c.Reason,
		CreatedAt:     now,
		RingExpiresAt: expires,
	}
	for _, rid := range candidates {
		s.notifier.Invite(ctx, rid, invite)
	}
	orgInvite := invite
	if req.TargetResponderID != "" {
		orgInvite.TargetResponderID = candidates[0]
	}
	s.notifier.Publish(ctx, Audience{OrgID: orgID}, orgInvite)
	s.notifier.Publish(ctx, Audience{CallID: c.ID}, events.CallUpdate{CallID: c.ID, State: string(StatusRinging)})
	s.record(ctx, c, id, "", StatusRinging)
	return c, nil
}

// Accept claims a ringing call for the calling responder. Exactly one
// concurrent Accept succeeds; the rest get ErrConflict.
func (s *Service) Accept(ctx context.Context, id auth.Identity, callID string) (Call, error) {
	if !rbac.IsResponder(id.Role) && !rbac.IsAdmin(id.Role) {
		return Call{}, ErrForbidden
	}
	c, ps, err := s.load(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !rbac.IsAdmin(id.Role) && !IsParticipant(ps, id.UserID, ParticipantStaff) {
		return Call{}, ErrForbidden
	}

	now := s.clock().UTC()
	ok, err := s.repo.AcceptCAS(ctx, callID, id.UserID, now)
	if err != nil {
		return Call{}, err
	}
	if !ok {
		s.metrics.AcceptConflict()
		if c.Status == StatusRinging && c.RingExpiresAt != nil && !c.RingExpiresAt.After(now) {
			// Past its deadline but not swept yet.
			s.expire(ctx, c, now)
		}
		s.log.Info("accept lost", "call_id", callID, "responder_id", id.UserID)
		return Call{}, ErrConflict
	}

	for _, uid := range []string{c.CreatedByUserID, id.UserID} {
		if err := s.repo.SetParticipantState(ctx, callID, uid, ParticipantJoined, now); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("participant join not recorded", "call_id", callID, "user_id", uid, "err", err)
		}
	}
	accepted, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	s.log.Info("call accepted", "call_id", callID, "responder_id", id.UserID)

	aud := audienceOf(accepted, ps)
	s.notifier.ClearInvites(ctx, callID, aud.ResponderIDs)
	s.notifier.Publish(ctx, aud, events.CallAccepted{
		CallID:    callID,
		Responder: events.Party{ID: id.UserID},
		StartedAt: now,
	})
	s.notifier.Publish(ctx, Audience{CallID: callID}, events.CallUpdate{
		CallID:      callID,
		State:       string(StatusAccepted),
		ResponderID: id.UserID,
	})
	s.record(ctx, accepted, id, c.Status, StatusAccepted)
	return accepted, nil
}

// Decline ends a pending call on behalf of an invited responder.
func (s *Service) Decline(ctx context.Context, id auth.Identity, callID, reason string) (Call, error) {
	if !rbac.IsResponder(id.Role) && !rbac.IsAdmin(id.Role) {
		return Call{}, ErrForbidden
	}
	c, ps, err := s.load(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !rbac.IsAdmin(id.Role) && !IsParticipant(ps, id.UserID, ParticipantStaff) {
		return Call{}, ErrForbidden
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = ReasonDeclined
	}
	now := s.clock().UTC()
	declined, err := s.repo.UpdateStatus(ctx, callID, StatusDeclined, Patch{At: now, EndedBy: id.UserID, Reason: reason})
	if err != nil {
		return Call{}, err
	}
	s.log.Info("call declined", "call_id", callID, "responder_id", id.UserID, "reason", reason)

	aud := audienceOf(declined, ps)
	s.notifier.ClearInvites(ctx, callID, aud.ResponderIDs)
	s.notifier.Publish(ctx, aud, events.CallDeclined{CallID: callID, ResponderID: id.UserID, Reason: reason})
	s.notifier.Publish(ctx, Audience{CallID: callID}, events.CallUpdate{CallID: callID, State: string(StatusDeclined), ResponderID: id.UserID, Reason: reason})
	s.record(ctx, declined, id, c.Status, StatusDeclined)
	return declined, nil
}

// Cancel withdraws a pending call; only its requester may do so.
func (s *Service) Cancel(ctx context.Context, id auth.Identity, callID string) (Call, error) {
	c, ps, err := s.load(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.CreatedByUserID != id.UserID {
		return Call{}, ErrForbidden
	}
	now := s.clock().UTC()
	canceled, err := s.repo.UpdateStatus(ctx, callID, StatusCanceled, Patch{At: now, EndedBy: id.UserID, Reason: "canceled"})
	if err != nil {
		return Call{}, err
	}
	s.log.Info("call canceled", "call_id", callID, "requester_id", id.UserID)

	aud := audienceOf(canceled, ps)
	s.notifier.ClearInvites(ctx, callID, aud.ResponderIDs)
	s.notifier.Publish(ctx, aud, events.CallCanceled{CallID: callID, RequesterID: id.UserID})
	s.notifier.Publish(ctx, Audience{CallID: callID}, events.CallUpdate{CallID: callID, State: string(StatusCanceled)})
	s.record(ctx, canceled, id, c.Status, StatusCanceled)
	return canceled, nil
}

// End hangs up an accepted call. Either party may end it.
func (s *Service) End(ctx context.Context, id auth.Identity, callID string) (Call, error) {
	c, ps, err := s.load(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if id.UserID == "" || (id.UserID != c.CreatedByUserID && id.UserID != c.AcceptedByUserID) {
		return Call{}, ErrForbidden
	}
	now := s.clock().UTC()
	ended, err := s.repo.UpdateStatus(ctx, callID, StatusEnded, Patch{At: now, EndedBy: id.UserID})
	if err != nil {
		return Call{}, err
	}
	for _, p := range ps {
		if p.State != ParticipantJoined {
			continue
		}
		if err := s.repo.SetParticipantState(ctx, callID, p.UserID, ParticipantLeft, now); err != nil {
			s.log.Warn("participant leave not recorded", "call_id", callID, "user_id", p.UserID, "err", err)
		}
	}
	s.log.Info("call ended", "call_id", callID, "ended_by", id.UserID)

	aud := audienceOf(ended, ps)
	s.notifier.Publish(ctx, aud, events.CallEnded{CallID: callID, EndedBy: id.UserID, EndedAt: now})
	s.notifier.Publish(ctx, Audience{CallID: callID}, events.CallUpdate{CallID: callID, State: string(StatusEnded)})
	s.record(ctx, ended, id, c.Status, StatusEnded)
	return ended, nil
}

// Get returns the call and its participants to a participant or an admin
// of the same org.
func (s *Service) Get(ctx context.Context, id auth.Identity, callID string) (Call, []Participant, error) {
	c, ps, err := s.load(ctx, callID)
	if err != nil {
		return Call{}, nil, err
	}
	if rbac.IsAdmin(id.Role) && id.OrgID == c.OrgID {
		return c, ps, nil
	}
	if !isAnyParticipant(ps, id.UserID) {
		return Call{}, nil, ErrForbidden
	}
	return c, ps, nil
}

// RecordStats appends a connection-quality sample for the caller.
func (s *Service) RecordStats(ctx context.Context, id auth.Identity, callID string, sample StatsSample) error {
	_, ps, err := s.load(ctx, callID)
	if err != nil {
		return err
	}
	if !isAnyParticipant(ps, id.UserID) {
		return ErrForbidden
	}
	if sample.Bitrate < 0 || sample.PacketLoss < 0 || sample.Jitter < 0 {
		return ErrInvalidArgument
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.clock().UTC()
	}
	return s.repo.AppendStats(ctx, callID, id.UserID, sample)
}

// SweepExpired moves every ringing call past its deadline to missed and
// returns how many this pass expired. Calls accepted or resolved in the
// meantime are skipped; overlapping passes expire each call once.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	due, err := s.repo.FindTimedOutCalls(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if s.expire(ctx, c, now) {
			n++
		}
	}
	if n > 0 {
		s.metrics.Expired(n)
	}
	return n, nil
}

// expire applies ringing -> missed. It reports false when another writer
// got there first.
func (s *Service) expire(ctx context.Context, c Call, now time.Time) bool {
	missed, err := s.repo.UpdateStatus(ctx, c.ID, StatusMissed, Patch{At: now, Reason: ReasonRingTimeout})
	if err != nil {
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			s.log.Error("expire failed", "call_id", c.ID, "err", err)
		}
		return false
	}
	s.log.Info("call missed", "call_id", c.ID, "reason", ReasonRingTimeout)

	ps, err := s.repo.Participants(ctx, c.ID)
	if err != nil {
		s.log.Warn("participants unavailable for missed call", "call_id", c.ID, "err", err)
	}
	aud := audienceOf(missed, ps)
	s.notifier.ClearInvites(ctx, c.ID, aud.ResponderIDs)
	s.notifier.Publish(ctx, aud, events.CallMissed{CallID: c.ID, Reason: ReasonRingTimeout, At: now})
	s.notifier.Publish(ctx, Audience{CallID: c.ID}, events.CallUpdate{CallID: c.ID, State: string(StatusMissed), Reason: ReasonRingTimeout})
	s.record(ctx, missed, auth.Identity{}, c.Status, StatusMissed)
	return true
}

func (s *Service) load(ctx context.Context, callID string) (Call, []Participant, error) {
	if strings.TrimSpace(callID) == "" {
		return Call{}, nil, ErrInvalidArgument
	}
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, nil, err
	}
	ps, err := s.repo.Participants(ctx, callID)
	if err != nil {
		return Call{}, nil, err
	}
	return c, ps, nil
}

func (s *Service) record(ctx context.Context, c Call, actor auth.Identity, from, to Status) {
	s.metrics.CallStatus(to)
	if s.audit == nil {
		return
	}
	actorID := actor.UserID
	if actorID == "" {
		actorID = "system"
	}
	if err := s.audit.LogTransition(ctx, c.OrgID, c.ID, actorID, actor.Role, string(from), string(to), c.Reason); err != nil {
		s.log.Warn("audit append failed", "call_id", c.ID, "err", err)
	}
}

func audienceOf(c Call, ps []Participant) Audience {
	return Audience{
		OrgID:        c.OrgID,
		CallID:       c.ID,
		RequesterID:  c.CreatedByUserID,
		ResponderIDs: ResponderIDs(ps),
	}
}

func isAnyParticipant(ps []Participant, userID string) bool {
	if userID == "" {
		return false
	}
	for _, p := range ps {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

type nopNotifier struct{}

func (nopNotifier) Invite(context.Context, string, events.CallInitiated) {}
func (nopNotifier) Publish(context.Context, Audience, events.Event)      {}
func (nopNotifier) ClearInvites(context.Context, string, []string)       {}

type nopMetrics struct{}

func (nopMetrics) CallStatus(Status) {}
func (nopMetrics) AcceptConflict()   {}
func (nopMetrics) Expired(int)       {}
