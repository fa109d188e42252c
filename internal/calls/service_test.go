package calls

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/events"
	"call-signaling/internal/routing"
)

type stubRouter struct {
	candidates []string
	err        error
	got        routing.Request
}

func (r *stubRouter) Resolve(ctx context.Context, req routing.Request) ([]string, error) {
	r.got = req
	return r.candidates, r.err
}

type published struct {
	to Audience
	ev events.Event
}

type recordingNotifier struct {
	mu        sync.Mutex
	invites   map[string][]events.CallInitiated
	published []published
	cleared   []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{invites: map[string][]events.CallInitiated{}}
}

func (n *recordingNotifier) Invite(ctx context.Context, responderID string, ev events.CallInitiated) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invites[responderID] = append(n.invites[responderID], ev)
}

func (n *recordingNotifier) Publish(ctx context.Context, to Audience, ev events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, published{to: to, ev: ev})
}

func (n *recordingNotifier) ClearInvites(ctx context.Context, callID string, responderIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared = append(n.cleared, callID)
}

func (n *recordingNotifier) count(kind events.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, p := range n.published {
		if p.ev.Kind() == kind {
			c++
		}
	}
	return c
}

type recordingAuditor struct {
	mu          sync.Mutex
	transitions []string
}

func (a *recordingAuditor) LogTransition(ctx context.Context, orgID, callID, actorUserID, actorRole, from, to, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions = append(a.transitions, from+"->"+to)
	return nil
}

var (
	client = auth.Identity{UserID: "c1", OrgID: "o1", Role: "client"}
	staff1 = auth.Identity{UserID: "r1", OrgID: "o1", Role: "staff"}
	staff2 = auth.Identity{UserID: "r2", OrgID: "o1", Role: "staff"}
)

type fixture struct {
	svc      *Service
	repo     *MemoryRepo
	router   *stubRouter
	notifier *recordingNotifier
	audit    *recordingAuditor
	now      time.Time
}

func newFixture(t *testing.T, candidates ...string) *fixture {
	t.Helper()
	f := &fixture{
		repo:     NewMemoryRepo(),
		router:   &stubRouter{candidates: candidates},
		notifier: newRecordingNotifier(),
		audit:    &recordingAuditor{},
		now:      t0,
	}
	f.svc = NewService(f.repo, f.router, f.notifier, Options{RingTimeout: 45 * time.Second, Auditor: f.audit})
	f.svc.clock = func() time.Time { return f.now }
	return f
}

func TestInitiate_TargetAvailableThenAccept(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()

	c, err := f.svc.Initiate(ctx, client, InitiateRequest{TargetResponderID: "r1", RequesterName: "Asha"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if c.Status != StatusRinging || c.RingExpiresAt == nil || !c.RingExpiresAt.Equal(t0.Add(45*time.Second)) {
		t.Fatalf("unexpected call %+v", c)
	}
	if f.router.got.Target != "r1" || f.router.got.OrgID != "o1" {
		t.Fatalf("unexpected routing request %+v", f.router.got)
	}
	if inv := f.notifier.invites["r1"]; len(inv) != 1 || inv[0].Requester.Name != "Asha" {
		t.Fatalf("expected one invite to r1, got %+v", inv)
	}

	f.now = t0.Add(5 * time.Second)
	accepted, err := f.svc.Accept(ctx, staff1, c.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted || accepted.AcceptedByUserID != "r1" {
		t.Fatalf("unexpected accepted call %+v", accepted)
	}
	if f.notifier.count(events.KindCallAccepted) != 1 {
		t.Fatalf("expected one call.accepted broadcast")
	}

	_, ps, err := f.svc.Get(ctx, client, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, p := range ps {
		if (p.UserID == "c1" || p.UserID == "r1") && p.State != ParticipantJoined {
			t.Fatalf("participant %s not joined: %s", p.UserID, p.State)
		}
	}
}

func TestInitiate_NoCandidatesIsMissed(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Initiate(context.Background(), client, InitiateRequest{TargetResponderID: "r1"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if c.Status != StatusMissed || c.Reason != ReasonNoResponder || c.RingExpiresAt != nil {
		t.Fatalf("unexpected call %+v", c)
	}
	stored, err := f.repo.Get(context.Background(), c.ID)
	if err != nil || stored.Status != StatusMissed {
		t.Fatalf("stored call must be missed: %+v err=%v", stored, err)
	}
	if f.notifier.count(events.KindCallUpdate) != 0 || len(f.notifier.invites) != 0 {
		t.Fatalf("missed-at-creation call must never ring")
	}
}

func TestInitiate_RoutingFailureIsMissed(t *testing.T) {
	f := newFixture(t, "r1")
	f.router.err = errors.New("directory down")
	if _, err := f.svc.Initiate(context.Background(), client, InitiateRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestInitiate_RequiresRequesterRole(t *testing.T) {
	f := newFixture(t, "r1")
	if _, err := f.svc.Initiate(context.Background(), staff1, InitiateRequest{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAccept_ConcurrentRespondersOneWins(t *testing.T) {
	f := newFixture(t, "r1", "r2")
	ctx := context.Background()
	c, err := f.svc.Initiate(ctx, client, InitiateRequest{Department: "cse"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for _, id := range []auth.Identity{staff1, staff2} {
		wg.Add(1)
		go func(id auth.Identity) {
			defer wg.Done()
			<-start
			_, err := f.svc.Accept(ctx, id, c.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != 1 {
		t.Fatalf("expected 1 win and 1 conflict, got %d/%d", wins.Load(), conflicts.Load())
	}
	if f.notifier.count(events.KindCallAccepted) != 1 {
		t.Fatalf("expected exactly one call.accepted broadcast")
	}
}

func TestAccept_NonParticipantForbidden(t *testing.T) {
	f := newFixture(t, "r1")
	c, _ := f.svc.Initiate(context.Background(), client, InitiateRequest{})
	outsider := auth.Identity{UserID: "r9", OrgID: "o1", Role: "staff"}
	if _, err := f.svc.Accept(context.Background(), outsider, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Accept(context.Background(), client, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("requester cannot accept, got %v", err)
	}
	if _, err := f.svc.Accept(context.Background(), staff1, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminals_AreIdempotent(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()
	c, _ := f.svc.Initiate(ctx, client, InitiateRequest{})

	if _, err := f.svc.Decline(ctx, staff1, c.ID, ""); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := f.svc.Decline(ctx, staff1, c.ID, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("second decline: expected ErrConflict, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, client, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel after decline: expected ErrConflict, got %v", err)
	}
	if _, err := f.svc.End(ctx, client, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("end after decline: expected ErrConflict, got %v", err)
	}
	if f.notifier.count(events.KindCallDeclined) != 1 {
		t.Fatalf("terminal event must be broadcast once")
	}
	got, _ := f.repo.Get(ctx, c.ID)
	if got.Status != StatusDeclined || got.Reason != ReasonDeclined {
		t.Fatalf("unexpected stored call %+v", got)
	}
}

func TestCancel_AfterAcceptIsInvalidState(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()
	c, _ := f.svc.Initiate(ctx, client, InitiateRequest{})
	if _, err := f.svc.Accept(ctx, staff1, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, client, c.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, staff1, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only the requester may cancel, got %v", err)
	}
}

func TestEnd_ByEitherPartyMarksParticipantsLeft(t *testing.T) {
	f := newFixture(t, "r1", "r2")
	ctx := context.Background()
	c, _ := f.svc.Initiate(ctx, client, InitiateRequest{})
	if _, err := f.svc.End(ctx, client, c.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("end while ringing: expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.Accept(ctx, staff1, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.End(ctx, staff2, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-accepting responder must not end, got %v", err)
	}
	f.now = t0.Add(2 * time.Minute)
	ended, err := f.svc.End(ctx, staff1, c.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != StatusEnded || ended.EndedBy != "r1" || ended.EndedAt == nil {
		t.Fatalf("unexpected ended call %+v", ended)
	}
	ps, _ := f.repo.Participants(ctx, c.ID)
	for _, p := range ps {
		if (p.UserID == "c1" || p.UserID == "r1") && p.State != ParticipantLeft {
			t.Fatalf("participant %s not left: %s", p.UserID, p.State)
		}
		if p.UserID == "r2" && p.State != ParticipantInvited {
			t.Fatalf("uninvolved responder changed state: %s", p.State)
		}
	}
	want := []string{"->ringing", "ringing->accepted", "accepted->ended"}
	if len(f.audit.transitions) != len(want) {
		t.Fatalf("unexpected audit trail %v", f.audit.transitions)
	}
	for i := range want {
		if f.audit.transitions[i] != want[i] {
			t.Fatalf("unexpected audit trail %v", f.audit.transitions)
		}
	}
}

func TestSweepExpired_ThenLateAcceptConflicts(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()
	c, _ := f.svc.Initiate(ctx, client, InitiateRequest{})

	f.now = t0.Add(time.Minute)
	n, err := f.svc.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	got, _ := f.repo.Get(ctx, c.ID)
	if got.Status != StatusMissed || got.Reason != ReasonRingTimeout {
		t.Fatalf("unexpected swept call %+v", got)
	}
	if _, err := f.svc.Accept(ctx, staff1, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("late accept: expected ErrConflict, got %v", err)
	}
	if n, _ := f.svc.SweepExpired(ctx); n != 0 {
		t.Fatalf("second sweep must be a no-op, expired %d", n)
	}
}

func TestSweepExpired_OverlappingPassesExpireOnce(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.svc.Initiate(ctx, client, InitiateRequest{}); err != nil {
			t.Fatalf("initiate: %v", err)
		}
	}
	f.now = t0.Add(time.Minute)

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.svc.SweepExpired(ctx)
			if err != nil {
				t.Errorf("sweep: %v", err)
			}
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	if total.Load() != 5 {
		t.Fatalf("expected 5 expirations across passes, got %d", total.Load())
	}
	if f.notifier.count(events.KindCallMissed) != 5 {
		t.Fatalf("expected one call.missed per call, got %d", f.notifier.count(events.KindCallMissed))
	}
}

func TestAccept_ExpiredButUnsweptIsExpiredLazily(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()
	c, _ := f.svc.Initiate(ctx, client, InitiateRequest{})

	f.now = t0.Add(46 * time.Second)
	if _, err := f.svc.Accept(ctx, staff1, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := f.repo.Get(ctx, c.ID)
	if got.Status != StatusMissed {
		t.Fatalf("expected lazy expiry to missed, got %s", got.Status)
	}
}

func TestRecordStats(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()
	c, _ := f.svc.Initiate(ctx, client, InitiateRequest{})

	if err := f.svc.RecordStats(ctx, client, c.ID, StatsSample{Bitrate: 32000}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if err := f.svc.RecordStats(ctx, auth.Identity{UserID: "x", Role: "client"}, c.ID, StatsSample{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.RecordStats(ctx, client, c.ID, StatsSample{Jitter: -1}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	ps, _ := f.repo.Participants(ctx, c.ID)
	for _, p := range ps {
		if p.UserID == "c1" && (len(p.Stats) != 1 || !p.Stats[0].Timestamp.Equal(t0)) {
			t.Fatalf("unexpected stats %+v", p.Stats)
		}
	}
}
