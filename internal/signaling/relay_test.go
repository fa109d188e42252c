package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/events"
	"call-signaling/internal/inbox"
	"call-signaling/internal/relay"
	"call-signaling/internal/routing"
	"call-signaling/pkg/logger"
)

const testOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

type fakeConn struct {
	id  string
	mu  sync.Mutex
	got []events.Event
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) bool {
	e, err := events.Decode(frame)
	if err != nil {
		return false
	}
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.got...)
}

func (c *fakeConn) count(kind events.Kind) int {
	n := 0
	for _, e := range c.events() {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

type staticRouter []string

func (r staticRouter) Resolve(ctx context.Context, req routing.Request) ([]string, error) {
	return r, nil
}

var (
	client = auth.Identity{UserID: "c1", OrgID: "o1", Role: "client"}
	staff1 = auth.Identity{UserID: "r1", OrgID: "o1", Role: "staff"}
	staff2 = auth.Identity{UserID: "r2", OrgID: "o1", Role: "staff"}
)

type env struct {
	hub   *relay.Hub
	queue *inbox.MemoryQueue
	repo  *calls.MemoryRepo
	relay *Relay
	svc   *calls.Service
}

func newEnv(t *testing.T, candidates ...string) *env {
	t.Helper()
	e := &env{
		hub:   relay.NewHub(logger.Discard()),
		queue: inbox.NewMemoryQueue(10),
		repo:  calls.NewMemoryRepo(),
	}
	e.relay = NewRelay(e.hub, e.queue, e.repo, logger.Discard())
	e.relay.SetValidator(nil)
	e.svc = calls.NewService(e.repo, staticRouter(candidates), e.relay, calls.Options{RingTimeout: time.Minute})
	return e
}

func TestInvite_LiveResponderReceivesImmediately(t *testing.T) {
	e := newEnv(t, "r1")
	ctx := context.Background()
	r1 := &fakeConn{id: "conn-r1"}
	e.relay.Attach(ctx, r1, staff1)

	if _, err := e.svc.Initiate(ctx, client, calls.InitiateRequest{TargetResponderID: "r1"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if r1.count(events.KindCallInitiated) < 1 {
		t.Fatalf("live responder did not get the invite")
	}
	if e.queue.Len("r1") != 0 {
		t.Fatalf("live delivery must not leave a buffered copy")
	}
}

func TestInvite_OfflineResponderDrainedOnReconnect(t *testing.T) {
	e := newEnv(t, "r1")
	ctx := context.Background()

	c, err := e.svc.Initiate(ctx, client, calls.InitiateRequest{TargetResponderID: "r1"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if e.queue.Len("r1") != 1 {
		t.Fatalf("expected buffered invite")
	}

	r1 := &fakeConn{id: "conn-r1"}
	e.relay.Attach(ctx, r1, staff1)

	var got []events.CallInitiated
	for _, ev := range r1.events() {
		if inv, ok := ev.(events.CallInitiated); ok {
			got = append(got, inv)
		}
	}
	if len(got) != 1 || got[0].CallID != c.ID {
		t.Fatalf("expected the buffered invite on reconnect, got %+v", got)
	}
	if _, err := e.svc.Accept(ctx, staff1, c.ID); err != nil {
		t.Fatalf("accept after reconnect: %v", err)
	}
}

func TestInvite_StaleBufferedInviteDiscarded(t *testing.T) {
	e := newEnv(t, "r1", "r2")
	ctx := context.Background()

	r2 := &fakeConn{id: "conn-r2"}
	e.relay.Attach(ctx, r2, staff2)
	c, err := e.svc.Initiate(ctx, client, calls.InitiateRequest{Department: "cse"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	// Re-buffer after accept clears the inbox, as another instance might.
	if _, err := e.svc.Accept(ctx, staff2, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_ = e.queue.Push(ctx, inbox.Entry{ResponderID: "r1", CallID: c.ID, Payload: events.CallInitiated{CallID: c.ID}})

	r1 := &fakeConn{id: "conn-r1"}
	e.relay.Attach(ctx, r1, staff1)
	if n := r1.count(events.KindCallInitiated); n != 0 {
		t.Fatalf("stale invite delivered %d times", n)
	}
	if e.queue.Len("r1") != 0 {
		t.Fatalf("drain must empty the buffer")
	}
}

func TestAccept_ClearsBufferedInvites(t *testing.T) {
	e := newEnv(t, "r1", "r2")
	ctx := context.Background()
	r2 := &fakeConn{id: "conn-r2"}
	e.relay.Attach(ctx, r2, staff2)

	c, _ := e.svc.Initiate(ctx, client, calls.InitiateRequest{})
	if e.queue.Len("r1") != 1 {
		t.Fatalf("expected r1 buffered")
	}
	if _, err := e.svc.Accept(ctx, staff2, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if e.queue.Len("r1") != 0 {
		t.Fatalf("accept must clear buffered invites")
	}
}

func setupAcceptedCall(t *testing.T, e *env) (calls.Call, *fakeConn, *fakeConn) {
	t.Helper()
	ctx := context.Background()
	cc := &fakeConn{id: "conn-c1"}
	rc := &fakeConn{id: "conn-r1"}
	e.relay.Attach(ctx, cc, client)
	e.relay.Attach(ctx, rc, staff1)
	c, err := e.svc.Initiate(ctx, client, calls.InitiateRequest{TargetResponderID: "r1"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := e.svc.Accept(ctx, staff1, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := e.relay.JoinCall(ctx, cc, client, c.ID); err != nil {
		t.Fatalf("client join: %v", err)
	}
	if err := e.relay.JoinCall(ctx, rc, staff1, c.ID); err != nil {
		t.Fatalf("responder join: %v", err)
	}
	return c, cc, rc
}

func TestSessionDescription_ForwardedAndCached(t *testing.T) {
	e := newEnv(t, "r1")
	ctx := context.Background()
	c, cc, rc := setupAcceptedCall(t, e)

	if err := e.relay.SessionDescription(ctx, cc, client, events.SessionDescription{CallID: c.ID, Type: events.SDPOffer, SDP: "offer-body"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if rc.count(events.KindSessionDescription) != 1 {
		t.Fatalf("responder did not receive the offer")
	}
	if cc.count(events.KindSessionDescription) != 0 {
		t.Fatalf("offer echoed to sender")
	}
	stored, _ := e.repo.Get(ctx, c.ID)
	if stored.Metadata[calls.MetaSDPOffer] != "offer-body" || stored.Status != calls.StatusAccepted {
		t.Fatalf("offer not cached or status changed: %+v", stored)
	}

	err := e.relay.SessionDescription(ctx, rc, staff1, events.SessionDescription{CallID: c.ID, Type: events.SDPOffer, SDP: "x"})
	if !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("responder must not send offers, got %v", err)
	}
	err = e.relay.SessionDescription(ctx, cc, client, events.SessionDescription{CallID: c.ID, Type: events.SDPAnswer, SDP: "x"})
	if !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("requester must not send answers, got %v", err)
	}
}

func TestJoinCall_LateJoinReplaysDescriptionsNotCandidates(t *testing.T) {
	e := newEnv(t, "r1")
	ctx := context.Background()
	c, cc, rc := setupAcceptedCall(t, e)

	_ = e.relay.SessionDescription(ctx, cc, client, events.SessionDescription{CallID: c.ID, Type: events.SDPOffer, SDP: "offer-body"})
	_ = e.relay.SessionDescription(ctx, rc, staff1, events.SessionDescription{CallID: c.ID, Type: events.SDPAnswer, SDP: "answer-body"})
	for i := 0; i < 3; i++ {
		cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`)
		if err := e.relay.Candidate(ctx, cc, client, events.ConnectivityCandidate{CallID: c.ID, Candidate: cand}); err != nil {
			t.Fatalf("candidate: %v", err)
		}
	}

	// The responder reconnects on a new socket.
	e.relay.Detach(rc.ID())
	late := &fakeConn{id: "conn-r1-late"}
	e.relay.Attach(ctx, late, staff1)
	if err := e.relay.JoinCall(ctx, late, staff1, c.ID); err != nil {
		t.Fatalf("late join: %v", err)
	}

	got := late.events()
	if len(got) != 2 {
		t.Fatalf("expected state + offer replay, got %d events: %+v", len(got), got)
	}
	up, ok := got[0].(events.CallUpdate)
	if !ok || up.State != string(calls.StatusAccepted) || up.ResponderID != "r1" {
		t.Fatalf("first event must be current state, got %+v", got[0])
	}
	sd, ok := got[1].(events.SessionDescription)
	if !ok || sd.Type != events.SDPOffer || sd.SDP != "offer-body" || !sd.Replayed {
		t.Fatalf("expected replayed offer, got %+v", got[1])
	}
	if late.count(events.KindConnectivityCandidate) != 0 {
		t.Fatalf("candidates must not be replayed")
	}
}

func TestCandidate_UnknownCallStillForwarded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	e.hub.Join(a, relay.CallTopic("ghost"))
	e.hub.Join(b, relay.CallTopic("ghost"))

	err := e.relay.Candidate(ctx, a, client, events.ConnectivityCandidate{CallID: "ghost", Candidate: json.RawMessage(`{"candidate":""}`)})
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if b.count(events.KindConnectivityCandidate) != 1 || a.count(events.KindConnectivityCandidate) != 0 {
		t.Fatalf("expected forward to b only")
	}
	if err := e.relay.Candidate(ctx, a, client, events.ConnectivityCandidate{CallID: "ghost", Candidate: json.RawMessage(`not json`)}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestJoinCall_OutsiderForbidden(t *testing.T) {
	e := newEnv(t, "r1")
	ctx := context.Background()
	c, _, _ := setupAcceptedCall(t, e)
	outsider := &fakeConn{id: "x"}
	err := e.relay.JoinCall(ctx, outsider, auth.Identity{UserID: "c9", OrgID: "o1", Role: "client"}, c.ID)
	if !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if e.hub.SubscriberCount(relay.CallTopic(c.ID)) != 2 {
		t.Fatalf("outsider must not be subscribed")
	}
}

func TestTerminalEventReachesAllParties(t *testing.T) {
	e := newEnv(t, "r1")
	ctx := context.Background()
	c, cc, rc := setupAcceptedCall(t, e)
	if _, err := e.svc.End(ctx, client, c.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if cc.count(events.KindCallEnded) != 1 || rc.count(events.KindCallEnded) != 1 {
		t.Fatalf("call.ended must reach both parties exactly once: c=%d r=%d",
			cc.count(events.KindCallEnded), rc.count(events.KindCallEnded))
	}
}

func TestParseSDP(t *testing.T) {
	if err := ParseSDP(events.SDPOffer, testOffer); err != nil {
		t.Fatalf("valid offer rejected: %v", err)
	}
	if err := ParseSDP(events.SDPAnswer, "hello"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if err := ParseSDP("rollback", testOffer); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for type, got %v", err)
	}
}

func TestErrorEvent_Codes(t *testing.T) {
	if ev := ErrorEvent("c1", calls.ErrConflict); ev.Code != "conflict" {
		t.Fatalf("unexpected code %q", ev.Code)
	}
	if ev := ErrorEvent("c1", errors.New("db password leaked")); ev.Code != "internal" || ev.Message != "internal error" {
		t.Fatalf("internal errors must be opaque: %+v", ev)
	}
}
