// Package signaling brokers session negotiation between the two parties of a
// call and delivers call lifecycle events to connected users.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/events"
	"call-signaling/internal/inbox"
	"call-signaling/internal/rbac"
	"call-signaling/internal/relay"
	"call-signaling/pkg/logger"
)

var ErrInvalidMessage = errors.New("signaling: invalid message")

// Metadata keys recording who wrote each cached description.
const (
	metaOfferFrom  = calls.MetaSDPOffer + "_from"
	metaAnswerFrom = calls.MetaSDPAnswer + "_from"
)

// Metrics observes invite buffering. Optional.
type Metrics interface {
	InviteQueued()
	InviteDiscarded()
}

// Relay implements calls.Notifier on top of the hub and the offline inbox,
// and handles the per-connection signaling operations.
type Relay struct {
	hub      *relay.Hub
	queue    inbox.Queue
	repo     calls.Repository
	validate SDPValidator
	metrics  Metrics
	log      *slog.Logger
	clock    func() time.Time
}

func NewRelay(hub *relay.Hub, queue inbox.Queue, repo calls.Repository, l *slog.Logger) *Relay {
	return &Relay{
		hub:      hub,
		queue:    queue,
		repo:     repo,
		validate: ParseSDP,
		log:      logger.Component(l, "signaling"),
		clock:    time.Now,
	}
}

func (r *Relay) SetMetrics(m Metrics) { r.metrics = m }

// SetValidator replaces the SDP validator. nil disables validation.
func (r *Relay) SetValidator(v SDPValidator) { r.validate = v }

// Attach subscribes a fresh connection to its identity topics. Responders
// also receive any invites buffered while they were offline.
func (r *Relay) Attach(ctx context.Context, c relay.Conn, id auth.Identity) {
	if id.OrgID != "" {
		r.hub.Join(c, relay.OrgTopic(id.OrgID))
	}
	switch {
	case rbac.IsResponder(id.Role):
		r.JoinResponder(ctx, c, id)
	case rbac.IsRequester(id.Role):
		r.hub.Join(c, relay.RequesterTopic(id.UserID))
	}
	r.log.Debug("connection attached", "conn_id", c.ID(), "user_id", id.UserID, "role", id.Role)
}

// Detach drops every topic membership of the connection.
func (r *Relay) Detach(connID string) {
	topics := r.hub.LeaveAll(connID)
	r.log.Debug("connection detached", "conn_id", connID, "topics", len(topics))
}

// JoinResponder (re)joins the responder topic and drains the inbox. Invites
// for calls that are no longer pending are discarded instead of delivered.
func (r *Relay) JoinResponder(ctx context.Context, c relay.Conn, id auth.Identity) error {
	if !rbac.IsResponder(id.Role) {
		return calls.ErrForbidden
	}
	r.hub.Join(c, relay.ResponderTopic(id.UserID))

	pending, err := r.queue.Drain(ctx, id.UserID)
	if err != nil {
		r.log.Warn("inbox drain failed", "responder_id", id.UserID, "err", err)
		return nil
	}
	for _, e := range pending {
		call, err := r.repo.Get(ctx, e.CallID)
		switch {
		case errors.Is(err, calls.ErrNotFound):
			r.discard(e, "unknown call")
			continue
		case err != nil:
			// Fail open: the responder's accept re-checks status anyway.
			r.log.Warn("buffered invite status check failed", "call_id", e.CallID, "err", err)
		case !call.Status.Pending():
			r.discard(e, string(call.Status))
			continue
		}
		r.hub.SendTo(c.ID(), e.Payload)
		r.log.Info("buffered invite delivered", "call_id", e.CallID, "responder_id", id.UserID, "queued_at", e.QueuedAt)
	}
	return nil
}

func (r *Relay) discard(e inbox.Entry, why string) {
	r.log.Info("buffered invite discarded", "call_id", e.CallID, "responder_id", e.ResponderID, "why", why)
	if r.metrics != nil {
		r.metrics.InviteDiscarded()
	}
}

// JoinCall subscribes a party to the call topic, then sends it the current
// state and any cached description it did not author.
func (r *Relay) JoinCall(ctx context.Context, c relay.Conn, id auth.Identity, callID string) error {
	if callID == "" {
		return ErrInvalidMessage
	}
	call, ps, err := r.party(ctx, id, callID)
	if err != nil {
		return err
	}
	r.hub.Join(c, relay.CallTopic(callID))

	r.hub.SendTo(c.ID(), events.CallUpdate{
		CallID:      callID,
		State:       string(call.Status),
		ResponderID: call.AcceptedByUserID,
		Reason:      call.Reason,
	})
	for _, d := range []struct {
		key, fromKey string
		typ          events.SDPType
	}{
		{calls.MetaSDPOffer, metaOfferFrom, events.SDPOffer},
		{calls.MetaSDPAnswer, metaAnswerFrom, events.SDPAnswer},
	} {
		body, ok := call.Metadata[d.key]
		if !ok || body == "" {
			continue
		}
		from := call.Metadata[d.fromKey]
		if from == id.UserID {
			continue
		}
		r.hub.SendTo(c.ID(), events.SessionDescription{CallID: callID, Type: d.typ, SDP: body, From: from, Replayed: true})
	}
	r.log.Debug("joined call", "call_id", callID, "user_id", id.UserID, "participants", len(ps))
	return nil
}

// LeaveCall drops the call topic membership.
func (r *Relay) LeaveCall(connID, callID string) {
	r.hub.Leave(connID, relay.CallTopic(callID))
}

// SessionDescription caches an offer or answer on the call and forwards it
// to the other subscribers of the call topic.
func (r *Relay) SessionDescription(ctx context.Context, c relay.Conn, id auth.Identity, msg events.SessionDescription) error {
	if msg.CallID == "" || !msg.Type.Valid() {
		return ErrInvalidMessage
	}
	if r.validate != nil {
		if err := r.validate(msg.Type, msg.SDP); err != nil {
			return err
		}
	}
	msg.From = id.UserID
	msg.Replayed = false

	call, err := r.repo.Get(ctx, msg.CallID)
	switch {
	case errors.Is(err, calls.ErrNotFound):
		r.log.Warn("session description for unknown call", "call_id", msg.CallID, "user_id", id.UserID)
	case err != nil:
		return err
	default:
		ps, err := r.repo.Participants(ctx, msg.CallID)
		if err != nil {
			return err
		}
		if !mayDescribe(call, ps, id.UserID, msg.Type) {
			return calls.ErrForbidden
		}
		key, fromKey := calls.MetaSDPOffer, metaOfferFrom
		if msg.Type == events.SDPAnswer {
			key, fromKey = calls.MetaSDPAnswer, metaAnswerFrom
		}
		if err := r.repo.MergeMetadata(ctx, msg.CallID, map[string]string{key: msg.SDP, fromKey: id.UserID}, r.clock().UTC()); err != nil {
			r.log.Warn("session description not cached", "call_id", msg.CallID, "err", err)
		}
	}

	r.hub.Publish(ctx, []string{relay.CallTopic(msg.CallID)}, msg, c.ID())
	return nil
}

// mayDescribe: offers come from the requester; answers from the accepting
// responder, or from an invited responder while nobody has accepted yet.
func mayDescribe(call calls.Call, ps []calls.Participant, userID string, t events.SDPType) bool {
	if t == events.SDPOffer {
		return userID == call.CreatedByUserID
	}
	if call.AcceptedByUserID != "" {
		return userID == call.AcceptedByUserID
	}
	return calls.IsParticipant(ps, userID, calls.ParticipantStaff)
}

// Candidate forwards an opaque connectivity candidate to the other
// subscribers of the call topic. Candidates are never cached.
func (r *Relay) Candidate(ctx context.Context, c relay.Conn, id auth.Identity, msg events.ConnectivityCandidate) error {
	if msg.CallID == "" || len(msg.Candidate) == 0 || !json.Valid(msg.Candidate) {
		return ErrInvalidMessage
	}
	msg.From = id.UserID

	_, ps, err := r.load(ctx, msg.CallID)
	switch {
	case errors.Is(err, calls.ErrNotFound):
		r.log.Warn("candidate for unknown call", "call_id", msg.CallID, "user_id", id.UserID)
	case err != nil:
		return err
	default:
		if !isParty(ps, id.UserID) {
			return calls.ErrForbidden
		}
	}
	r.hub.Publish(ctx, []string{relay.CallTopic(msg.CallID)}, msg, c.ID())
	return nil
}

// Invite implements calls.Notifier. A responder with a live subscriber gets
// the invite now and any buffered copy is cleared; otherwise it is queued.
func (r *Relay) Invite(ctx context.Context, responderID string, ev events.CallInitiated) {
	topic := relay.ResponderTopic(responderID)
	if r.hub.SubscriberCount(topic) > 0 {
		if n := r.hub.Publish(ctx, []string{topic}, ev, ""); n > 0 {
			if err := r.queue.Remove(ctx, responderID, ev.CallID); err != nil {
				r.log.Warn("inbox remove failed", "responder_id", responderID, "call_id", ev.CallID, "err", err)
			}
			return
		}
	}
	err := r.queue.Push(ctx, inbox.Entry{
		ResponderID: responderID,
		CallID:      ev.CallID,
		Payload:     ev,
		QueuedAt:    r.clock().UTC(),
	})
	if err != nil {
		r.log.Error("invite not buffered", "responder_id", responderID, "call_id", ev.CallID, "err", err)
		return
	}
	if r.metrics != nil {
		r.metrics.InviteQueued()
	}
	r.log.Info("responder offline; invite buffered", "responder_id", responderID, "call_id", ev.CallID)
}

// Publish implements calls.Notifier.
func (r *Relay) Publish(ctx context.Context, to calls.Audience, ev events.Event) {
	r.hub.Publish(ctx, topicsFor(to), ev, "")
}

// ClearInvites implements calls.Notifier.
func (r *Relay) ClearInvites(ctx context.Context, callID string, responderIDs []string) {
	for _, rid := range responderIDs {
		if err := r.queue.Remove(ctx, rid, callID); err != nil {
			r.log.Warn("inbox remove failed", "responder_id", rid, "call_id", callID, "err", err)
		}
	}
}

func topicsFor(a calls.Audience) []string {
	var out []string
	if a.RequesterID != "" {
		out = append(out, relay.RequesterTopic(a.RequesterID))
	}
	for _, rid := range a.ResponderIDs {
		out = append(out, relay.ResponderTopic(rid))
	}
	if a.OrgID != "" {
		out = append(out, relay.OrgTopic(a.OrgID))
	}
	if a.CallID != "" {
		out = append(out, relay.CallTopic(a.CallID))
	}
	return out
}

func (r *Relay) load(ctx context.Context, callID string) (calls.Call, []calls.Participant, error) {
	call, err := r.repo.Get(ctx, callID)
	if err != nil {
		return calls.Call{}, nil, err
	}
	ps, err := r.repo.Participants(ctx, callID)
	if err != nil {
		return calls.Call{}, nil, err
	}
	return call, ps, nil
}

// party loads the call and checks that the caller may follow it.
func (r *Relay) party(ctx context.Context, id auth.Identity, callID string) (calls.Call, []calls.Participant, error) {
	call, ps, err := r.load(ctx, callID)
	if err != nil {
		return calls.Call{}, nil, err
	}
	if rbac.IsAdmin(id.Role) && id.OrgID == call.OrgID {
		return call, ps, nil
	}
	if !isParty(ps, id.UserID) {
		return calls.Call{}, nil, calls.ErrForbidden
	}
	return call, ps, nil
}

func isParty(ps []calls.Participant, userID string) bool {
	for _, p := range ps {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ErrorEvent maps err to the event sent back to the offending connection.
func ErrorEvent(callID string, err error) events.Error {
	code := "internal"
	switch {
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, calls.ErrInvalidArgument):
		code = "invalid_message"
	case errors.Is(err, calls.ErrNotFound):
		code = "not_found"
	case errors.Is(err, calls.ErrForbidden):
		code = "forbidden"
	case errors.Is(err, calls.ErrConflict):
		code = "conflict"
	case errors.Is(err, calls.ErrInvalidState):
		code = "invalid_state"
	}
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return events.Error{CallID: callID, Code: code, Message: msg}
}
