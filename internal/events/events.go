// Package events defines the closed set of real-time messages exchanged over
// the relay. Each variant carries exactly the fields valid for its kind.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

type Kind string

const (
	KindCallInitiated         Kind = "call.initiated"
	KindCallAccepted          Kind = "call.accepted"
	KindCallDeclined          Kind = "call.declined"
	KindCallCanceled          Kind = "call.canceled"
	KindCallEnded             Kind = "call.ended"
	KindCallMissed            Kind = "call.missed"
	KindCallUpdate            Kind = "call:update"
	KindSessionDescription    Kind = "call:sdp"
	KindConnectivityCandidate Kind = "call:ice"
	KindError                 Kind = "error"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	Call() string
	isEvent()
}

// Party identifies a requester or responder in event payloads.
type Party struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// CallInitiated is the invite delivered to candidate responders and the org.
type CallInitiated struct {
	CallID            string    `json:"callId"`
	OrgID             string    `json:"orgId"`
	Requester         Party     `json:"requester"`
	Reason            string    `json:"reason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	RingExpiresAt     time.Time `json:"ringExpiresAt"`
	TargetResponderID string    `json:"targetResponderId,omitempty"`
}

type CallAccepted struct {
	CallID    string    `json:"callId"`
	Responder Party     `json:"responder"`
	StartedAt time.Time `json:"startedAt"`
}

type CallDeclined struct {
	CallID      string `json:"callId"`
	ResponderID string `json:"responderId"`
	Reason      string `json:"reason,omitempty"`
}

type CallCanceled struct {
	CallID      string `json:"callId"`
	RequesterID string `json:"requesterId"`
}

type CallEnded struct {
	CallID  string    `json:"callId"`
	EndedBy string    `json:"endedBy"`
	EndedAt time.Time `json:"endedAt"`
}

type CallMissed struct {
	CallID string    `json:"callId"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// CallUpdate mirrors every status change onto the call topic.
type CallUpdate struct {
	CallID      string `json:"callId"`
	State       string `json:"state"`
	ResponderID string `json:"responderId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

func (t SDPType) Valid() bool { return t == SDPOffer || t == SDPAnswer }

// SessionDescription carries an offer or answer body between the two parties.
type SessionDescription struct {
	CallID string  `json:"callId"`
	Type   SDPType `json:"type"`
	SDP    string  `json:"sdp"`
	From   string  `json:"from,omitempty"`
	// Replayed is set when the description comes from the late-join cache.
	Replayed bool `json:"replayed,omitempty"`
}

// ConnectivityCandidate is an opaque ICE candidate forwarded as-is.
type ConnectivityCandidate struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from,omitempty"`
}

// Error is sent only to the connection whose message failed.
type Error struct {
	CallID  string `json:"callId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (CallInitiated) Kind() Kind         { return KindCallInitiated }
func (CallAccepted) Kind() Kind          { return KindCallAccepted }
func (CallDeclined) Kind() Kind          { return KindCallDeclined }
func (CallCanceled) Kind() Kind          { return KindCallCanceled }
func (CallEnded) Kind() Kind             { return KindCallEnded }
func (CallMissed) Kind() Kind            { return KindCallMissed }
func (CallUpdate) Kind() Kind            { return KindCallUpdate }
func (SessionDescription) Kind() Kind    { return KindSessionDescription }
func (ConnectivityCandidate) Kind() Kind { return KindConnectivityCandidate }
func (Error) Kind() Kind                 { return KindError }

func (e CallInitiated) Call() string         { return e.CallID }
func (e CallAccepted) Call() string          { return e.CallID }
func (e CallDeclined) Call() string          { return e.CallID }
func (e CallCanceled) Call() string          { return e.CallID }
func (e CallEnded) Call() string             { return e.CallID }
func (e CallMissed) Call() string            { return e.CallID }
func (e CallUpdate) Call() string            { return e.CallID }
func (e SessionDescription) Call() string    { return e.CallID }
func (e ConnectivityCandidate) Call() string { return e.CallID }
func (e Error) Call() string                 { return e.CallID }

func (CallInitiated) isEvent()         {}
func (CallAccepted) isEvent()          {}
func (CallDeclined) isEvent()          {}
func (CallCanceled) isEvent()          {}
func (CallEnded) isEvent()             {}
func (CallMissed) isEvent()            {}
func (CallUpdate) isEvent()            {}
func (SessionDescription) isEvent()    {}
func (ConnectivityCandidate) isEvent() {}
func (Error) isEvent()                 {}

// Envelope is the wire frame: {"type": <kind>, "data": <variant>}.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

var ErrUnknownKind = errors.New("events: unknown kind")

// Encode frames an event for the wire.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("events: nil event")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: e.Kind(), Data: data})
}

// Decode parses a wire frame back into its variant.
func Decode(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var e Event
	switch env.Type {
	case KindCallInitiated:
		e = decodeAs[CallInitiated](env.Data)
	case KindCallAccepted:
		e = decodeAs[CallAccepted](env.Data)
	case KindCallDeclined:
		e = decodeAs[CallDeclined](env.Data)
	case KindCallCanceled:
		e = decodeAs[CallCanceled](env.Data)
	case KindCallEnded:
		e = decodeAs[CallEnded](env.Data)
	case KindCallMissed:
		e = decodeAs[CallMissed](env.Data)
	case KindCallUpdate:
		e = decodeAs[CallUpdate](env.Data)
	case KindSessionDescription:
		e = decodeAs[SessionDescription](env.Data)
	case KindConnectivityCandidate:
		e = decodeAs[ConnectivityCandidate](env.Data)
	case KindError:
		e = decodeAs[Error](env.Data)
	default:
		return nil, ErrUnknownKind
	}
	if e == nil {
		return nil, errors.New("events: malformed payload")
	}
	return e, nil
}

func decodeAs[T Event](data json.RawMessage) Event {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
