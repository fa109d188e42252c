package calls

import "time"

// Call is one request from a requester to be answered by exactly one responder.
//
// AcceptedByUserID is set only by a successful AcceptCAS and is never cleared.
// Status moves forward along the diagram in CanTransition; rows are never
// deleted.
type Call struct {
	ID               string `json:"id" db:"id"`
	OrgID            string `json:"orgId" db:"org_id"`
	Status           Status `json:"status" db:"status"`
	CreatedByUserID  string `json:"createdByUserId" db:"created_by_user_id"`
	AcceptedByUserID string `json:"acceptedByUserId,omitempty" db:"accepted_by_user_id"`

	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
	StartedAt     *time.Time `json:"startedAt,omitempty" db:"started_at"`
	EndedAt       *time.Time `json:"endedAt,omitempty" db:"ended_at"`
	EndedBy       string     `json:"endedBy,omitempty" db:"ended_by"`
	Reason        string     `json:"reason,omitempty" db:"reason"`
	RingExpiresAt *time.Time `json:"ringExpiresAt,omitempty" db:"ring_expires_at"`

	// Metadata caches the last session description of each direction.
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// Metadata keys.
const (
	MetaSDPOffer  = "sdp_offer"
	MetaSDPAnswer = "sdp_answer"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCanceled  Status = "canceled"
	StatusMissed    Status = "missed"
	StatusEnded     Status = "ended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusAccepted, StatusDeclined, StatusCanceled, StatusMissed, StatusEnded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusCanceled, StatusMissed, StatusEnded:
		return true
	}
	return false
}

// Pending reports whether the call still waits for a responder.
func (s Status) Pending() bool {
	return s == StatusInitiated || s == StatusRinging
}

// CanTransition is the call status diagram. Nothing re-enters ringing.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusInitiated:
		switch to {
		case StatusRinging, StatusDeclined, StatusCanceled, StatusMissed:
			return true
		}
	case StatusRinging:
		switch to {
		case StatusAccepted, StatusDeclined, StatusCanceled, StatusMissed:
			return true
		}
	case StatusAccepted:
		return to == StatusEnded
	}
	return false
}

// SourcesFor lists the statuses from which to is reachable.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, s := range []Status{StatusInitiated, StatusRinging, StatusAccepted} {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

type ParticipantRole string

const (
	ParticipantClient ParticipantRole = "client"
	ParticipantStaff  ParticipantRole = "staff"
)

type ParticipantState string

const (
	ParticipantInvited ParticipantState = "invited"
	ParticipantJoined  ParticipantState = "joined"
	ParticipantLeft    ParticipantState = "left"
)

// Participant is one row per requester and per routed candidate.
type Participant struct {
	ID       string           `json:"id" db:"id"`
	CallID   string           `json:"callId" db:"call_id"`
	UserID   string           `json:"userId" db:"user_id"`
	Role     ParticipantRole  `json:"role" db:"role"`
	State    ParticipantState `json:"state" db:"state"`
	JoinedAt *time.Time       `json:"joinedAt,omitempty" db:"joined_at"`
	LeftAt   *time.Time       `json:"leftAt,omitempty" db:"left_at"`
	Stats    []StatsSample    `json:"stats,omitempty" db:"stats"`
}

// StatsSample is one connection-quality report from a participant.
type StatsSample struct {
	Bitrate    float64   `json:"bitrate"`
	PacketLoss float64   `json:"packetLoss"`
	Jitter     float64   `json:"jitter"`
	Timestamp  time.Time `json:"timestamp"`
}

// Patch carries the optional fields written alongside a status change.
// At is required; terminal statuses stamp EndedAt with it.
type Patch struct {
	At       time.Time
	EndedBy  string
	Reason   string
	Metadata map[string]string
}

func (c Call) clone() Call {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	out.StartedAt = cloneTime(c.StartedAt)
	out.EndedAt = cloneTime(c.EndedAt)
	out.RingExpiresAt = cloneTime(c.RingExpiresAt)
	return out
}

func (p Participant) clone() Participant {
	out := p
	out.JoinedAt = cloneTime(p.JoinedAt)
	out.LeftAt = cloneTime(p.LeftAt)
	if p.Stats != nil {
		out.Stats = append([]StatsSample(nil), p.Stats...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IsParticipant reports whether userID has a row with the given role.
func IsParticipant(ps []Participant, userID string, role ParticipantRole) bool {
	for _, p := range ps {
		if p.UserID == userID && p.Role == role {
			return true
		}
	}
	return false
}

// ResponderIDs returns the user ids of all staff participants.
func ResponderIDs(ps []Participant) []string {
	var out []string
	for _, p := range ps {
		if p.Role == ParticipantStaff {
			out = append(out, p.UserID)
		}
	}
	return out
}
