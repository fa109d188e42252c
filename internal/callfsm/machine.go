// Package callfsm is the requester-side call state machine. It mirrors the
// server's call status independently and owns the local media resources,
// releasing them exactly once whichever path ends the call.
package callfsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"call-signaling/internal/events"
	"call-signaling/pkg/logger"
)

var ErrInvalidTransition = errors.New("callfsm: invalid transition")

type State string

const (
	StateIdle       State = "idle"
	StatePreparing  State = "preparing"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateInCall     State = "in_call"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// Outcome records why a call reached ended.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeCanceled Outcome = "canceled"
	OutcomeDeclined Outcome = "declined"
	OutcomeMissed   Outcome = "missed"
	OutcomeHangup   Outcome = "hangup"
	OutcomeFailed   Outcome = "failed"
)

// Snapshot is a copy of the machine's call data.
type Snapshot struct {
	State       State
	CallID      string
	ResponderID string
	Reason      string
	Outcome     Outcome
	Detail      string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Machine is safe for concurrent use. Resources attached while a call is in
// progress are closed once when it ends, in reverse attach order.
type Machine struct {
	mu        sync.Mutex
	data      Snapshot
	resources []io.Closer
	cleaned   bool
	changed   chan struct{}
	observers []func(from, to State)

	log   *slog.Logger
	clock func() time.Time
}

func New(l *slog.Logger) *Machine {
	return &Machine{
		data:    Snapshot{State: StateIdle},
		changed: make(chan struct{}),
		log:     logger.Component(l, "callfsm"),
		clock:   time.Now,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.State
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// OnTransition registers fn to run after every successful transition.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Machine) CanInitiate() bool {
	s := m.State()
	return s == StateIdle || s == StateEnded
}

func (m *Machine) CanCancel() bool {
	switch m.State() {
	case StatePreparing, StateDialing, StateRinging:
		return true
	}
	return false
}

func (m *Machine) CanEnd() bool {
	s := m.State()
	return s == StateConnecting || s == StateInCall
}

// Attach hands a resource to the current call. If the call already ended
// the resource is closed immediately.
func (m *Machine) Attach(r io.Closer) {
	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		m.closeAll([]io.Closer{r})
		return
	}
	m.resources = append(m.resources, r)
	m.mu.Unlock()
}

// Initiate starts a new call from idle or from a finished one.
func (m *Machine) Initiate(reason string) error {
	return m.step("initiate", []State{StateIdle, StateEnded}, StatePreparing, func(d *Snapshot) {
		*d = Snapshot{Reason: reason}
	})
}

func (m *Machine) SetDialing(callID string) error {
	return m.step("dialing", []State{StatePreparing, StateDialing}, StateDialing, func(d *Snapshot) {
		d.CallID = callID
		d.StartedAt = m.clock()
	})
}

func (m *Machine) SetRinging() error {
	return m.step("ringing", []State{StateDialing, StateRinging}, StateRinging, nil)
}

// OnAccepted moves to connecting once a responder claimed the call.
func (m *Machine) OnAccepted(callID, responderID string) error {
	return m.step("accepted", []State{StateRinging, StateConnecting}, StateConnecting, func(d *Snapshot) {
		if callID != "" {
			d.CallID = callID
		}
		d.ResponderID = responderID
	})
}

func (m *Machine) SetInCall() error {
	return m.step("in_call", []State{StateConnecting, StateInCall}, StateInCall, nil)
}

func (m *Machine) Cancel() error {
	return m.finish("cancel", []State{StatePreparing, StateDialing, StateRinging}, OutcomeCanceled, "call canceled")
}

func (m *Machine) OnDeclined(reason string) error {
	if reason == "" {
		reason = "call declined"
	}
	return m.finish("declined", []State{StatePreparing, StateDialing, StateRinging}, OutcomeDeclined, reason)
}

func (m *Machine) OnMissed(reason string) error {
	if reason == "" {
		reason = "no responder available"
	}
	return m.finish("missed", []State{StatePreparing, StateDialing, StateRinging}, OutcomeMissed, reason)
}

// End hangs up a connecting or established call, passing through ending.
func (m *Machine) End() error {
	if err := m.step("end", []State{StateConnecting, StateInCall}, StateEnding, nil); err != nil {
		return err
	}
	return m.finish("ended", []State{StateEnding}, OutcomeHangup, "")
}

// Fail ends a call in progress because of a local or transport error.
func (m *Machine) Fail(cause error) error {
	detail := "failed"
	if cause != nil {
		detail = cause.Error()
	}
	return m.finish("fail", []State{StatePreparing, StateDialing, StateRinging, StateConnecting, StateInCall, StateEnding}, OutcomeFailed, detail)
}

// Reset releases anything still held and returns to idle.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.data.State
	res := m.takeResourcesLocked()
	m.data = Snapshot{State: StateIdle}
	m.cleaned = false
	obs := m.notifyLocked()
	m.mu.Unlock()

	m.closeAll(res)
	for _, fn := range obs {
		fn(from, StateIdle)
	}
}

// Apply maps a server lifecycle event for the current call onto the machine.
// Events for other calls are ignored.
func (m *Machine) Apply(ev events.Event) error {
	snap := m.Snapshot()
	if snap.CallID != "" && ev.Call() != snap.CallID {
		return nil
	}
	switch e := ev.(type) {
	case events.CallAccepted:
		return m.OnAccepted(e.CallID, e.Responder.ID)
	case events.CallDeclined:
		return m.OnDeclined(e.Reason)
	case events.CallMissed:
		return m.OnMissed(e.Reason)
	case events.CallCanceled:
		return m.Cancel()
	case events.CallEnded:
		if m.CanEnd() {
			return m.End()
		}
		return m.Fail(errors.New("call ended"))
	case events.CallUpdate:
		if e.State == "ringing" && m.State() == StateDialing {
			return m.SetRinging()
		}
	}
	return nil
}

// WaitState blocks until the machine is in one of states or ctx is done.
func (m *Machine) WaitState(ctx context.Context, states ...State) (State, error) {
	for {
		m.mu.Lock()
		cur, ch := m.data.State, m.changed
		m.mu.Unlock()
		for _, s := range states {
			if cur == s {
				return cur, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

func (m *Machine) step(event string, from []State, to State, mutate func(*Snapshot)) error {
	m.mu.Lock()
	cur := m.data.State
	if !in(cur, from) {
		callID := m.data.CallID
		m.mu.Unlock()
		m.log.Warn("transition rejected", "event", event, "from", cur, "call_id", callID)
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, cur)
	}
	if mutate != nil {
		mutate(&m.data)
	}
	m.data.State = to
	if cur == StateEnded {
		m.cleaned = false
	}
	callID := m.data.CallID
	obs := m.notifyLocked()
	m.mu.Unlock()

	if cur != to {
		m.log.Debug("transition", "event", event, "from", cur, "to", to, "call_id", callID)
	}
	for _, fn := range obs {
		fn(cur, to)
	}
	return nil
}

// finish moves to ended and runs cleanup if this call has not done so yet.
func (m *Machine) finish(event string, from []State, outcome Outcome, detail string) error {
	m.mu.Lock()
	cur := m.data.State
	if !in(cur, from) {
		m.mu.Unlock()
		m.log.Warn("transition rejected", "event", event, "from", cur)
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, cur)
	}
	m.data.State = StateEnded
	m.data.Outcome = outcome
	m.data.Detail = detail
	m.data.EndedAt = m.clock()
	var res []io.Closer
	if !m.cleaned {
		m.cleaned = true
		res = m.takeResourcesLocked()
	}
	callID := m.data.CallID
	obs := m.notifyLocked()
	m.mu.Unlock()

	m.closeAll(res)
	m.log.Info("call finished", "call_id", callID, "outcome", outcome, "from", cur)
	for _, fn := range obs {
		fn(cur, StateEnded)
	}
	return nil
}

func (m *Machine) takeResourcesLocked() []io.Closer {
	res := m.resources
	m.resources = nil
	return res
}

// notifyLocked wakes waiters and returns the observers to call after unlock.
func (m *Machine) notifyLocked() []func(from, to State) {
	close(m.changed)
	m.changed = make(chan struct{})
	return append([]func(from, to State){}, m.observers...)
}

func (m *Machine) closeAll(res []io.Closer) {
	for i := len(res) - 1; i >= 0; i-- {
		if err := res[i].Close(); err != nil {
			m.log.Warn("resource close failed", "err", err)
		}
	}
}

func in(s State, set []State) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
