package callfsm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"call-signaling/internal/events"
	"call-signaling/pkg/logger"

	"github.com/pion/webrtc/v4"
)

func newSession(t *testing.T) *PeerSession {
	t.Helper()
	s, err := NewPeerSession("call-1", webrtc.Configuration{}, logger.Discard())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// answerFor plays the responder side with a bare pion peer connection.
func answerFor(t *testing.T, offer webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("responder pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if err := pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("responder remote: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("responder answer: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("responder local: %v", err)
	}
	return answer
}

func TestPeerSession_HoldsCandidatesUntilRemoteDescription(t *testing.T) {
	s := newSession(t)
	offer, err := s.CreateOffer()
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	mid := "0"
	idx := uint16(0)
	cand := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	raw, _ := json.Marshal(cand)
	if err := s.HandleSignal(events.ConnectivityCandidate{CallID: "call-1", Candidate: raw}); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("candidate must be held before the answer, pending=%d", s.Pending())
	}

	answer := answerFor(t, offer)
	if err := s.HandleSignal(events.SessionDescription{CallID: "call-1", Type: events.SDPAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("held candidates must be flushed, pending=%d", s.Pending())
	}
}

func TestPeerSession_IgnoresOtherCalls(t *testing.T) {
	s := newSession(t)
	if err := s.HandleSignal(events.ConnectivityCandidate{CallID: "other", Candidate: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("candidate for another call must be dropped")
	}
}

func TestPeerSession_CloseIsIdempotentAndReleasesWaiters(t *testing.T) {
	s := newSession(t)
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "requester")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := s.AddLocalTrack(track); err != nil {
		t.Fatalf("add track: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, err := s.RemoteTrack(context.Background())
		waitErr <- err
	}()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("RemoteTrack did not return after Close")
	}
	if err := s.AddRemoteCandidate(webrtc.ICECandidateInit{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestPeerSession_DrivenMachineClosesSessionOnEnd(t *testing.T) {
	m := ringing(t)
	s := newSession(t)
	s.Drive(m)
	if err := m.OnDeclined("busy"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := s.AddRemoteCandidate(webrtc.ICECandidateInit{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("session must be closed by the machine, got %v", err)
	}
}
