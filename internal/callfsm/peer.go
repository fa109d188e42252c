package callfsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"call-signaling/internal/events"
	"call-signaling/pkg/logger"

	"github.com/pion/webrtc/v4"
)

var ErrSessionClosed = errors.New("callfsm: peer session closed")

// PeerSession is the requester's media connection for one call. Remote
// candidates that arrive before the remote description are held and applied
// once it is set.
type PeerSession struct {
	callID string
	pc     *webrtc.PeerConnection
	log    *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   []*webrtc.RTPSender
	closed    bool

	trackOnce sync.Once
	trackCh   chan *webrtc.TrackRemote
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewPeerSession opens a peer connection with audio and video transceivers
// so the first offer always carries both media sections.
func NewPeerSession(callID string, cfg webrtc.Configuration, l *slog.Logger) (*PeerSession, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &PeerSession{
		callID:  callID,
		pc:      pc,
		log:     logger.Component(l, "peer").With("call_id", callID),
		trackCh: make(chan *webrtc.TrackRemote, 1),
		done:    make(chan struct{}),
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.trackOnce.Do(func() {
			s.log.Info("remote track", "kind", tr.Kind().String(), "codec", tr.Codec().MimeType)
			s.trackCh <- tr
		})
	})
	return s, nil
}

// AddLocalTrack sends track to the remote party. Its sender is stopped on Close.
func (s *PeerSession) AddLocalTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return err
	}
	s.senders = append(s.senders, sender)
	return nil
}

// OnLocalCandidate forwards each locally gathered candidate. fn is not
// called for the end-of-gathering marker.
func (s *PeerSession) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// Drive feeds peer connection state into m and hands the session to m for
// cleanup.
func (s *PeerSession) Drive(m *Machine) {
	m.Attach(s)
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.log.Debug("connection state", "state", st.String())
		switch st {
		case webrtc.PeerConnectionStateConnected:
			_ = m.SetInCall()
		case webrtc.PeerConnectionStateFailed:
			_ = m.Fail(errors.New("peer connection failed"))
		}
	})
}

// CreateOffer creates the offer and applies it locally.
func (s *PeerSession) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// SetRemoteDescription applies the remote answer and flushes held candidates.
func (s *PeerSession) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	s.mu.Lock()
	s.remoteSet = true
	held := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(held) > 0 {
		s.log.Debug("applying held candidates", "count", len(held))
	}
	for _, c := range held {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("held candidate rejected", "err", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies c now, or holds it until the remote
// description is set.
func (s *PeerSession) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(c)
}

// Pending reports how many remote candidates are held.
func (s *PeerSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HandleSignal applies an answer or a candidate relayed for this call.
func (s *PeerSession) HandleSignal(ev events.Event) error {
	if ev.Call() != s.callID {
		return nil
	}
	switch e := ev.(type) {
	case events.SessionDescription:
		if e.Type != events.SDPAnswer {
			return nil
		}
		return s.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: e.SDP})
	case events.ConnectivityCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(e.Candidate, &c); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return s.AddRemoteCandidate(c)
	}
	return nil
}

// RemoteTrack waits for the first remote track.
func (s *PeerSession) RemoteTrack(ctx context.Context) (*webrtc.TrackRemote, error) {
	select {
	case tr := <-s.trackCh:
		s.trackCh <- tr
		return tr, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops local senders and closes the peer connection. Safe to call
// more than once.
func (s *PeerSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		senders := s.senders
		s.senders = nil
		s.pending = nil
		s.mu.Unlock()

		var errs []error
		for _, snd := range senders {
			if err := snd.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.pc.Close(); err != nil {
			errs = append(errs, err)
		}
		close(s.done)
		s.closeErr = errors.Join(errs...)
		s.log.Info("peer session closed")
	})
	return s.closeErr
}
