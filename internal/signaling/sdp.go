package signaling

import (
	"fmt"

	"call-signaling/internal/events"

	"github.com/pion/webrtc/v4"
)

// MaxSDPBytes bounds a single session description.
const MaxSDPBytes = 64 << 10

// SDPValidator rejects a description body that cannot be a valid offer or answer.
type SDPValidator func(t events.SDPType, body string) error

// ParseSDP validates the body with pion's SDP parser. The relay never
// inspects media; it only refuses bodies a peer could not apply.
func ParseSDP(t events.SDPType, body string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: sdp type %q", ErrInvalidMessage, t)
	}
	if body == "" || len(body) > MaxSDPBytes {
		return fmt.Errorf("%w: sdp size %d", ErrInvalidMessage, len(body))
	}
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(string(t)), SDP: body}
	if _, err := sd.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
