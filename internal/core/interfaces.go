package core

import "context"

// Candidate is a trickled ICE candidate as delivered by the signaling
// protocol.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// ConnState mirrors the transport-layer peer connection lifecycle.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnHaveOffer
	ConnNegotiating
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnHaveOffer:
		return "have_offer"
	case ConnNegotiating:
		return "negotiating"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the state ends the session.
func (s ConnState) Terminal() bool {
	return s == ConnDisconnected || s == ConnFailed || s == ConnClosed
}

// MediaConnection is the boundary to the media transport engine. ICE, DTLS
// and SRTP internals stay behind it; the rest of the system only sees audio
// frames and state changes.
//
// Candidates added before the remote description is set are buffered in
// arrival order and applied the moment Negotiate sets the description.
type MediaConnection interface {
	// Negotiate applies the remote offer, flushes any buffered candidates
	// and returns the local answer SDP.
	Negotiate(ctx context.Context, offerSDP string) (answerSDP string, err error)

	// AddCandidate applies a trickled ICE candidate, buffering it if the
	// remote description is not set yet.
	AddCandidate(c Candidate) error

	// AudioIn yields inbound 48 kHz mono PCM16 frames. Closed when the
	// connection closes.
	AudioIn() <-chan []byte

	// SendAudio enqueues one outbound 48 kHz mono PCM16 frame.
	SendAudio(pcm []byte) error

	// States yields connection state changes. Closed when the connection
	// closes.
	States() <-chan ConnState

	Close() error
}
