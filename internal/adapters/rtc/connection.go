package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/core"
)

// bufferedCandidateWarn is the queue depth at which we start warning; the
// queue itself stays unbounded since trickling peers legitimately burst.
const bufferedCandidateWarn = 32

// opusFrameDuration is fixed by the 20 ms framing in opus.go.
const opusFrameDuration = 20 * time.Millisecond

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Connection wraps a pion PeerConnection as a core.MediaConnection: one
// inbound audio track decoded to PCM, one outbound synthesized track, and
// an ordered buffer for ICE candidates that arrive before the remote
// description is set.
type Connection struct {
	pc     *webrtc.PeerConnection
	sid    core.SessionID
	out    *webrtc.TrackLocalStaticSample
	enc    *opusEncoder
	states chan core.ConnState

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	remoteSet bool
	pending   []core.Candidate
	pcmTail   []byte
	apply     func(core.Candidate) error

	audioIn  chan []byte
	trackUp  atomic.Bool
	closed   atomic.Bool
	closeErr error
	once     sync.Once
}

func NewConnection(cfg webrtc.Configuration, sid core.SessionID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}

	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio", "aria",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("rtc: new local track: %w", err)
	}
	if _, err := pc.AddTrack(out); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("rtc: add local track: %w", err)
	}

	enc, err := newOpusEncoder()
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:      pc,
		sid:     sid,
		out:     out,
		enc:     enc,
		states:  make(chan core.ConnState, 16),
		ctx:     ctx,
		cancel:  cancel,
		audioIn: make(chan []byte, 256),
	}
	c.apply = c.applyCandidate

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(sid)).
			Str("peer_connection_state", s.String()).Msg("peer state")
		c.pushState(mapPeerState(s))
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("sid", string(sid)).
			Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if !c.trackUp.CompareAndSwap(false, true) {
			log.Warn().Str("module", "rtc").Str("sid", string(sid)).Msg("extra audio track ignored")
			return
		}
		log.Info().Str("module", "rtc").Str("sid", string(sid)).
			Str("track_id", track.ID()).Msg("remote audio track")
		go c.readLoop(track)
	})

	return c, nil
}

// Negotiate applies the remote offer, flushes any candidates buffered
// before the description was set (in arrival order, each exactly once) and
// returns the answer once ICE gathering completes.
func (c *Connection) Negotiate(ctx context.Context, offerSDP string) (string, error) {
	c.pushState(core.ConnHaveOffer)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: set remote description: %w", err)
	}

	// The flush holds the lock so candidates trickled mid-negotiation queue
	// behind the buffered ones instead of jumping ahead of them.
	c.mu.Lock()
	c.remoteSet = true
	for _, cand := range c.pending {
		if err := c.apply(cand); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("flush buffered candidate")
		}
	}
	c.pending = nil
	c.mu.Unlock()

	c.pushState(core.ConnNegotiating)
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("rtc: no local description after gathering")
	}
	return local.SDP, nil
}

// AddCandidate applies a trickled candidate, buffering it while the remote
// description is still pending.
func (c *Connection) AddCandidate(cand core.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		if len(c.pending) >= bufferedCandidateWarn {
			log.Warn().Str("module", "rtc").Str("sid", string(c.sid)).
				Int("buffered", len(c.pending)).Msg("large candidate buffer before remote description")
		}
		return nil
	}
	return c.apply(cand)
}

func (c *Connection) applyCandidate(cand core.Candidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *Connection) AudioIn() <-chan []byte { return c.audioIn }

func (c *Connection) States() <-chan core.ConnState { return c.states }

// SendAudio encodes outbound PCM into 20 ms opus samples. Chunks from the
// synthesis provider arrive in arbitrary sizes, so a tail shorter than one
// frame is carried over to the next call.
func (c *Connection) SendAudio(pcm []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("rtc: connection closed")
	}
	c.mu.Lock()
	buf := append(c.pcmTail, pcm...)
	var frames [][]byte
	for len(buf) >= opusFrameBytes {
		frames = append(frames, buf[:opusFrameBytes])
		buf = buf[opusFrameBytes:]
	}
	c.pcmTail = append([]byte(nil), buf...)
	c.mu.Unlock()

	for _, frame := range frames {
		payload, err := c.enc.encode(frame)
		if err != nil {
			return err
		}
		if err := c.out.WriteSample(media.Sample{Data: payload, Duration: opusFrameDuration}); err != nil {
			return fmt.Errorf("rtc: write sample: %w", err)
		}
	}
	return nil
}

func (c *Connection) readLoop(track *webrtc.TrackRemote) {
	dec, err := newOpusDecoder()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("opus decoder")
		return
	}
	defer close(c.audioIn)
	for {
		if c.ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("read RTP")
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("opus decode")
			continue
		}
		select {
		case c.audioIn <- pcm:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) pushState(s core.ConnState) {
	if c.closed.Load() {
		return
	}
	select {
	case c.states <- s:
	default:
		// A stalled watcher must not block pion's callback goroutine.
	}
}

func (c *Connection) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		if err := c.pc.Close(); err != nil {
			c.closeErr = fmt.Errorf("rtc: close peer connection: %w", err)
			log.Error().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Msg("closed")
		}
	})
	return c.closeErr
}

func mapPeerState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnNegotiating
	case webrtc.PeerConnectionStateConnected:
		return core.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return core.ConnClosed
	}
	return core.ConnNew
}

var _ core.MediaConnection = (*Connection)(nil)
