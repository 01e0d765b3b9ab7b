package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ariavoice/aria/internal/app/pipeline"
	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
	"github.com/ariavoice/aria/internal/observability"
)

// OfferRequest is one SDP offer from a peer, optionally targeting an
// existing session.
type OfferRequest struct {
	SDP       string
	Type      string
	SessionID core.SessionID
	Restart   bool
}

// Answer is the local SDP answer for an offer.
type Answer struct {
	SDP       string
	Type      string
	SessionID core.SessionID
}

// ConnectionFactory opens a fresh media connection for a session.
type ConnectionFactory func(sid core.SessionID) (core.MediaConnection, error)

type SignalingConfig struct {
	SystemPrompt string
	Greeting     string
	Pipeline     pipeline.Config
	IdleTimeout  time.Duration
}

func (c SignalingConfig) withDefaults() SignalingConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

// Signaling implements the offer/answer plus trickle-ICE protocol and owns
// session construction. Building a session is atomic from the caller's
// perspective: the answer is returned only once the pipeline is wired and
// consuming, and any failure along the way leaves nothing registered.
type Signaling struct {
	// base outlives individual requests; pipelines and watchers run on it.
	base      context.Context
	reg       *Registry
	connect   ConnectionFactory
	providers pipeline.Providers
	metrics   *observability.Metrics
	cfg       SignalingConfig
}

func NewSignaling(
	base context.Context,
	reg *Registry,
	connect ConnectionFactory,
	providers pipeline.Providers,
	metrics *observability.Metrics,
	cfg SignalingConfig,
) *Signaling {
	h := &Signaling{
		base:      base,
		reg:       reg,
		connect:   connect,
		providers: providers,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
	}
	reg.StartJanitor(base, 30*time.Second, h.cfg.IdleTimeout, h.CloseSession)
	return h
}

// CreateOrUpdateSession negotiates one offer. For an unknown id it builds a
// new session; for a known id it rebuilds the connection's negotiation
// state while preserving the conversation context (an explicit restart and
// a repeat offer behave the same way).
func (h *Signaling) CreateOrUpdateSession(ctx context.Context, req OfferRequest) (Answer, error) {
	started := time.Now()
	if strings.TrimSpace(req.SDP) == "" || !strings.EqualFold(req.Type, "offer") {
		return Answer{}, fmt.Errorf("%w: type %q", core.ErrInvalidOffer, req.Type)
	}

	sid := req.SessionID
	var convo *domain.Conversation
	if sid == "" {
		sid = core.SessionID(uuid.NewString())
	} else if existing, ok := h.reg.Get(sid); ok {
		if existing.Closing() {
			return Answer{}, fmt.Errorf("%w: %s is tearing down", core.ErrSessionConflict, sid)
		}
		log.Info().Str("module", "app.signaling").Str("sid", string(sid)).
			Bool("restart", req.Restart).Msg("rebuilding negotiation state")
		convo = existing.Conversation()
		h.CloseSession(sid)
	}
	if convo == nil {
		convo = domain.NewConversation(h.cfg.SystemPrompt)
	}

	conn, err := h.connect(sid)
	if err != nil {
		return Answer{}, fmt.Errorf("open media connection: %w", err)
	}

	turns := pipeline.NewTurnController(sid, h.metrics)
	pipe, err := pipeline.Build(h.base, sid, conn, h.providers, convo, turns, h.metrics, h.cfg.Pipeline)
	if err != nil {
		_ = conn.Close()
		return Answer{}, err
	}

	sess := NewSession(sid, conn, pipe, turns, convo)
	if err := h.reg.Create(sess); err != nil {
		pipe.Stop()
		_ = conn.Close()
		return Answer{}, fmt.Errorf("%w: %v", core.ErrSessionConflict, err)
	}
	h.metrics.SessionGauge(1)
	h.metrics.SessionEvent("created")

	// The pipeline consumes on its own goroutines from here on; the answer
	// below is therefore only ever returned with a fully wired session.
	pipe.Start(h.base)
	go h.watch(sess)

	answerSDP, err := conn.Negotiate(ctx, req.SDP)
	if err != nil {
		h.CloseSession(sid)
		return Answer{}, fmt.Errorf("%w: %v", core.ErrInvalidOffer, err)
	}

	h.metrics.ObserveOfferDuration(time.Since(started))
	log.Info().Str("module", "app.signaling").Str("sid", string(sid)).
		Dur("took", time.Since(started)).Msg("answered offer")
	return Answer{SDP: answerSDP, Type: "answer", SessionID: sid}, nil
}

// AddCandidates delivers trickled ICE candidates. An unknown session id is
// reported as core.ErrUnknownSession; candidate-level failures are logged
// and swallowed because trickling legitimately races teardown.
func (h *Signaling) AddCandidates(sid core.SessionID, candidates []core.Candidate) error {
	sess, ok := h.reg.Get(sid)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownSession, sid)
	}
	for _, c := range candidates {
		if err := sess.AddCandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "app.signaling").Str("sid", string(sid)).Msg("add candidate")
		}
	}
	return nil
}

// CloseSession tears one session down and removes it from the registry.
// Idempotent: closing an unknown or already-closed id is a no-op.
func (h *Signaling) CloseSession(sid core.SessionID) {
	sess, ok := h.reg.Remove(sid)
	if !ok {
		return
	}
	h.metrics.SessionGauge(-1)
	h.metrics.SessionEvent("closed")
	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.signaling").Str("sid", string(sid)).Msg("close session")
	}
}

// CloseAll drains the registry at shutdown. Sessions close independently;
// one failure never stops the others, and the first error is reported.
func (h *Signaling) CloseAll() error {
	var g errgroup.Group
	h.reg.ForEach(func(s *Session) {
		sid := s.ID
		g.Go(func() error {
			sess, ok := h.reg.Remove(sid)
			if !ok {
				return nil
			}
			h.metrics.SessionGauge(-1)
			h.metrics.SessionEvent("closed")
			return sess.Close()
		})
	})
	return g.Wait()
}

// watch reacts to transport state changes and pipeline termination for one
// session. It is the only place greeting injection happens, first transition
// to Connected only.
func (h *Signaling) watch(sess *Session) {
	greeted := false
	for {
		select {
		case <-h.base.Done():
			return
		case <-sess.Pipeline().Done():
			if err := sess.Pipeline().Err(); err != nil {
				log.Warn().Err(err).Str("module", "app.signaling").Str("sid", string(sess.ID)).
					Msg("pipeline terminated, closing session")
			}
			h.CloseSession(sess.ID)
			return
		case st, ok := <-sess.conn.States():
			if !ok {
				return
			}
			sess.Touch()
			log.Info().Str("module", "app.signaling").Str("sid", string(sess.ID)).
				Str("state", st.String()).Msg("connection state")
			switch {
			case st == core.ConnConnected:
				sess.setState(SessionConnected)
				if !greeted && h.cfg.Greeting != "" {
					greeted = true
					sess.Pipeline().InjectControlFrame(core.SpeakFrame(core.SignalGreeting, h.cfg.Greeting, 0))
				}
			case st.Terminal():
				h.CloseSession(sess.ID)
				return
			}
		}
	}
}
