package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
	"github.com/ariavoice/aria/internal/observability"
)

// failTurn contains a mid-turn provider failure: the controller falls back
// to Idle and an apology is spoken instead of the reply. Only repeated
// consecutive failures escalate into a fatal stage error.
func failTurn(ctx context.Context, out chan<- core.Frame, turns *TurnController, stage, apology string, err error) error {
	if turns.Fail(stage, err) {
		return &core.StageError{Stage: stage, Err: err}
	}
	return emit(ctx, out, core.SpeakFrame(core.SignalSpeak, apology, turns.Current()))
}

// transportIn feeds inbound audio into the chain. Its in channel is the
// injection queue; injected control frames take priority over pending audio.
type transportIn struct {
	conn  core.MediaConnection
	turns *TurnController
}

func (s *transportIn) Name() string { return "transport_in" }

func (s *transportIn) Run(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame) error {
	audio := s.conn.AudioIn()
	for {
		// Drain injected frames first so a greeting or synthetic control
		// frame is delivered ahead of queued audio.
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if err := emit(ctx, out, f); err != nil {
				return nil
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if err := emit(ctx, out, f); err != nil {
				return nil
			}
		case pcm, ok := <-audio:
			if !ok {
				return nil
			}
			if err := emit(ctx, out, core.AudioInFrame(pcm, s.turns.Current())); err != nil {
				return nil
			}
		}
	}
}

// recognition streams inbound audio to the speech-to-text provider and
// drives the turn state machine from its voice-activity and transcript
// events. Inbound audio terminates here: it is consumed for recognition but
// never retransmitted downstream.
type recognition struct {
	stream core.RecognitionStream
	turns  *TurnController
	cfg    Config
}

func (s *recognition) Name() string { return "recognition" }

func (s *recognition) Run(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame) error {
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			switch f.Kind {
			case core.FrameAudioIn:
				if err := s.stream.SendAudio(ctx, f.Audio); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if ferr := failTurn(ctx, out, s.turns, s.Name(), s.cfg.Apology, err); ferr != nil {
						return ferr
					}
				}
			default:
				if err := emit(ctx, out, f); err != nil {
					return nil
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handleEvent(ctx, out, ev); err != nil {
				return err
			}
		}
	}
}

func (s *recognition) handleEvent(ctx context.Context, out chan<- core.Frame, ev core.RecognitionEvent) error {
	switch ev.Kind {
	case core.RecognitionSpeechStarted:
		turn, interrupted, started := s.turns.BeginUser()
		if interrupted {
			// The sequence bump already happened inside BeginUser, so
			// every stage is discarding the old turn by the time this
			// frame travels down the chain.
			if err := emit(ctx, out, core.ControlFrame(core.SignalInterrupt, turn)); err != nil {
				return nil
			}
		}
		if started {
			if err := emit(ctx, out, core.ControlFrame(core.SignalTurnStart, turn)); err != nil {
				return nil
			}
		}
	case core.RecognitionPartial:
		if err := emit(ctx, out, core.TextFrame(core.FrameTranscriptPartial, ev.Text, s.turns.Current())); err != nil {
			return nil
		}
	case core.RecognitionFinal:
		turn, ok := s.turns.EndUtterance()
		if !ok {
			return nil
		}
		if ev.Text == "" {
			s.turns.Abandon()
			return nil
		}
		if err := emit(ctx, out, core.TextFrame(core.FrameTranscriptFinal, ev.Text, turn)); err != nil {
			return nil
		}
	case core.RecognitionError:
		return failTurn(ctx, out, s.turns, s.Name(), s.cfg.Apology, ev.Err)
	}
	return nil
}

// userContext appends sealed user utterances to the conversation, strictly
// in turn order (frames arrive ordered per turn by the chain itself).
type userContext struct {
	convo *domain.Conversation
}

func (s *userContext) Name() string { return "user_context" }

func (s *userContext) Run(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if f.Kind == core.FrameTranscriptFinal {
				s.convo.Append(domain.RoleUser, f.Text)
			}
			if err := emit(ctx, out, f); err != nil {
				return nil
			}
		}
	}
}

// generation turns a sealed user utterance into a streamed reply. While a
// reply is streaming it keeps watching the inbound edge so an interrupt
// cancels the provider call mid-flight.
type generation struct {
	provider core.GenerationProvider
	convo    *domain.Conversation
	turns    *TurnController
	cfg      Config
}

func (s *generation) Name() string { return "generation" }

func (s *generation) Run(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			switch {
			case f.Kind == core.FrameTranscriptFinal:
				if s.turns.Stale(f.Turn) {
					continue
				}
				if err := s.generate(ctx, in, out, f.Turn); err != nil {
					return err
				}
			case f.Kind == core.FrameTranscriptPartial:
				// Partials only inform the turn machine upstream.
			default:
				if err := emit(ctx, out, f); err != nil {
					return nil
				}
			}
		}
	}
}

func (s *generation) generate(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame, turn uint64) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	events, err := s.provider.Stream(callCtx, s.convo.Snapshot())
	if err != nil {
		return failTurn(ctx, out, s.turns, s.Name(), s.cfg.Apology, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if f.Kind == core.FrameControl && f.Signal == core.SignalInterrupt && f.Turn > turn {
				// Barge-in: abandon the reply and let the interrupt
				// travel on so synthesis flushes its buffers.
				cancel()
				if err := emit(ctx, out, f); err != nil {
					return nil
				}
				return nil
			}
			if err := emit(ctx, out, f); err != nil {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				if ctx.Err() != nil || s.turns.Stale(turn) {
					return nil
				}
				return failTurn(ctx, out, s.turns, s.Name(), s.cfg.Apology, ev.Err)
			}
			if ev.Final {
				if s.turns.Stale(turn) {
					return nil
				}
				return emitOrNil(ctx, out, core.TextFrame(core.FrameGenerationFinal, ev.Text, turn))
			}
			if s.turns.Stale(turn) {
				cancel()
				continue
			}
			if err := emit(ctx, out, core.TextFrame(core.FrameGenerationToken, ev.Token, turn)); err != nil {
				return nil
			}
		}
	}
}

// emitOrNil is emit for code paths where a cancelled context is a normal
// shutdown, not a stage failure.
func emitOrNil(ctx context.Context, out chan<- core.Frame, f core.Frame) error {
	if err := emit(ctx, out, f); err != nil {
		return nil
	}
	return nil
}

// assistantContext records the assistant's completed reply.
type assistantContext struct {
	convo *domain.Conversation
}

func (s *assistantContext) Name() string { return "assistant_context" }

func (s *assistantContext) Run(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if f.Kind == core.FrameGenerationFinal {
				s.convo.Append(domain.RoleAssistant, f.Text)
			}
			if err := emit(ctx, out, f); err != nil {
				return nil
			}
		}
	}
}

// synthesis feeds reply text to the text-to-speech stream and emits its
// audio chunks. An interrupt clears the provider's buffered audio so the
// old turn goes silent immediately.
type synthesis struct {
	stream core.SynthesisStream
	turns  *TurnController
	cfg    Config

	speakingTurn uint64
	spokeAudio   bool
}

func (s *synthesis) Name() string { return "synthesis" }

func (s *synthesis) Run(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame) error {
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.handleFrame(ctx, out, f); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handleEvent(ctx, out, ev); err != nil {
				return err
			}
		}
	}
}

func (s *synthesis) handleFrame(ctx context.Context, out chan<- core.Frame, f core.Frame) error {
	call := func(do func(context.Context) error) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		if err := do(callCtx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.failLocal(ctx, err)
		}
		return nil
	}

	switch f.Kind {
	case core.FrameGenerationToken:
		if s.turns.Stale(f.Turn) {
			return nil
		}
		s.beginUtterance(f.Turn)
		return call(func(c context.Context) error { return s.stream.Speak(c, f.Text) })
	case core.FrameGenerationFinal:
		if s.turns.Stale(f.Turn) {
			return nil
		}
		return call(func(c context.Context) error { return s.stream.Flush(c) })
	case core.FrameControl:
		switch f.Signal {
		case core.SignalInterrupt:
			if err := call(func(c context.Context) error { return s.stream.Clear(c) }); err != nil {
				return err
			}
			return emitOrNil(ctx, out, f)
		case core.SignalGreeting, core.SignalSpeak:
			s.beginUtterance(f.Turn)
			return call(func(c context.Context) error {
				if err := s.stream.Speak(c, f.Text); err != nil {
					return err
				}
				return s.stream.Flush(c)
			})
		default:
			return emitOrNil(ctx, out, f)
		}
	}
	return nil
}

func (s *synthesis) beginUtterance(turn uint64) {
	if s.speakingTurn != turn {
		s.speakingTurn = turn
		s.spokeAudio = false
	}
}

func (s *synthesis) handleEvent(ctx context.Context, out chan<- core.Frame, ev core.SynthesisEvent) error {
	switch ev.Kind {
	case core.SynthesisAudio:
		if !s.spokeAudio {
			s.spokeAudio = true
			s.turns.AgentStarted(s.speakingTurn)
		}
		return emitOrNil(ctx, out, core.AudioOutFrame(ev.Audio, s.speakingTurn))
	case core.SynthesisFlushed:
		// A reply can flush without producing a single audio chunk (empty
		// synthesized text). The turn still has to complete.
		if !s.spokeAudio {
			s.spokeAudio = true
			s.turns.AgentStarted(s.speakingTurn)
		}
		if s.turns.AgentDone(s.speakingTurn) {
			return emitOrNil(ctx, out, core.ControlFrame(core.SignalTurnEnd, s.speakingTurn))
		}
	case core.SynthesisCleared:
		log.Debug().Str("module", "pipeline.synthesis").Uint64("turn", s.speakingTurn).Msg("buffered audio cleared")
	case core.SynthesisError:
		if ctx.Err() != nil {
			return nil
		}
		return s.failLocal(ctx, ev.Err)
	}
	return nil
}

// failLocal handles a synthesis failure. Frames emitted downstream would
// die at the transport edge, so the apology is attempted through the
// synthesis stream itself, best effort.
func (s *synthesis) failLocal(ctx context.Context, err error) error {
	if s.turns.Fail(s.Name(), err) {
		return &core.StageError{Stage: s.Name(), Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if serr := s.stream.Speak(callCtx, s.cfg.Apology); serr == nil {
		_ = s.stream.Flush(callCtx)
	}
	return nil
}

// transportOut delivers synthesized audio to the peer. This is the one edge
// allowed to drop: AudioOut frames whose turn is older than the current one
// are discarded so an interrupted reply never plays over the user.
type transportOut struct {
	conn    core.MediaConnection
	turns   *TurnController
	metrics *observability.Metrics
}

func (s *transportOut) Name() string { return "transport_out" }

func (s *transportOut) Run(ctx context.Context, in <-chan core.Frame, _ chan<- core.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if f.Kind != core.FrameAudioOut {
				continue
			}
			if s.turns.Stale(f.Turn) {
				s.metrics.TurnEvent("stale_audio_dropped")
				continue
			}
			if err := s.conn.SendAudio(f.Audio); err != nil {
				// Transport hiccups surface as connection state changes;
				// a failed write is not a turn failure.
				log.Debug().Err(err).Str("module", "pipeline.transport_out").Msg("send audio")
			}
		}
	}
}
