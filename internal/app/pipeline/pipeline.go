package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
	"github.com/ariavoice/aria/internal/observability"
)

// Stage is a single transform of the frame chain. Run must consume in until
// it closes or ctx is cancelled, observing cancellation within one
// frame-processing step, and must only emit through out. A returned error is
// fatal for the whole pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, in <-chan core.Frame, out chan<- core.Frame) error
}

// Providers bundles the three speech engines a pipeline is wired against.
type Providers struct {
	Recognition core.RecognitionProvider
	Generation  core.GenerationProvider
	Synthesis   core.SynthesisProvider
}

type Config struct {
	// EdgeCapacity bounds every stage-to-stage queue. A full queue blocks
	// the producer; frames are never silently dropped except stale
	// AudioOut at the transport edge.
	EdgeCapacity int
	// CallTimeout caps a single provider call so cancellation is
	// eventually honored even when a provider hangs.
	CallTimeout time.Duration
	// Apology is spoken in place of a reply when a stage fails mid-turn.
	Apology string
}

func (c Config) withDefaults() Config {
	if c.EdgeCapacity <= 0 {
		c.EdgeCapacity = 64
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Apology == "" {
		c.Apology = "Sorry, I ran into a hiccup. Could you say that again?"
	}
	return c
}

// Pipeline is the fixed, ordered chain of stages serving one session. The
// stage set is immutable after Build; Start runs each stage on its own
// goroutine under a shared cancellation context.
type Pipeline struct {
	sid    core.SessionID
	cfg    Config
	stages []Stage
	turns  *TurnController

	rec core.RecognitionStream
	syn core.SynthesisStream

	inject chan core.Frame
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Build instantiates the provider streams and wires the stage chain:
// transport-in, recognition, user aggregation, generation, assistant
// aggregation, synthesis, transport-out. Any provider that cannot be
// initialized aborts the build with a core.BuildError and releases whatever
// was already opened; the caller must not register a session in that case.
func Build(
	ctx context.Context,
	sid core.SessionID,
	conn core.MediaConnection,
	providers Providers,
	convo *domain.Conversation,
	turns *TurnController,
	metrics *observability.Metrics,
	cfg Config,
) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	rec, err := providers.Recognition.Start(ctx, sid)
	if err != nil {
		return nil, &core.BuildError{Stage: "recognition", Err: err}
	}
	syn, err := providers.Synthesis.Start(ctx, sid)
	if err != nil {
		_ = rec.Close()
		return nil, &core.BuildError{Stage: "synthesis", Err: err}
	}

	p := &Pipeline{
		sid:    sid,
		cfg:    cfg,
		turns:  turns,
		rec:    rec,
		syn:    syn,
		inject: make(chan core.Frame, 16),
		done:   make(chan struct{}),
	}
	p.stages = []Stage{
		&transportIn{conn: conn, turns: turns},
		&recognition{stream: rec, turns: turns, cfg: cfg},
		&userContext{convo: convo},
		&generation{provider: providers.Generation, convo: convo, turns: turns, cfg: cfg},
		&assistantContext{convo: convo},
		&synthesis{stream: syn, turns: turns, cfg: cfg},
		&transportOut{conn: conn, turns: turns, metrics: metrics},
	}
	return p, nil
}

// Start launches the consume loops. It never blocks the signaling path: it
// returns as soon as every stage goroutine is scheduled.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	in := (<-chan core.Frame)(p.inject)
	for i, st := range p.stages {
		st := st
		stageIn := in
		var out chan core.Frame
		if i < len(p.stages)-1 {
			out = make(chan core.Frame, p.cfg.EdgeCapacity)
		}
		g.Go(func() error {
			defer func() {
				if out != nil {
					close(out)
				}
			}()
			if err := st.Run(gctx, stageIn, out); err != nil {
				log.Error().Err(err).Str("module", "pipeline").
					Str("sid", string(p.sid)).Str("stage", st.Name()).Msg("stage failed")
				return err
			}
			return nil
		})
		in = out
	}

	go func() {
		p.err = g.Wait()
		_ = p.rec.Close()
		_ = p.syn.Close()
		close(p.done)
		log.Info().Str("module", "pipeline").Str("sid", string(p.sid)).Msg("pipeline stopped")
	}()
}

// Stop cancels the shared context and waits for every stage to release its
// resources. Safe to call more than once, and before Start.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		_ = p.rec.Close()
		_ = p.syn.Close()
		return
	}
	p.cancel()
	<-p.done
}

// Done is closed once all stages have exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err reports the fatal stage error, if any, after Done.
func (p *Pipeline) Err() error { return p.err }

// InjectControlFrame enqueues a synthetic frame at the head of the chain.
// The head stage delivers injected frames ahead of pending audio.
func (p *Pipeline) InjectControlFrame(f core.Frame) {
	select {
	case p.inject <- f:
	case <-p.done:
	}
}

// emit pushes a frame downstream, honoring cancellation. Backpressure is a
// blocking send: a slow consumer slows the producer instead of dropping.
func emit(ctx context.Context, out chan<- core.Frame, f core.Frame) error {
	if out == nil {
		return nil
	}
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
