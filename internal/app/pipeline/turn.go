package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/observability"
)

type TurnState int

const (
	TurnIdle TurnState = iota
	TurnUserSpeaking
	TurnProcessing
	TurnAgentSpeaking
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnUserSpeaking:
		return "user_speaking"
	case TurnProcessing:
		return "processing"
	case TurnAgentSpeaking:
		return "agent_speaking"
	}
	return "unknown"
}

// defaultMaxStrikes is how many consecutive stage errors a session survives.
const defaultMaxStrikes = 3

// TurnController tracks the conversational turn state of one session and
// arbitrates barge-in. The sequence number is stored atomically so stages
// can check staleness on every frame without taking the state lock; all
// transitions happen under the lock, so a bump and the state change it
// belongs to are observed together.
type TurnController struct {
	sid     core.SessionID
	metrics *observability.Metrics

	seq atomic.Uint64

	mu           sync.Mutex
	state        TurnState
	strikes      int
	maxStrikes   int
	processingAt time.Time
	lastEventAt  time.Time
}

func NewTurnController(sid core.SessionID, metrics *observability.Metrics) *TurnController {
	return &TurnController{
		sid:         sid,
		metrics:     metrics,
		maxStrikes:  defaultMaxStrikes,
		lastEventAt: time.Now(),
	}
}

// LastActivity is the time of the most recent turn transition; the session
// janitor uses it to spot silent sessions.
func (t *TurnController) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventAt
}

// Current returns the sequence number of the active turn. Zero means no
// turn has started yet (the greeting rides on zero).
func (t *TurnController) Current() uint64 { return t.seq.Load() }

// Stale reports whether a frame tagged with the given turn belongs to an
// interrupted or completed turn and must not reach the peer.
func (t *TurnController) Stale(turn uint64) bool { return turn < t.seq.Load() }

func (t *TurnController) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BeginUser handles voice-activity onset. From Idle it opens a new turn;
// from Processing or AgentSpeaking it interrupts the in-flight turn, which
// bumps the sequence number immediately so every stage starts discarding
// the old turn's frames; while already UserSpeaking it is a no-op.
func (t *TurnController) BeginUser() (turn uint64, interrupted, started bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TurnUserSpeaking:
		return t.seq.Load(), false, false
	case TurnProcessing, TurnAgentSpeaking:
		interrupted = true
		t.metrics.TurnEvent("interrupted")
	}
	t.state = TurnUserSpeaking
	t.lastEventAt = time.Now()
	turn = t.seq.Add(1)
	t.metrics.TurnEvent("started")
	log.Debug().Str("module", "pipeline.turn").Str("sid", string(t.sid)).
		Uint64("turn", turn).Bool("interrupted", interrupted).Msg("user turn started")
	return turn, interrupted, true
}

// EndUtterance seals the user side of the turn on the final transcript.
func (t *TurnController) EndUtterance() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TurnUserSpeaking {
		return t.seq.Load(), false
	}
	t.state = TurnProcessing
	t.processingAt = time.Now()
	t.lastEventAt = t.processingAt
	return t.seq.Load(), true
}

// Abandon drops a turn that produced nothing to respond to (e.g. an empty
// final transcript) without counting it as a failure.
func (t *TurnController) Abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TurnProcessing || t.state == TurnUserSpeaking {
		t.state = TurnIdle
	}
}

// AgentStarted marks the first synthesized audio of a turn.
func (t *TurnController) AgentStarted(turn uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TurnProcessing || turn != t.seq.Load() {
		return false
	}
	t.state = TurnAgentSpeaking
	if !t.processingAt.IsZero() {
		t.metrics.ObserveFirstAudioLatency(time.Since(t.processingAt))
	}
	return true
}

// AgentDone marks synthesis completion; one fully completed turn resets the
// consecutive-failure count.
func (t *TurnController) AgentDone(turn uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TurnAgentSpeaking || turn != t.seq.Load() {
		return false
	}
	t.state = TurnIdle
	t.strikes = 0
	t.lastEventAt = time.Now()
	t.metrics.TurnEvent("completed")
	return true
}

// Fail records a stage error, forces the controller to Idle and reports
// whether the session should be torn down (too many consecutive failures).
func (t *TurnController) Fail(stage string, err error) (escalate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TurnIdle
	t.strikes++
	t.metrics.StageErrorFor(stage)
	log.Warn().Err(err).Str("module", "pipeline.turn").Str("sid", string(t.sid)).
		Str("stage", stage).Int("strikes", t.strikes).Msg("stage error")
	return t.strikes >= t.maxStrikes
}

// Strikes returns the current consecutive-failure count.
func (t *TurnController) Strikes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.strikes
}
