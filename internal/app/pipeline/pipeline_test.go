package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testRig struct {
	conn  *fakeConn
	rec   *fakeRecStream
	gen   *fakeGeneration
	syn   *fakeSynStream
	convo *domain.Conversation
	turns *TurnController
	pipe  *Pipeline
}

func startPipeline(t *testing.T, gen *fakeGeneration) *testRig {
	t.Helper()
	rig := &testRig{
		conn:  newFakeConn(),
		rec:   newFakeRecStream(),
		gen:   gen,
		syn:   newFakeSynStream(),
		convo: domain.NewConversation("be brief"),
		turns: NewTurnController("s1", nil),
	}
	pipe, err := Build(context.Background(), "s1", rig.conn,
		Providers{
			Recognition: &fakeRecognition{stream: rig.rec},
			Generation:  gen,
			Synthesis:   &fakeSynthesis{stream: rig.syn},
		},
		rig.convo, rig.turns, nil, Config{Apology: "sorry about that"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	rig.pipe = pipe
	pipe.Start(context.Background())
	t.Cleanup(pipe.Stop)
	return rig
}

func (r *testRig) speak(text string) {
	r.rec.events <- core.RecognitionEvent{Kind: core.RecognitionSpeechStarted}
	r.rec.events <- core.RecognitionEvent{Kind: core.RecognitionPartial, Text: text}
	r.rec.events <- core.RecognitionEvent{Kind: core.RecognitionFinal, Text: text}
}

func TestPipelineAnswersUtterance(t *testing.T) {
	rig := startPipeline(t, &fakeGeneration{fn: tokenReply("Hi there!")})

	rig.conn.audioIn <- []byte{1, 2, 3}
	waitFor(t, "audio forwarded to recognition", func() bool { return rig.rec.audioCount() == 1 })

	rig.speak("hello aria")
	waitFor(t, "reply audio delivered", func() bool { return rig.conn.sentCount() >= 1 })
	waitFor(t, "turn completed", func() bool { return rig.turns.State() == TurnIdle })

	if got := rig.syn.spokenText(); got != "Hi there!" {
		t.Fatalf("spoken text = %q, want %q", got, "Hi there!")
	}
	entries := rig.convo.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("conversation length = %d, want 3 (system, user, assistant)", len(entries))
	}
	if entries[1].Role != domain.RoleUser || entries[1].Text != "hello aria" {
		t.Fatalf("user entry = %+v", entries[1])
	}
	if entries[2].Role != domain.RoleAssistant || entries[2].Text != "Hi there!" {
		t.Fatalf("assistant entry = %+v", entries[2])
	}
}

func TestPipelineGenerationSeesHistory(t *testing.T) {
	gen := &fakeGeneration{fn: tokenReply("ok")}
	rig := startPipeline(t, gen)

	rig.speak("first question")
	waitFor(t, "first turn completed", func() bool { return rig.turns.State() == TurnIdle && rig.conn.sentCount() >= 1 })
	rig.speak("second question")
	waitFor(t, "second generation call", func() bool { return gen.callCount() == 2 })

	gen.mu.Lock()
	history := gen.histories[1]
	gen.mu.Unlock()
	// system, first question, first reply, second question
	if len(history) != 4 {
		t.Fatalf("second call history length = %d, want 4", len(history))
	}
	if history[3].Text != "second question" {
		t.Fatalf("last entry = %+v, want second question", history[3])
	}
}

func TestPipelineBargeInCancelsReply(t *testing.T) {
	var mu sync.Mutex
	call := 0
	gen := &fakeGeneration{}
	gen.fn = func(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		if n > 1 {
			return tokenReply("Rust is fine.")(ctx, history)
		}
		// First reply stalls after one token until cancelled.
		ch := make(chan core.GenerationEvent, 1)
		ch <- core.GenerationEvent{Token: "Go "}
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	rig := startPipeline(t, gen)

	rig.speak("tell me about go")
	waitFor(t, "first token spoken", func() bool { return strings.Contains(rig.syn.spokenText(), "Go ") })

	// Barge in while the first reply is still streaming.
	rig.speak("what about rust")

	waitFor(t, "first provider call cancelled", func() bool { return gen.callCtx(0).Err() != nil })
	waitFor(t, "synthesis buffers cleared", func() bool { return rig.syn.clearCount() >= 1 })
	waitFor(t, "second reply spoken", func() bool { return strings.Contains(rig.syn.spokenText(), "Rust is fine.") })
	waitFor(t, "second turn completed", func() bool { return rig.turns.State() == TurnIdle })

	entries := rig.convo.Snapshot()
	for _, e := range entries {
		if e.Role == domain.RoleAssistant && strings.Contains(e.Text, "Go ") {
			t.Fatalf("interrupted reply leaked into conversation: %+v", e)
		}
	}
	last := entries[len(entries)-1]
	if last.Role != domain.RoleAssistant || last.Text != "Rust is fine." {
		t.Fatalf("last entry = %+v, want the second reply", last)
	}
}

func TestPipelineInterruptedAudioNeverReachesPeer(t *testing.T) {
	tc := NewTurnController("s1", nil)
	conn := newFakeConn()
	stage := &transportOut{conn: conn, turns: tc}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan core.Frame, 8)
	go stage.Run(ctx, in, nil)

	turn, _, _ := tc.BeginUser()
	in <- core.AudioOutFrame([]byte{1}, turn)
	waitFor(t, "current-turn audio delivered", func() bool { return conn.sentCount() == 1 })

	tc.EndUtterance()
	tc.BeginUser() // barge-in bumps the sequence
	in <- core.AudioOutFrame([]byte{2}, turn)
	in <- core.AudioOutFrame([]byte{3}, tc.Current())
	waitFor(t, "new-turn audio delivered", func() bool { return conn.sentCount() == 2 })

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.sent[1][0] != 3 {
		t.Fatalf("stale frame was delivered: %v", conn.sent)
	}
}

func TestPipelineGreetingSpokenWithoutGeneration(t *testing.T) {
	gen := &fakeGeneration{fn: tokenReply("unused")}
	rig := startPipeline(t, gen)

	rig.pipe.InjectControlFrame(core.SpeakFrame(core.SignalGreeting, "Hi! I'm Aria.", 0))
	waitFor(t, "greeting spoken", func() bool { return rig.syn.spokenText() == "Hi! I'm Aria." })
	waitFor(t, "greeting audio delivered", func() bool { return rig.conn.sentCount() == 1 })

	if gen.callCount() != 0 {
		t.Fatalf("greeting must not consult the generation provider")
	}
}

func TestPipelineProviderFailureSpeaksApology(t *testing.T) {
	gen := &fakeGeneration{}
	gen.fn = func(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
		ch := make(chan core.GenerationEvent, 1)
		ch <- core.GenerationEvent{Err: errors.New("model unavailable")}
		close(ch)
		return ch, nil
	}
	rig := startPipeline(t, gen)

	rig.speak("hello?")
	waitFor(t, "apology spoken", func() bool { return strings.Contains(rig.syn.spokenText(), "sorry about that") })

	select {
	case <-rig.pipe.Done():
		t.Fatalf("a single provider failure must not terminate the pipeline")
	default:
	}
}

func TestPipelineEscalatesAfterRepeatedFailures(t *testing.T) {
	gen := &fakeGeneration{}
	gen.fn = func(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
		ch := make(chan core.GenerationEvent, 1)
		ch <- core.GenerationEvent{Err: errors.New("model unavailable")}
		close(ch)
		return ch, nil
	}
	rig := startPipeline(t, gen)

	for i := 0; i < defaultMaxStrikes; i++ {
		calls := gen.callCount()
		rig.speak("hello?")
		waitFor(t, "generation attempted", func() bool { return gen.callCount() > calls })
	}

	select {
	case <-rig.pipe.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline should terminate after %d consecutive failures", defaultMaxStrikes)
	}
	var stageErr *core.StageError
	if !errors.As(rig.pipe.Err(), &stageErr) {
		t.Fatalf("Err() = %v, want a stage error", rig.pipe.Err())
	}
}

func TestPipelineSilentReplyStillCompletesTurn(t *testing.T) {
	gen := &fakeGeneration{fn: tokenReply("ok")}
	rig := startPipeline(t, gen)
	rig.syn.silent = true

	rig.speak("first question")
	waitFor(t, "first turn completed", func() bool {
		return gen.callCount() == 1 && rig.turns.State() == TurnIdle
	})
	if n := rig.conn.sentCount(); n != 0 {
		t.Fatalf("sent %d audio frames, want none", n)
	}

	// The controller must be back in Idle, so the next utterance starts a
	// fresh turn instead of reading as an interruption.
	rig.speak("second question")
	waitFor(t, "second turn completed", func() bool {
		return gen.callCount() == 2 && rig.turns.State() == TurnIdle
	})
	// system prompt plus two user/assistant pairs
	if entries := rig.convo.Snapshot(); len(entries) != 5 {
		t.Fatalf("conversation length = %d, want 5", len(entries))
	}
}

func TestPipelineStopBeforeStartReleasesStreams(t *testing.T) {
	rec := newFakeRecStream()
	syn := newFakeSynStream()
	pipe, err := Build(context.Background(), "s1", newFakeConn(),
		Providers{
			Recognition: &fakeRecognition{stream: rec},
			Generation:  &fakeGeneration{fn: tokenReply("x")},
			Synthesis:   &fakeSynthesis{stream: syn},
		},
		domain.NewConversation(""), NewTurnController("s1", nil), nil, Config{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pipe.Stop()
	if _, ok := <-rec.events; ok {
		t.Fatalf("recognition stream should be closed")
	}
	if _, ok := <-syn.events; ok {
		t.Fatalf("synthesis stream should be closed")
	}
}
