package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
)

type fakeConn struct {
	audioIn chan []byte
	states  chan core.ConnState

	mu        sync.Mutex
	sent      [][]byte
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		audioIn: make(chan []byte, 16),
		states:  make(chan core.ConnState, 16),
	}
}

func (c *fakeConn) Negotiate(ctx context.Context, offerSDP string) (string, error) {
	return "answer-sdp", nil
}

func (c *fakeConn) AddCandidate(cand core.Candidate) error { return nil }

func (c *fakeConn) AudioIn() <-chan []byte { return c.audioIn }

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, pcm)
	return nil
}

func (c *fakeConn) States() <-chan core.ConnState { return c.states }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.audioIn) })
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeRecStream struct {
	mu        sync.Mutex
	audio     [][]byte
	sendErr   error
	events    chan core.RecognitionEvent
	closeOnce sync.Once
}

func newFakeRecStream() *fakeRecStream {
	return &fakeRecStream{events: make(chan core.RecognitionEvent, 64)}
}

func (s *fakeRecStream) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.audio = append(s.audio, pcm)
	return nil
}

func (s *fakeRecStream) Events() <-chan core.RecognitionEvent { return s.events }

func (s *fakeRecStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeRecStream) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type fakeRecognition struct{ stream *fakeRecStream }

func (p *fakeRecognition) Start(ctx context.Context, sid core.SessionID) (core.RecognitionStream, error) {
	return p.stream, nil
}

// fakeGeneration answers every Stream call through fn and records the call
// context so tests can observe cancellation.
type fakeGeneration struct {
	mu        sync.Mutex
	fn        func(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error)
	calls     int
	callCtxs  []context.Context
	histories [][]domain.Entry
}

// tokenReply streams the words of text as tokens followed by a final event.
func tokenReply(text string) func(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
	return func(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
		ch := make(chan core.GenerationEvent, 16)
		go func() {
			defer close(ch)
			for _, tok := range strings.SplitAfter(text, " ") {
				select {
				case ch <- core.GenerationEvent{Token: tok}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- core.GenerationEvent{Text: text, Final: true}:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
}

func (p *fakeGeneration) Stream(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
	p.mu.Lock()
	p.calls++
	p.callCtxs = append(p.callCtxs, ctx)
	snap := make([]domain.Entry, len(history))
	copy(snap, history)
	p.histories = append(p.histories, snap)
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, history)
}

func (p *fakeGeneration) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeGeneration) callCtx(i int) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCtxs[i]
}

// fakeSynStream renders one audio chunk per utterance on Flush, or none at
// all when silent.
type fakeSynStream struct {
	mu        sync.Mutex
	spoken    []string
	clears    int
	silent    bool
	events    chan core.SynthesisEvent
	closeOnce sync.Once
}

func newFakeSynStream() *fakeSynStream {
	return &fakeSynStream{events: make(chan core.SynthesisEvent, 64)}
}

func (s *fakeSynStream) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSynStream) Flush(ctx context.Context) error {
	if !s.silent {
		s.events <- core.SynthesisEvent{Kind: core.SynthesisAudio, Audio: []byte{0x01, 0x02}}
	}
	s.events <- core.SynthesisEvent{Kind: core.SynthesisFlushed}
	return nil
}

func (s *fakeSynStream) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	s.events <- core.SynthesisEvent{Kind: core.SynthesisCleared}
	return nil
}

func (s *fakeSynStream) Events() <-chan core.SynthesisEvent { return s.events }

func (s *fakeSynStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSynStream) spokenText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.spoken, "")
}

func (s *fakeSynStream) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

type fakeSynthesis struct{ stream *fakeSynStream }

func (p *fakeSynthesis) Start(ctx context.Context, sid core.SessionID) (core.SynthesisStream, error) {
	return p.stream, nil
}
