package app

import (
	"context"
	"sync"

	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
)

type fakeConn struct {
	negotiateErr error
	audioIn      chan []byte
	states       chan core.ConnState

	mu         sync.Mutex
	negotiated int
	candidates []core.Candidate
	closed     bool
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		audioIn: make(chan []byte, 16),
		states:  make(chan core.ConnState, 16),
	}
}

func (c *fakeConn) Negotiate(ctx context.Context, offerSDP string) (string, error) {
	c.mu.Lock()
	c.negotiated++
	c.mu.Unlock()
	if c.negotiateErr != nil {
		return "", c.negotiateErr
	}
	return "answer-sdp", nil
}

func (c *fakeConn) AddCandidate(cand core.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) AudioIn() <-chan []byte { return c.audioIn }

func (c *fakeConn) SendAudio(pcm []byte) error { return nil }

func (c *fakeConn) States() <-chan core.ConnState { return c.states }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.audioIn)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) candidateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

type nopRecStream struct {
	events    chan core.RecognitionEvent
	closeOnce sync.Once
}

func (s *nopRecStream) SendAudio(ctx context.Context, pcm []byte) error { return nil }
func (s *nopRecStream) Events() <-chan core.RecognitionEvent            { return s.events }
func (s *nopRecStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

type nopSynStream struct {
	mu        sync.Mutex
	spoken    []string
	events    chan core.SynthesisEvent
	closeOnce sync.Once
}

func (s *nopSynStream) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}
func (s *nopSynStream) Flush(ctx context.Context) error {
	s.events <- core.SynthesisEvent{Kind: core.SynthesisFlushed}
	return nil
}
func (s *nopSynStream) Clear(ctx context.Context) error { return nil }
func (s *nopSynStream) Events() <-chan core.SynthesisEvent {
	return s.events
}
func (s *nopSynStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *nopSynStream) spokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spoken)
}

// fakeProviders hands out fresh no-op streams and remembers the last ones so
// tests can inspect or fail them.
type fakeProviders struct {
	mu      sync.Mutex
	recErr  error
	synErr  error
	lastRec *nopRecStream
	lastSyn *nopSynStream
}

func (p *fakeProviders) Start(ctx context.Context, sid core.SessionID) (core.RecognitionStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recErr != nil {
		return nil, p.recErr
	}
	p.lastRec = &nopRecStream{events: make(chan core.RecognitionEvent, 16)}
	return p.lastRec, nil
}

type fakeSynProvider struct{ p *fakeProviders }

func (f *fakeSynProvider) Start(ctx context.Context, sid core.SessionID) (core.SynthesisStream, error) {
	f.p.mu.Lock()
	defer f.p.mu.Unlock()
	if f.p.synErr != nil {
		return nil, f.p.synErr
	}
	f.p.lastSyn = &nopSynStream{events: make(chan core.SynthesisEvent, 16)}
	return f.p.lastSyn, nil
}

type fakeGenProvider struct{}

func (fakeGenProvider) Stream(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
	ch := make(chan core.GenerationEvent)
	close(ch)
	return ch, nil
}

func (p *fakeProviders) latestSyn() *nopSynStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSyn
}
