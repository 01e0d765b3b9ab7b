package app

import (
	"sync"
	"time"

	"github.com/ariavoice/aria/internal/app/pipeline"
	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
)

type SessionState int

const (
	SessionNegotiating SessionState = iota
	SessionConnected
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNegotiating:
		return "negotiating"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// Session binds one remote peer to its media connection, pipeline and turn
// state. It is owned exclusively by the Registry; everyone else holds a
// reference only while the session is live.
type Session struct {
	ID        core.SessionID
	CreatedAt time.Time

	conn  core.MediaConnection
	pipe  *pipeline.Pipeline
	turns *pipeline.TurnController
	convo *domain.Conversation

	mu         sync.Mutex
	state      SessionState
	lastActive time.Time

	closeOnce sync.Once
	closeErr  error
}

func NewSession(id core.SessionID, conn core.MediaConnection, pipe *pipeline.Pipeline, turns *pipeline.TurnController, convo *domain.Conversation) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		conn:       conn,
		pipe:       pipe,
		turns:      turns,
		convo:      convo,
		state:      SessionNegotiating,
		lastActive: now,
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionClosed {
		s.state = st
	}
}

// Closing reports whether teardown has begun.
func (s *Session) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionClosed
}

func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// IdleFor is the time since the session last saw signaling or turn
// activity, whichever is fresher.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	last := s.lastActive
	s.mu.Unlock()
	if turnLast := s.turns.LastActivity(); turnLast.After(last) {
		last = turnLast
	}
	return now.Sub(last)
}

func (s *Session) Conversation() *domain.Conversation { return s.convo }

func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipe }

func (s *Session) Turns() *pipeline.TurnController { return s.turns }

// AddCandidate hands a trickled candidate to the media connection, which
// buffers it while the remote description is still pending.
func (s *Session) AddCandidate(c core.Candidate) error {
	s.Touch()
	return s.conn.AddCandidate(c)
}

// Close tears down the pipeline and the media connection, in that order so
// stages stop before their transport disappears. Idempotent: the second
// call is a no-op returning the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionClosed
		s.mu.Unlock()
		s.pipe.Stop()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
