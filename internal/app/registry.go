package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/core"
)

// Registry is the process-wide map of live sessions. Its lock covers only
// map mutations; operations on different sessions never contend with each
// other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*Session)}
}

func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateSession, s.ID)
	}
	r.sessions[s.ID] = s
	log.Info().Str("module", "app.registry").Str("sid", string(s.ID)).Msg("registered session")
	return nil
}

func (r *Registry) Get(sid core.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Remove unregisters a session without closing it; the caller owns the
// teardown. Returns false if the id was not live.
func (r *Registry) Remove(sid core.SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed session")
	return s, true
}

// ForEach snapshots the live set and invokes fn outside the registry lock.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartJanitor periodically evicts sessions that have been idle longer than
// idleTimeout. Eviction goes through evict so the caller can run its full
// teardown path.
func (r *Registry) StartJanitor(ctx context.Context, interval, idleTimeout time.Duration, evict func(core.SessionID)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				var idle []core.SessionID
				r.ForEach(func(s *Session) {
					if s.IdleFor(now) >= idleTimeout {
						idle = append(idle, s.ID)
					}
				})
				for _, sid := range idle {
					log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("evicting idle session")
					evict(sid)
				}
			}
		}
	}()
}
