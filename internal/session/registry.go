package session

import (
	"sort"
	"sync"
	"time"

	"crdt-editor/internal/crdt"
	"crdt-editor/internal/presence"
)

type member struct {
	participant Participant
	connID      string
	peer        Peer
}

// Session is one document's room. All fields are guarded by mu and only the
// Manager touches them.
type Session struct {
	mu sync.Mutex

	id           string
	createdAt    time.Time
	lastActivity time.Time
	// set when a disconnect left the session empty
	emptySince time.Time
	closed     bool

	replica  crdt.Replica
	members  map[string]*member
	presence *presence.Tracker

	// participants whose peer failed a send while the lock was held
	drops []string

	// closed once the creator has pulled state from other instances
	ready chan struct{}
}

func newSession(id string, replica crdt.Replica, now time.Time) *Session {
	return &Session{
		id:           id,
		createdAt:    now,
		lastActivity: now,
		replica:      replica,
		members:      make(map[string]*member),
		presence:     presence.NewTracker(),
		ready:        make(chan struct{}),
	}
}

// ID returns the session (document) id.
func (s *Session) ID() string { return s.id }

// sortedMembers returns members ordered by join time.
func (s *Session) sortedMembers() []*member {
	out := make([]*member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].participant, out[j].participant
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Session) takeDrops() []string {
	d := s.drops
	s.drops = nil
	return d
}

// Registry is the table of live sessions. It is the only state shared across
// sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session under id, registering the result of create
// if there is none. created reports whether create was used.
func (r *Registry) GetOrCreate(id string, create func() (*Session, error)) (s *Session, created bool, err error) {
	if s, ok := r.Get(id); ok {
		return s, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	s, err = create()
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = s
	return s, true, nil
}

// Delete unregisters s. A newer session registered under the same id is left
// alone.
func (r *Registry) Delete(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
		return true
	}
	return false
}

// List returns every registered session ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
