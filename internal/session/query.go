package session

import (
	"time"

	"crdt-editor/internal/crdt"
)

// Summary is the listing view of a session.
type Summary struct {
	ID           string        `json:"id"`
	Strategy     crdt.Strategy `json:"strategy"`
	Participants int           `json:"participants"`
	TextLength   int           `json:"textLength"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// Stats describes a session and the size of its replica.
type Stats struct {
	SessionID    string     `json:"sessionId"`
	Participants int        `json:"participants"`
	Active       int        `json:"activeParticipants"`
	WithPresence int        `json:"withPresence"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	Replica      crdt.Stats `json:"replica"`
}

// Sessions lists every live session.
func (m *Manager) Sessions() []Summary {
	list := m.registry.List()
	out := make([]Summary, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		if !s.closed {
			out = append(out, Summary{
				ID:           s.id,
				Strategy:     s.replica.Strategy(),
				Participants: len(s.members),
				TextLength:   s.replica.Stats().Visible,
				CreatedAt:    s.createdAt,
				LastActivity: s.lastActivity,
			})
		}
		s.mu.Unlock()
	}
	return out
}

// Snapshot returns the full state of a session.
func (m *Manager) Snapshot(sessionID string) (Snapshot, error) {
	var snap Snapshot
	err := m.locked(sessionID, func(s *Session) error {
		snap = m.snapshotLocked(s, m.opts.Clock())
		return nil
	})
	return snap, err
}

// Text returns the current document text of a session.
func (m *Manager) Text(sessionID string) (string, error) {
	var text string
	err := m.locked(sessionID, func(s *Session) error {
		text = s.replica.Text()
		return nil
	})
	return text, err
}

// Stats returns counters for a session.
func (m *Manager) Stats(sessionID string) (Stats, error) {
	var st Stats
	err := m.locked(sessionID, func(s *Session) error {
		now := m.opts.Clock()
		st = Stats{
			SessionID:    s.id,
			Participants: len(s.members),
			WithPresence: s.presence.Len(),
			CreatedAt:    s.createdAt,
			LastActivity: s.lastActivity,
			Replica:      s.replica.Stats(),
		}
		for _, mem := range s.members {
			if now.Sub(mem.participant.LastSeen) <= m.opts.ActivityWindow {
				st.Active++
			}
		}
		return nil
	})
	if err == nil {
		m.log.Dump("session stats", st)
	}
	return st, err
}

// Participants lists the members of a session in join order.
func (m *Manager) Participants(sessionID string) ([]Participant, error) {
	out := []Participant{}
	err := m.locked(sessionID, func(s *Session) error {
		now := m.opts.Clock()
		for _, mem := range s.sortedMembers() {
			out = append(out, m.view(s, mem, now))
		}
		return nil
	})
	return out, err
}

// Participant returns one member of a session.
func (m *Manager) Participant(sessionID, participantID string) (Participant, error) {
	var out Participant
	err := m.locked(sessionID, func(s *Session) error {
		mem, err := memberOf(s, participantID)
		if err != nil {
			return err
		}
		out = m.view(s, mem, m.opts.Clock())
		return nil
	})
	return out, err
}
