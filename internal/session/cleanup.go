package session

import (
	"context"
	"time"
)

// SweepResult counts what one cleanup sweep removed.
type SweepResult struct {
	Evicted int `json:"evicted"`
	Removed int `json:"removed"`
}

// CleanupSweep evicts participants not seen within the inactivity timeout
// and deletes sessions that end up empty. Sessions emptied by a disconnect
// are kept until their grace period has passed.
func (m *Manager) CleanupSweep(now time.Time) SweepResult {
	var res SweepResult
	for _, s := range m.registry.List() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		var stale []*member
		for _, mem := range s.members {
			if now.Sub(mem.participant.LastSeen) > m.opts.InactivityTimeout {
				stale = append(stale, mem)
			}
		}
		for _, mem := range stale {
			m.log.Infof("evicting inactive participant %s from session %s", mem.participant.ID, s.id)
			m.removeLocked(s, mem)
			if mem.peer != nil {
				mem.peer.Close()
			}
			res.Evicted++
		}
		if len(s.members) == 0 {
			if len(stale) > 0 || s.emptySince.IsZero() || now.Sub(s.emptySince) >= m.opts.SessionGrace {
				m.deleteLocked(s)
				res.Removed++
			}
		}
		drops := s.takeDrops()
		s.mu.Unlock()
		m.handleDrops(s, drops)
	}
	return res
}

// Close evicts every participant of a session and deletes it. Peers stay
// open so clients can join again.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	return m.locked(sessionID, func(s *Session) error {
		m.closeLocked(s)
		return nil
	})
}

// Shutdown closes every session and every connected peer. The manager stays
// usable, but nothing registered before the call survives it.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, s := range m.registry.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		peers := m.closeLocked(s)
		s.takeDrops()
		s.mu.Unlock()
		for _, p := range peers {
			p.Close()
		}
	}
	m.log.Infof("all sessions closed")
	return nil
}

// closeLocked tells everyone about everyone, empties the room and deletes
// it. It returns the peers that were connected.
func (m *Manager) closeLocked(s *Session) []Peer {
	members := s.sortedMembers()
	for _, mem := range members {
		ref := ParticipantRef{ParticipantID: mem.participant.ID}
		m.broadcastLocked(s, EventParticipantLeft, ref, "")
		m.broadcastLocked(s, EventPresenceRemoved, ref, "")
		m.publish(s.id, EventParticipantLeft, ref)
	}
	var peers []Peer
	for _, mem := range members {
		delete(s.members, mem.participant.ID)
		s.presence.Remove(mem.participant.ID)
		m.unbind(mem.connID, Binding{SessionID: s.id, ParticipantID: mem.participant.ID})
		if mem.peer != nil {
			peers = append(peers, mem.peer)
		}
	}
	m.deleteLocked(s)
	return peers
}
