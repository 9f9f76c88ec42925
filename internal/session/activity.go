package session

import (
	"strings"

	"crdt-editor/internal/presence"
)

// Heartbeat refreshes a participant's lastSeen. Heartbeats are not relayed.
func (m *Manager) Heartbeat(sessionID, participantID string) error {
	return m.locked(sessionID, func(s *Session) error {
		mem, err := memberOf(s, participantID)
		if err != nil {
			return err
		}
		now := m.opts.Clock()
		mem.participant.LastSeen = now
		s.lastActivity = now
		return nil
	})
}

// MoveCursor records the participant's cursor and relays it to the rest of
// the room. It reports false when c is older than the cursor already held.
func (m *Manager) MoveCursor(sessionID, participantID string, c presence.Cursor) (bool, error) {
	if c.Line < 0 || c.Column < 0 {
		return false, validationf("cursor position must not be negative")
	}
	applied := false
	err := m.locked(sessionID, func(s *Session) error {
		mem, err := memberOf(s, participantID)
		if err != nil {
			return err
		}
		m.touchLocked(s, mem)
		applied = m.moveCursorLocked(s, participantID, c)
		return nil
	})
	return applied, err
}

func (m *Manager) moveCursorLocked(s *Session, participantID string, c presence.Cursor) bool {
	if !s.presence.ApplyCursor(participantID, c) {
		m.log.Debugf("stale cursor from %s in session %s discarded", participantID, s.id)
		return false
	}
	ev := CursorMoved{ParticipantID: participantID, Cursor: c}
	m.broadcastLocked(s, EventCursorMoved, ev, participantID)
	m.publish(s.id, EventCursorMoved, ev)
	return true
}

// ChangeSelection records the participant's selection and relays it. It
// reports false when sel is older than the selection already held.
func (m *Manager) ChangeSelection(sessionID, participantID string, sel presence.Selection) (bool, error) {
	if sel.Start < 0 || sel.End < 0 {
		return false, validationf("selection bounds must not be negative")
	}
	applied := false
	err := m.locked(sessionID, func(s *Session) error {
		mem, err := memberOf(s, participantID)
		if err != nil {
			return err
		}
		m.touchLocked(s, mem)
		applied = m.changeSelectionLocked(s, participantID, sel)
		return nil
	})
	return applied, err
}

func (m *Manager) changeSelectionLocked(s *Session, participantID string, sel presence.Selection) bool {
	if !s.presence.ApplySelection(participantID, sel) {
		m.log.Debugf("stale selection from %s in session %s discarded", participantID, s.id)
		return false
	}
	ev := SelectionChanged{ParticipantID: participantID, Selection: sel}
	m.broadcastLocked(s, EventSelectionChanged, ev, participantID)
	m.publish(s.id, EventSelectionChanged, ev)
	return true
}

// UpdateParticipant changes a participant out of band. Name and color
// changes are announced with participant-updated; presence goes through the
// same staleness rules as the websocket events.
func (m *Manager) UpdateParticipant(sessionID, participantID string, u ParticipantUpdate) (Participant, error) {
	if u.DisplayName != nil && strings.TrimSpace(*u.DisplayName) == "" {
		return Participant{}, validationf("displayName must not be empty")
	}
	if u.Cursor != nil && (u.Cursor.Line < 0 || u.Cursor.Column < 0) {
		return Participant{}, validationf("cursor position must not be negative")
	}
	if u.Selection != nil && (u.Selection.Start < 0 || u.Selection.End < 0) {
		return Participant{}, validationf("selection bounds must not be negative")
	}
	var out Participant
	err := m.locked(sessionID, func(s *Session) error {
		mem, err := memberOf(s, participantID)
		if err != nil {
			return err
		}
		m.touchLocked(s, mem)
		changed := false
		if u.DisplayName != nil {
			mem.participant.DisplayName = strings.TrimSpace(*u.DisplayName)
			changed = true
		}
		if u.Color != nil && *u.Color != "" {
			mem.participant.Color = *u.Color
			changed = true
		}
		if u.Cursor != nil {
			m.moveCursorLocked(s, participantID, *u.Cursor)
		}
		if u.Selection != nil {
			m.changeSelectionLocked(s, participantID, *u.Selection)
		}
		out = m.view(s, mem, m.opts.Clock())
		if changed {
			m.broadcastLocked(s, EventParticipantUpdated, out, "")
			m.publish(s.id, EventParticipantUpdated, out)
		}
		return nil
	})
	return out, err
}

func (m *Manager) touchLocked(s *Session, mem *member) {
	now := m.opts.Clock()
	mem.participant.LastSeen = now
	s.lastActivity = now
}

func memberOf(s *Session, participantID string) (*member, error) {
	mem, ok := s.members[participantID]
	if !ok {
		return nil, notFoundf("participant %s in session %s", participantID, s.id)
	}
	return mem, nil
}
