package session

import (
	"context"
	"encoding/json"
	"time"

	"crdt-editor/internal/crdt"
)

// Relay-only envelope types. A newly created session asks for sync-request
// and every instance holding a non-empty copy answers the asker with its full
// replica as sync-state.
const (
	RelaySyncRequest = "sync-request"
	RelaySyncState   = "sync-state"
)

// Relay carries room events between server instances that serve the same
// session.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// Envelope is one relayed event. Data is the payload of a frame of type Type.
type Envelope struct {
	Instance  string          `json:"instance"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	// Target limits a reply to one instance.
	Target string `json:"target,omitempty"`
}

// syncFromPeers pulls state for a session this instance just created and
// waits until another instance answers or SyncTimeout passes. It releases
// joiners waiting on s.ready either way.
func (m *Manager) syncFromPeers(ctx context.Context, s *Session) {
	defer close(s.ready)
	if m.relay == nil {
		return
	}
	got := make(chan struct{})
	m.syncMu.Lock()
	m.syncWait[s.id] = got
	m.syncMu.Unlock()
	defer func() {
		m.syncMu.Lock()
		if m.syncWait[s.id] == got {
			delete(m.syncWait, s.id)
		}
		m.syncMu.Unlock()
	}()

	env := Envelope{Instance: m.opts.InstanceID, SessionID: s.id, Type: RelaySyncRequest}
	if err := m.relay.Publish(ctx, env); err != nil {
		m.log.Warnf("relay sync request for session %s: %v", s.id, err)
		return
	}
	timer := time.NewTimer(m.opts.SyncTimeout)
	defer timer.Stop()
	select {
	case <-got:
		m.log.Debugf("session %s synced from another instance", s.id)
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (m *Manager) syncDone(sessionID string) {
	m.syncMu.Lock()
	if ch, ok := m.syncWait[sessionID]; ok {
		close(ch)
		delete(m.syncWait, sessionID)
	}
	m.syncMu.Unlock()
}

// answerSync sends this instance's copy of a session to the instance asking
// for it. Empty copies stay silent so they cannot end the asker's wait.
func (m *Manager) answerSync(env Envelope) error {
	var raw []byte
	err := m.locked(env.SessionID, func(s *Session) error {
		if s.replica.Stats().Clock == 0 {
			return nil
		}
		var err error
		raw, err = s.replica.EncodeUpdate(s.replica.Snapshot())
		return err
	})
	if err != nil || raw == nil {
		return err
	}
	m.enqueue(Envelope{
		Instance:  m.opts.InstanceID,
		SessionID: env.SessionID,
		Type:      RelaySyncState,
		Data:      raw,
		Target:    env.Instance,
	})
	return nil
}

// mergeRelayed applies an update from another instance and forwards it to
// local members. A whole-state update that changed nothing is not forwarded.
func (m *Manager) mergeRelayed(sessionID string, data json.RawMessage, whole bool) error {
	u, err := crdt.DecodeUpdate(data)
	if err != nil {
		return err
	}
	return m.locked(sessionID, func(s *Session) error {
		before, beforeText := s.replica.Stats(), s.replica.Text()
		applied, err := s.replica.ApplyRemoteUpdate(u)
		if err != nil || !applied {
			return err
		}
		after := s.replica.Stats()
		before.SeenUpdates = after.SeenUpdates
		if whole && before == after && beforeText == s.replica.Text() {
			return nil
		}
		s.lastActivity = m.opts.Clock()
		frame, err := EncodeFrame(EventOperationReceived, "", data)
		if err != nil {
			return err
		}
		m.fanOutLocked(s, frame, "")
		return nil
	})
}
