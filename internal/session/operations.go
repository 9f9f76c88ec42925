package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crdt-editor/internal/crdt"
	"crdt-editor/internal/store"
)

// ApplyOperation merges an encoded update from a participant into the
// session replica and relays it to the rest of the room. Malformed updates
// and updates for another strategy fail with ErrMerge before any op is
// applied. A duplicate update is accepted and not relayed again.
func (m *Manager) ApplyOperation(ctx context.Context, sessionID, participantID string, raw []byte) error {
	u, err := crdt.DecodeUpdate(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	var encoded []byte
	err = m.locked(sessionID, func(s *Session) error {
		mem, err := memberOf(s, participantID)
		if err != nil {
			return err
		}
		m.touchLocked(s, mem)
		applied, err := s.replica.ApplyRemoteUpdate(u)
		if err != nil {
			m.log.Warnf("rejected update %s from %s in session %s: %v", u.ID, participantID, sessionID, err)
			return fmt.Errorf("%w: %v", ErrMerge, err)
		}
		if !applied {
			return nil
		}
		encoded, err = s.replica.EncodeUpdate(u)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMerge, err)
		}
		frame, err := EncodeFrame(EventOperationReceived, "", json.RawMessage(encoded))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMerge, err)
		}
		m.fanOutLocked(s, frame, participantID)
		return nil
	})
	if err != nil || encoded == nil {
		return err
	}
	m.publish(sessionID, EventOperationReceived, json.RawMessage(encoded))
	return nil
}

// Save stores content (or the current text when content is nil) through the
// store and, only once that succeeds, announces document-saved to the whole
// room. Failures come back as *PersistenceError to the caller alone and
// never touch the replica.
func (m *Manager) Save(ctx context.Context, sessionID, participantID string, content *string) (store.Document, error) {
	var doc store.Document
	err := m.locked(sessionID, func(s *Session) error {
		mem, err := memberOf(s, participantID)
		if err != nil {
			return err
		}
		m.touchLocked(s, mem)
		doc = store.Document{ID: sessionID, SavedBy: participantID, SavedAt: m.opts.Clock().UTC()}
		if content != nil {
			doc.Content = *content
		} else {
			doc.Content = s.replica.Text()
		}
		return nil
	})
	if err != nil {
		return store.Document{}, err
	}
	if m.store == nil {
		return store.Document{}, &PersistenceError{Err: errors.New("no store configured")}
	}

	saveCtx, cancel := context.WithTimeout(ctx, m.opts.SaveTimeout)
	defer cancel()
	if err := m.store.Save(saveCtx, doc); err != nil {
		m.log.Errorf("save session %s: %v", sessionID, err)
		return store.Document{}, &PersistenceError{Retryable: store.IsTransient(err), Err: err}
	}

	ev := DocumentSaved{Timestamp: doc.SavedAt.UnixMilli(), SavedBy: participantID}
	err = m.locked(sessionID, func(s *Session) error {
		m.broadcastLocked(s, EventDocumentSaved, ev, "")
		return nil
	})
	if err != nil {
		// the room emptied while saving; the document is stored all the same
		m.log.Debugf("document-saved for %s not delivered: %v", sessionID, err)
	}
	m.publish(sessionID, EventDocumentSaved, ev)
	m.log.Infof("session %s saved by %s (%d bytes)", sessionID, participantID, len(doc.Content))
	return doc, nil
}

// HandleRelayed applies an event published by another instance. Updates are
// merged into the local replica, sync requests are answered with the local
// copy, and everything else is forwarded to local members. Events from this
// instance, replies meant for another instance and events for sessions this
// instance does not hold are ignored.
func (m *Manager) HandleRelayed(env Envelope) {
	if env.Instance == m.opts.InstanceID {
		return
	}
	if env.Target != "" && env.Target != m.opts.InstanceID {
		return
	}
	if _, ok := m.registry.Get(env.SessionID); !ok {
		return
	}
	var err error
	switch env.Type {
	case RelaySyncRequest:
		err = m.answerSync(env)
	case RelaySyncState:
		err = m.mergeRelayed(env.SessionID, env.Data, true)
		m.syncDone(env.SessionID)
	case EventOperationReceived:
		err = m.mergeRelayed(env.SessionID, env.Data, false)
	default:
		err = m.locked(env.SessionID, func(s *Session) error {
			frame, err := EncodeFrame(env.Type, "", env.Data)
			if err != nil {
				return err
			}
			m.fanOutLocked(s, frame, "")
			return nil
		})
	}
	if err != nil {
		m.log.Debugf("relayed %s for session %s: %v", env.Type, env.SessionID, err)
	}
}
