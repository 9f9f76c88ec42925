// Package session owns collaborative sessions: membership, the authoritative
// replica of each document, presence fan-out and the save hook. Every
// mutation of a session goes through a Manager method holding that session's
// lock, so handling within one session is serialized while different
// sessions proceed independently.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crdt-editor/internal/crdt"
	"crdt-editor/internal/logging"
	"crdt-editor/internal/store"
)

// Peer is one connection able to receive frames. Send and Close must not
// block; a Send error means the frame was not queued.
type Peer interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Options tunes a Manager. Zero values fall back to the defaults.
type Options struct {
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	SessionGrace      time.Duration
	ActivityWindow    time.Duration
	SaveTimeout       time.Duration
	// SyncTimeout bounds how long a new session waits for its state from
	// other instances on the relay.
	SyncTimeout       time.Duration
	MaxParticipants   int
	Strategy          crdt.Strategy
	// InstanceID tags relayed events so an instance ignores its own.
	InstanceID string
	// Clock replaces time.Now in tests.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 30 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.SessionGrace <= 0 {
		o.SessionGrace = time.Minute
	}
	if o.ActivityWindow <= 0 {
		o.ActivityWindow = 2 * time.Minute
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 250 * time.Millisecond
	}
	if o.MaxParticipants <= 0 {
		o.MaxParticipants = 50
	}
	if o.Strategy == "" {
		o.Strategy = crdt.StrategyMerge
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Binding associates a connection with the participant it joined as.
type Binding struct {
	SessionID     string
	ParticipantID string
}

// Manager is the session lifecycle manager.
type Manager struct {
	opts     Options
	registry *Registry
	store    store.Store
	relay    Relay
	log      *logging.Logger

	bindMu   sync.RWMutex
	bindings map[string]Binding

	outbox chan Envelope

	syncMu   sync.Mutex
	syncWait map[string]chan struct{}
}

// NewManager builds a manager over registry. st and relay may be nil.
func NewManager(registry *Registry, st store.Store, relay Relay, log *logging.Logger, opts Options) *Manager {
	opts.setDefaults()
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		opts:     opts,
		registry: registry,
		store:    st,
		relay:    relay,
		log:      log,
		bindings: make(map[string]Binding),
		outbox:   make(chan Envelope, 1024),
		syncWait: make(map[string]chan struct{}),
	}
}

// InstanceID identifies this manager on the relay.
func (m *Manager) InstanceID() string { return m.opts.InstanceID }

// Run sweeps sessions every CleanupInterval and forwards events to the
// relay until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := m.CleanupSweep(m.opts.Clock())
			if res.Evicted > 0 || res.Removed > 0 {
				m.log.Infof("cleanup sweep: evicted %d participants, removed %d sessions, %d live", res.Evicted, res.Removed, m.registry.Len())
			}
		case env := <-m.outbox:
			if m.relay == nil {
				continue
			}
			if err := m.relay.Publish(ctx, env); err != nil {
				m.log.Warnf("relay publish %s for session %s: %v", env.Type, env.SessionID, err)
			}
		}
	}
}

// Binding returns what connID joined as.
func (m *Manager) Binding(connID string) (Binding, bool) {
	m.bindMu.RLock()
	defer m.bindMu.RUnlock()
	b, ok := m.bindings[connID]
	return b, ok
}

func (m *Manager) bind(connID string, b Binding) {
	if connID == "" {
		return
	}
	m.bindMu.Lock()
	m.bindings[connID] = b
	m.bindMu.Unlock()
}

// unbind removes connID only while it still points at b.
func (m *Manager) unbind(connID string, b Binding) {
	if connID == "" {
		return
	}
	m.bindMu.Lock()
	if cur, ok := m.bindings[connID]; ok && cur == b {
		delete(m.bindings, connID)
	}
	m.bindMu.Unlock()
}

// Join adds a participant to sessionID, creating the session on first join,
// and sends session-joined to peer. peer may be nil for participants managed
// over REST. Joining with the id of a current member updates that member.
func (m *Manager) Join(ctx context.Context, peer Peer, sessionID string, info ParticipantInfo) (Participant, Snapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	info.DisplayName = strings.TrimSpace(info.DisplayName)
	if sessionID == "" {
		return Participant{}, Snapshot{}, validationf("sessionId is required")
	}
	if info.DisplayName == "" {
		return Participant{}, Snapshot{}, validationf("displayName is required")
	}
	if len(info.ParticipantID) > 128 {
		return Participant{}, Snapshot{}, validationf("participantId is too long")
	}

	// a connection belongs to one session at a time
	if peer != nil {
		if prev, ok := m.Binding(peer.ID()); ok && (prev.SessionID != sessionID || prev.ParticipantID != info.ParticipantID) {
			if err := m.Leave(ctx, prev.SessionID, prev.ParticipantID); err != nil {
				m.log.Debugf("leave previous session %s: %v", prev.SessionID, err)
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Participant{}, Snapshot{}, err
		}
		s, created, err := m.registry.GetOrCreate(sessionID, func() (*Session, error) {
			replica, err := crdt.NewReplica(m.opts.Strategy, "server-"+m.opts.InstanceID)
			if err != nil {
				return nil, err
			}
			return newSession(sessionID, replica, m.opts.Clock()), nil
		})
		if err != nil {
			return Participant{}, Snapshot{}, err
		}
		if created {
			m.log.Infof("session %s created (%s)", sessionID, m.opts.Strategy)
			m.syncFromPeers(ctx, s)
		} else {
			select {
			case <-s.ready:
			case <-ctx.Done():
				return Participant{}, Snapshot{}, ctx.Err()
			}
		}

		s.mu.Lock()
		if s.closed {
			// deleted while we waited for the lock; register a fresh one
			s.mu.Unlock()
			continue
		}
		p, snap, evicted, err := m.joinLocked(s, peer, info)
		drops := s.takeDrops()
		s.mu.Unlock()

		if evicted != nil {
			evicted.Close()
		}
		m.handleDrops(s, drops)
		if err != nil {
			return Participant{}, Snapshot{}, err
		}
		if peer != nil && slices.Contains(drops, p.ID) {
			return Participant{}, Snapshot{}, fmt.Errorf("%w: session-joined not delivered to %s", ErrTransport, p.ID)
		}
		if peer != nil {
			m.bind(peer.ID(), Binding{SessionID: sessionID, ParticipantID: p.ID})
		}
		m.publish(sessionID, EventParticipantJoined, p)
		m.log.Infof("participant %s (%s) joined session %s", p.ID, p.DisplayName, sessionID)
		return p, snap, nil
	}
}

// joinLocked adds or refreshes the member. It returns a peer that was
// replaced by this join and must be closed.
func (m *Manager) joinLocked(s *Session, peer Peer, info ParticipantInfo) (Participant, Snapshot, Peer, error) {
	now := m.opts.Clock()
	connID := ""
	if peer != nil {
		connID = peer.ID()
	}

	var replaced Peer
	mem, existing := s.members[info.ParticipantID]
	if existing {
		if mem.peer != nil && mem.connID != connID {
			replaced = mem.peer
			m.unbind(mem.connID, Binding{SessionID: s.id, ParticipantID: mem.participant.ID})
		}
		mem.participant.DisplayName = info.DisplayName
		if info.Color != "" {
			mem.participant.Color = info.Color
		}
		mem.participant.LastSeen = now
		mem.connID, mem.peer = connID, peer
	} else {
		if len(s.members) >= m.opts.MaxParticipants {
			return Participant{}, Snapshot{}, nil, fmt.Errorf("%w: session %s has %d participants", ErrSessionFull, s.id, len(s.members))
		}
		id := info.ParticipantID
		if id == "" {
			id = uuid.NewString()
		}
		color := info.Color
		if color == "" {
			color = defaultColor(id)
		}
		mem = &member{
			participant: Participant{ID: id, DisplayName: info.DisplayName, Color: color, JoinedAt: now, LastSeen: now},
			connID:      connID,
			peer:        peer,
		}
		s.members[id] = mem
	}
	s.lastActivity = now
	s.emptySince = time.Time{}

	p := m.view(s, mem, now)
	if existing {
		m.broadcastLocked(s, EventParticipantUpdated, p, p.ID)
	} else {
		m.broadcastLocked(s, EventParticipantJoined, p, p.ID)
	}

	snap := m.snapshotLocked(s, now)
	if peer != nil {
		frame, err := EncodeFrame(EventSessionJoined, "", SessionJoined{Participant: p, Snapshot: snap})
		if err != nil {
			return Participant{}, Snapshot{}, replaced, err
		}
		if err := peer.Send(frame); err != nil {
			s.drops = append(s.drops, p.ID)
		}
	}
	return p, snap, replaced, nil
}

// Leave removes a participant after an explicit leave. A session left empty
// is deleted at once. Leaving an unknown session is a no-op.
func (m *Manager) Leave(ctx context.Context, sessionID, participantID string) error {
	if _, ok := m.registry.Get(sessionID); !ok {
		return nil
	}
	return m.remove(sessionID, participantID)
}

// LeaveConn is Leave for the participant bound to connID.
func (m *Manager) LeaveConn(ctx context.Context, connID string) error {
	b, ok := m.Binding(connID)
	if !ok {
		return validationf("connection has not joined a session")
	}
	return m.Leave(ctx, b.SessionID, b.ParticipantID)
}

// Disconnect removes the participant bound to connID after its transport
// closed. A session left empty this way survives for the grace period so a
// reconnecting client finds it.
func (m *Manager) Disconnect(connID string) {
	b, ok := m.Binding(connID)
	if !ok {
		return
	}
	err := m.locked(b.SessionID, func(s *Session) error {
		mem, ok := s.members[b.ParticipantID]
		// the participant may already be back on a newer connection
		if !ok || mem.connID != connID {
			return nil
		}
		m.removeLocked(s, mem)
		m.afterRemovalLocked(s, true)
		return nil
	})
	if err != nil {
		m.log.Debugf("disconnect %s: %v", connID, err)
	}
	m.unbind(connID, b)
}

// Touch refreshes lastSeen for the participant bound to connID.
func (m *Manager) Touch(connID string) {
	b, ok := m.Binding(connID)
	if !ok {
		return
	}
	_ = m.locked(b.SessionID, func(s *Session) error {
		if mem, ok := s.members[b.ParticipantID]; ok {
			mem.participant.LastSeen = m.opts.Clock()
		}
		return nil
	})
}

func (m *Manager) remove(sessionID, participantID string) error {
	return m.locked(sessionID, func(s *Session) error {
		mem, ok := s.members[participantID]
		if !ok {
			return notFoundf("participant %s in session %s", participantID, sessionID)
		}
		m.removeLocked(s, mem)
		m.afterRemovalLocked(s, false)
		return nil
	})
}

// removeLocked drops mem and tells the rest of the room.
func (m *Manager) removeLocked(s *Session, mem *member) {
	pid := mem.participant.ID
	delete(s.members, pid)
	s.presence.Remove(pid)
	m.unbind(mem.connID, Binding{SessionID: s.id, ParticipantID: pid})
	ref := ParticipantRef{ParticipantID: pid}
	m.broadcastLocked(s, EventParticipantLeft, ref, "")
	m.broadcastLocked(s, EventPresenceRemoved, ref, "")
	m.publish(s.id, EventParticipantLeft, ref)
	m.publish(s.id, EventPresenceRemoved, ref)
	m.log.Infof("participant %s left session %s", pid, s.id)
}

// afterRemovalLocked deletes an empty session, or starts its grace period
// when graceful is set.
func (m *Manager) afterRemovalLocked(s *Session, graceful bool) {
	if len(s.members) > 0 {
		return
	}
	if graceful {
		s.emptySince = m.opts.Clock()
		return
	}
	m.deleteLocked(s)
}

func (m *Manager) deleteLocked(s *Session) {
	s.closed = true
	m.registry.Delete(s)
	m.log.Infof("session %s removed", s.id)
}

// locked runs fn with the session lock held, then removes participants whose
// transport failed during fn.
func (m *Manager) locked(sessionID string, fn func(s *Session) error) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return notFoundf("session %s", sessionID)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return notFoundf("session %s", sessionID)
	}
	err := fn(s)
	drops := s.takeDrops()
	s.mu.Unlock()
	m.handleDrops(s, drops)
	return err
}

// handleDrops removes participants whose send queue failed. Their peers are
// closed and the room is told they left.
func (m *Manager) handleDrops(s *Session, drops []string) {
	for len(drops) > 0 {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		removed := 0
		for _, pid := range drops {
			mem, ok := s.members[pid]
			if !ok {
				continue
			}
			m.log.Warnf("dropping participant %s from session %s: %v", pid, s.id, ErrTransport)
			m.removeLocked(s, mem)
			if mem.peer != nil {
				mem.peer.Close()
			}
			removed++
		}
		if removed > 0 {
			m.afterRemovalLocked(s, true)
		}
		drops = s.takeDrops()
		s.mu.Unlock()
	}
}

// broadcastLocked encodes the frame once and queues it for every member but
// except.
func (m *Manager) broadcastLocked(s *Session, typ string, data any, except string) {
	frame, err := EncodeFrame(typ, "", data)
	if err != nil {
		m.log.Errorf("encode %s: %v", typ, err)
		return
	}
	m.fanOutLocked(s, frame, except)
}

func (m *Manager) fanOutLocked(s *Session, frame []byte, except string) {
	for pid, mem := range s.members {
		if pid == except || mem.peer == nil {
			continue
		}
		if err := mem.peer.Send(frame); err != nil {
			s.drops = append(s.drops, pid)
		}
	}
}

// publish queues an event for the relay without blocking.
func (m *Manager) publish(sessionID, typ string, data any) {
	if m.relay == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		m.log.Errorf("encode relay %s: %v", typ, err)
		return
	}
	m.enqueue(Envelope{Instance: m.opts.InstanceID, SessionID: sessionID, Type: typ, Data: raw})
}

func (m *Manager) enqueue(env Envelope) {
	if m.relay == nil {
		return
	}
	select {
	case m.outbox <- env:
	default:
		m.log.Warnf("relay queue full, dropping %s for session %s", env.Type, env.SessionID)
	}
}

func (m *Manager) view(s *Session, mem *member, now time.Time) Participant {
	p := mem.participant
	st := s.presence.Get(p.ID)
	p.Cursor, p.Selection = st.Cursor, st.Selection
	p.Active = now.Sub(p.LastSeen) <= m.opts.ActivityWindow
	return p
}

func (m *Manager) snapshotLocked(s *Session, now time.Time) Snapshot {
	members := s.sortedMembers()
	ps := make([]Participant, 0, len(members))
	for _, mem := range members {
		ps = append(ps, m.view(s, mem, now))
	}
	return Snapshot{
		SessionID:    s.id,
		Strategy:     s.replica.Strategy(),
		Participants: ps,
		Document:     s.replica.Snapshot(),
		Text:         s.replica.Text(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#46f0f0", "#f032e6", "#bcf60c"}

func defaultColor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}
