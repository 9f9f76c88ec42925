package session

import (
	"context"
	"encoding/json"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crdt-editor/internal/crdt"
	"crdt-editor/internal/store"
)

type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []Frame
	fail   bool
	closed bool
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail || p.closed {
		return ErrTransport
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	p.frames = append(p.frames, f)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) ofType(typ string) []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Frame
	for _, f := range p.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) count(typ string) int { return len(p.ofType(typ)) }

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

// deliver applies every operation-received frame to r.
func (p *fakePeer) deliver(t *testing.T, r crdt.Replica) {
	t.Helper()
	for _, f := range p.ofType(EventOperationReceived) {
		u, err := crdt.DecodeUpdate(f.Data)
		require.NoError(t, err)
		_, err = r.ApplyRemoteUpdate(u)
		require.NoError(t, err)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, st store.Store, relay Relay, opts Options) (*Manager, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts.Clock = clk.Now
	if opts.InstanceID == "" {
		opts.InstanceID = "local"
	}
	return NewManager(NewRegistry(), st, relay, nil, opts), clk
}

func join(t *testing.T, m *Manager, peer Peer, sessionID, name string) Participant {
	t.Helper()
	p, _, err := m.Join(context.Background(), peer, sessionID, ParticipantInfo{DisplayName: name})
	require.NoError(t, err)
	return p
}

// localEdit applies next to r and returns the encoded update.
func localEdit(t *testing.T, r crdt.Replica, next string) []byte {
	t.Helper()
	u, err := r.ApplyLocalEdit(next)
	require.NoError(t, err)
	raw, err := r.EncodeUpdate(u)
	require.NoError(t, err)
	return raw
}

func decode[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

type unreachableStore struct{}

func (unreachableStore) Save(context.Context, store.Document) error {
	return &store.Error{Backend: "test", Op: "save", Transient: true, Err: syscall.ECONNREFUSED}
}

func (unreachableStore) Load(context.Context, string) (*store.Document, error) {
	return nil, store.ErrNotFound
}

func (unreachableStore) Ping(context.Context) error { return syscall.ECONNREFUSED }
func (unreachableStore) Close() error               { return nil }

type fakeRelay struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *fakeRelay) Publish(_ context.Context, env Envelope) error {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) ofType(typ string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// busRelay delivers every envelope to each attached manager in publish order.
type busRelay struct {
	mu       sync.Mutex
	managers []*Manager
}

func (b *busRelay) attach(ms ...*Manager) {
	b.mu.Lock()
	b.managers = append(b.managers, ms...)
	b.mu.Unlock()
}

func (b *busRelay) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	ms := append([]*Manager(nil), b.managers...)
	b.mu.Unlock()
	for _, m := range ms {
		m.HandleRelayed(env)
	}
	return nil
}
