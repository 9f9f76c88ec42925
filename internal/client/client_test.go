package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"

	"crdt-editor/internal/api"
	"crdt-editor/internal/crdt"
	"crdt-editor/internal/session"
	"crdt-editor/internal/store"
	"crdt-editor/internal/transport"
)

const waitFor = 5 * time.Second

type failingStore struct{ store.Store }

func (failingStore) Save(context.Context, store.Document) error {
	return &store.Error{Backend: "test", Op: "save", Transient: true, Err: syscall.ECONNREFUSED}
}

func newServer(t *testing.T, st store.Store, opts session.Options) (*session.Manager, string) {
	t.Helper()
	mgr := session.NewManager(session.NewRegistry(), st, nil, nil, opts)
	router := api.NewRouter(api.NewHandler(mgr, st, nil, nil), transport.NewHandler(mgr, nil, 64), nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return mgr, srv.URL
}

func fastBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return b
}

func dial(t *testing.T, url, sessionID, name string, mod func(*Options)) *Client {
	t.Helper()
	opts := Options{URL: url, SessionID: sessionID, DisplayName: name, Reconnect: true, NewBackOff: fastBackOff}
	if mod != nil {
		mod(&opts)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Dial(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func serverText(mgr *session.Manager, sessionID string) string {
	text, err := mgr.Text(sessionID)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return text
}

func TestTwoClientsConverge(t *testing.T) {
	mgr, url := newServer(t, store.NewMemory(), session.Options{})
	a := dial(t, url, "doc", "A", nil)
	b := dial(t, url, "doc", "B", nil)

	require.NoError(t, a.EditFunc(func(cur string) string { return "Hello" + cur }))
	require.NoError(t, b.EditFunc(func(cur string) string { return cur + "World" }))

	require.Eventually(t, func() bool {
		at, bt := a.Text(), b.Text()
		return at == bt && at == serverText(mgr, "doc") && len(at) == 10
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, b.EditFunc(func(cur string) string { return cur + "!" }))
	require.Eventually(t, func() bool {
		return a.Text() == b.Text() && len(a.Text()) == 11
	}, waitFor, 10*time.Millisecond)
}

func TestReconnectKeepsLocalEdits(t *testing.T) {
	mgr, url := newServer(t, store.NewMemory(), session.Options{})

	var (
		mu       sync.Mutex
		statuses []Status
	)
	var disconnects atomic.Int32
	a := dial(t, url, "notes", "A", func(o *Options) {
		o.OnStatus = func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		}
		o.OnDisconnect = func(int) { disconnects.Add(1) }
	})
	pid := a.ParticipantID()
	require.Equal(t, StatusConnected, a.Status())

	require.NoError(t, a.Edit("abc"))
	require.Eventually(t, func() bool { return serverText(mgr, "notes") == "abc" }, waitFor, 10*time.Millisecond)

	a.Interrupt()
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, "abc", a.Text())

	// typing continues whatever the connection state
	require.NoError(t, a.Edit("abcd"))
	require.Equal(t, "abcd", a.Text())

	require.Eventually(t, func() bool {
		return a.Status() == StatusConnected && a.Unsent() == 0 && serverText(mgr, "notes") == "abcd"
	}, waitFor, 10*time.Millisecond)
	require.Equal(t, pid, a.ParticipantID())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := len(statuses)
		return n >= 3 && statuses[n-1] == StatusConnected && slices.Contains(statuses, StatusDisconnected)
	}, waitFor, 10*time.Millisecond)
}

func TestSessionRebuiltFromClientState(t *testing.T) {
	mgr, url := newServer(t, store.NewMemory(), session.Options{})
	a := dial(t, url, "doc", "A", nil)
	require.NoError(t, a.Edit("abc"))
	require.Eventually(t, func() bool { return serverText(mgr, "doc") == "abc" }, waitFor, 10*time.Millisecond)

	require.NoError(t, mgr.Close(context.Background(), "doc"))

	// the client rejoins and hands its full state to the fresh session
	require.Eventually(t, func() bool { return serverText(mgr, "doc") == "abc" }, waitFor, 10*time.Millisecond)
	require.Equal(t, "abc", a.Text())
}

func TestOfflineEditsAreQueued(t *testing.T) {
	_, url := newServer(t, store.NewMemory(), session.Options{})
	unsent := make(chan int, 4)
	a := dial(t, url, "doc", "A", func(o *Options) {
		o.Reconnect = false
		o.OnDisconnect = func(n int) { unsent <- n }
	})

	a.Interrupt()
	select {
	case n := <-unsent:
		require.Zero(t, n)
	case <-time.After(waitFor):
		t.Fatal("disconnect not reported")
	}
	require.Equal(t, StatusDisconnected, a.Status())

	require.NoError(t, a.Edit("offline"))
	require.Equal(t, 1, a.Unsent())
	require.Equal(t, "offline", a.Text())
	require.ErrorIs(t, a.Save(context.Background(), nil), ErrNotConnected)
	require.ErrorIs(t, a.MoveCursor(0, 1), ErrNotConnected)
}

func TestSaveFailureGoesToRequesterOnly(t *testing.T) {
	_, url := newServer(t, failingStore{Store: store.NewMemory()}, session.Options{})
	var saved atomic.Int32
	a := dial(t, url, "doc", "A", nil)
	b := dial(t, url, "doc", "B", func(o *Options) {
		o.OnEvent = func(f session.Frame) {
			if f.Type == session.EventDocumentSaved {
				saved.Add(1)
			}
		}
	})

	require.NoError(t, a.Edit("draft"))
	err := a.Save(context.Background(), nil)
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, session.CodePersistence, rerr.Code)
	require.True(t, rerr.Retryable)
	require.Equal(t, "draft", a.Text())
	require.Zero(t, saved.Load())
	require.Equal(t, StatusConnected, b.Status())
}

func TestSaveSuccessReachesEveryone(t *testing.T) {
	st := store.NewMemory()
	_, url := newServer(t, st, session.Options{})
	var saved atomic.Int32
	a := dial(t, url, "doc", "A", nil)
	dial(t, url, "doc", "B", func(o *Options) {
		o.OnEvent = func(f session.Frame) {
			if f.Type == session.EventDocumentSaved {
				saved.Add(1)
			}
		}
	})

	require.NoError(t, a.Edit("final"))
	require.NoError(t, a.Save(context.Background(), nil))
	require.Eventually(t, func() bool { return saved.Load() == 1 }, waitFor, 10*time.Millisecond)

	doc, err := st.Load(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, "final", doc.Content)
	require.Equal(t, a.ParticipantID(), doc.SavedBy)
}

func TestDialRejectedWhenFull(t *testing.T) {
	_, url := newServer(t, nil, session.Options{MaxParticipants: 1})
	dial(t, url, "doc", "A", nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := Dial(ctx, Options{URL: url, SessionID: "doc", DisplayName: "B"})
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, session.CodeCapacity, rerr.Code)
}

func TestAdoptsSessionStrategy(t *testing.T) {
	_, url := newServer(t, nil, session.Options{Strategy: crdt.StrategyLastWriteWins})
	a := dial(t, url, "doc", "A", nil)
	b := dial(t, url, "doc", "B", nil)

	require.NoError(t, a.Edit("one"))
	require.Eventually(t, func() bool { return b.Text() == "one" }, waitFor, 10*time.Millisecond)
	require.NoError(t, b.Edit("two"))
	require.Eventually(t, func() bool { return a.Text() == "two" }, waitFor, 10*time.Millisecond)
}

func TestDialErrors(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "http://127.0.0.1:1"})
	require.Error(t, err)

	_, err = Dial(context.Background(), Options{URL: "ftp://example.com", SessionID: "s"})
	require.Error(t, err)

	_, err = Dial(context.Background(), Options{URL: "http://127.0.0.1:1", SessionID: "s", Strategy: crdt.StrategyManual})
	require.Error(t, err)

	_, err = Dial(context.Background(), Options{URL: "http://127.0.0.1:1", SessionID: "s"})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrClosed))
}

func TestWSURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":     "ws://localhost:8080/ws",
		"https://collab.example/":   "wss://collab.example/ws",
		"ws://10.0.0.2:9000/ws":     "ws://10.0.0.2:9000/ws",
		"wss://collab.example/live": "wss://collab.example/live",
	}
	for in, want := range tests {
		got, err := wsURL(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
