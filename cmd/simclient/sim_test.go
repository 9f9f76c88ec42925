package main

import (
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"crdt-editor/internal/api"
	"crdt-editor/internal/logging"
	"crdt-editor/internal/session"
	"crdt-editor/internal/store"
	"crdt-editor/internal/transport"
)

func TestNextTextChangesOneRune(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	text := ""
	for i := 0; i < 200; i++ {
		next := nextText(rng, scenarios["review"], text)
		diff := utf8.RuneCountInString(next) - utf8.RuneCountInString(text)
		require.Contains(t, []int{-1, 1}, diff)
		text = next
	}
}

func TestLineColumn(t *testing.T) {
	line, col := lineColumn("ab\ncd", 4)
	require.Equal(t, 1, line)
	require.Equal(t, 1, col)

	line, col = lineColumn("abc", 3)
	require.Equal(t, 0, line)
	require.Equal(t, 3, col)
}

func TestSelectPlans(t *testing.T) {
	require.Len(t, selectPlans("all"), len(plans))
	require.Equal(t, "Heavy Load", selectPlans("heavy-load")[0].Name)
	require.Nil(t, selectPlans("nope"))
}

func TestRunConverges(t *testing.T) {
	st := store.NewMemory()
	mgr := session.NewManager(session.NewRegistry(), st, nil, nil, session.Options{})
	router := api.NewRouter(api.NewHandler(mgr, st, nil, nil), transport.NewHandler(mgr, nil, 256), nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	bad, err := run(simConfig{
		ServerURL:       srv.URL,
		Users:           3,
		SessionID:       "sim-test",
		Duration:        300 * time.Millisecond,
		Scenario:        "aggressive",
		MetricsInterval: 100 * time.Millisecond,
		Save:            true,
	}, logging.Discard())
	require.NoError(t, err)
	require.Zero(t, bad)

	_, err = run(simConfig{ServerURL: srv.URL, Scenario: "missing"}, logging.Discard())
	require.Error(t, err)
}
