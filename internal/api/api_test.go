package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"crdt-editor/internal/crdt"
	"crdt-editor/internal/session"
	"crdt-editor/internal/store"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type downStore struct{ store.Store }

func (downStore) Save(context.Context, store.Document) error {
	return &store.Error{Backend: "test", Op: "save", Transient: true, Err: context.DeadlineExceeded}
}

func newTestServer(t *testing.T, st store.Store, relay Pinger, opts session.Options) *httptest.Server {
	t.Helper()
	mgr := session.NewManager(session.NewRegistry(), st, nil, nil, opts)
	srv := httptest.NewServer(NewRouter(NewHandler(mgr, st, relay, nil), nil, nil))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func addParticipant(t *testing.T, base, sessionID, name string) session.SessionJoined {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/api/sessions/"+sessionID+"/participants", session.ParticipantInfo{DisplayName: name})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var joined session.SessionJoined
	require.NoError(t, json.Unmarshal(body, &joined))
	return joined
}

func errorCode(t *testing.T, body []byte) session.ErrorPayload {
	t.Helper()
	var p session.ErrorPayload
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), pinger{}, session.Options{})
	resp, body := do(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status":"ok"`)

	degraded := newTestServer(t, store.NewMemory(), pinger{err: errors.New("redis down")}, session.Options{})
	resp, body = do(t, http.MethodGet, degraded.URL+"/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, string(body), `"status":"degraded"`)
	require.Contains(t, string(body), `"relay":false`)
}

func TestParticipantLifecycle(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), nil, session.Options{})
	base := srv.URL + "/api/sessions/doc-1"

	joined := addParticipant(t, srv.URL, "doc-1", "Ann")
	pid := joined.Participant.ID
	require.NotEmpty(t, pid)
	require.Equal(t, "doc-1", joined.Snapshot.SessionID)

	client := crdt.NewSequence("client")
	u, err := client.ApplyLocalEdit("hello")
	require.NoError(t, err)
	raw, err := client.EncodeUpdate(u)
	require.NoError(t, err)
	resp, body := do(t, http.MethodPost, base+"/participants/"+pid+"/operations", raw)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, base+"/text", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"session_id":"doc-1","text":"hello"}`, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"count":1`)

	name := "Annie"
	resp, body = do(t, http.MethodPut, base+"/participants/"+pid, session.ParticipantUpdate{DisplayName: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var p session.Participant
	require.NoError(t, json.Unmarshal(body, &p))
	require.Equal(t, "Annie", p.DisplayName)

	resp, _ = do(t, http.MethodPost, base+"/participants/"+pid+"/heartbeat", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodPost, base+"/participants/"+pid+"/save", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/api/documents/doc-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc store.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Equal(t, "hello", doc.Content)
	require.Equal(t, pid, doc.SavedBy)

	resp, _ = do(t, http.MethodDelete, base+"/participants/"+pid, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the last explicit leave deletes the session
	resp, _ = do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), nil, session.Options{MaxParticipants: 1})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/sessions/s/participants", session.ParticipantInfo{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, session.CodeValidation, errorCode(t, body).Code)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, session.CodeNotFound, errorCode(t, body).Code)

	pid := addParticipant(t, srv.URL, "s", "Ann").Participant.ID
	resp, body = do(t, http.MethodPost, srv.URL+"/api/sessions/s/participants", session.ParticipantInfo{DisplayName: "Bob"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, session.CodeCapacity, errorCode(t, body).Code)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/sessions/s/participants/"+pid+"/operations", []byte(`{"nope":`))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, session.CodeMerge, errorCode(t, body).Code)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/documents/never-saved", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, session.CodeNotFound, errorCode(t, body).Code)

	resp, body = do(t, http.MethodPut, srv.URL+"/api/sessions/s/participants/"+pid, []byte(`not json`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, session.CodeValidation, errorCode(t, body).Code)
}

func TestSaveFailureIsRetryable(t *testing.T) {
	st := downStore{Store: store.NewMemory()}
	srv := newTestServer(t, st, nil, session.Options{})
	pid := addParticipant(t, srv.URL, "s", "Ann").Participant.ID

	resp, body := do(t, http.MethodPost, srv.URL+"/api/sessions/s/participants/"+pid+"/save", map[string]string{"content": "x"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	p := errorCode(t, body)
	require.Equal(t, session.CodePersistence, p.Code)
	require.True(t, p.Retryable)
}

func TestDeleteSessionAndStats(t *testing.T) {
	srv := newTestServer(t, nil, nil, session.Options{})
	addParticipant(t, srv.URL, "s", "Ann")
	addParticipant(t, srv.URL, "s", "Bob")

	resp, body := do(t, http.MethodGet, srv.URL+"/api/sessions/s/participants", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"count":2`)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/sessions/s/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/sessions/s", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/sessions/s", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// no store configured
	resp, body = do(t, http.MethodGet, srv.URL+"/api/documents/s", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, session.CodePersistence, errorCode(t, body).Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil, nil, session.Options{})
	resp, _ := do(t, http.MethodOptions, srv.URL+"/api/sessions/s/participants", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/sessions", nil)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
