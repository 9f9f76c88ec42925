package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("warn", &buf)
	l.Debugf("d")
	l.Infof("i")
	l.Warnf("w %d", 1)
	l.Errorf("e")

	out := buf.String()
	require.NotContains(t, out, "[DEBUG]")
	require.NotContains(t, out, "[INFO]")
	require.Contains(t, out, "[WARN] w 1")
	require.Contains(t, out, "[ERROR] e")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("loud", &buf)
	l.Debugf("hidden")
	l.Infof("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestDumpOnlyAtDebug(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("info", &buf).Dump("state", map[string]int{"a": 1})
	require.Empty(t, buf.String())

	NewWithWriter("debug", &buf).Dump("state", map[string]int{"a": 1})
	require.Contains(t, buf.String(), "state:")
	require.Contains(t, buf.String(), `"a": 1`)
}

func TestRequestLoggerWarnsOnServerError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("warn", &buf)

	r := mux.NewRouter()
	r.Use(l.RequestLogger())
	r.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	r.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Empty(t, buf.String())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Contains(t, buf.String(), "GET /boom 500")
}
