package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"crdt-editor/internal/logging"
	"crdt-editor/internal/session"
	"crdt-editor/internal/store"
)

// Pinger is anything /health can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the REST fallback surface. Every write goes through the
// session manager.
type Handler struct {
	mgr   *session.Manager
	store store.Store
	relay Pinger
	log   *logging.Logger
}

// NewHandler builds the REST handlers. st and relay may be nil.
func NewHandler(mgr *session.Manager, st store.Store, relay Pinger, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{mgr: mgr, store: st, relay: relay, log: log}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := map[string]bool{}
	healthy := true
	if h.store != nil {
		services["store"] = h.store.Ping(ctx) == nil
		healthy = healthy && services["store"]
	}
	if h.relay != nil {
		services["relay"] = h.relay.Ping(ctx) == nil
		healthy = healthy && services["relay"]
	}
	status := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"instance":  h.mgr.InstanceID(),
		"sessions":  len(h.mgr.Sessions()),
		"services":  services,
	}
	code := http.StatusOK
	if !healthy {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.mgr.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.mgr.Snapshot(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Close(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetText(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	text, err := h.mgr.Text(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "text": text})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.mgr.Stats(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.mgr.Participants(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": ps, "count": len(ps)})
}

// AddParticipant joins a participant that has no websocket. It must send
// heartbeats to avoid the inactivity sweep.
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var info session.ParticipantInfo
	if err := decodeBody(r, &info); err != nil {
		h.writeError(w, err)
		return
	}
	p, snap, err := h.mgr.Join(r.Context(), nil, mux.Vars(r)["id"], info)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session.SessionJoined{Participant: p, Snapshot: snap})
}

func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := h.mgr.Participant(vars["id"], vars["pid"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdateParticipant(w http.ResponseWriter, r *http.Request) {
	var u session.ParticipantUpdate
	if err := decodeBody(r, &u); err != nil {
		h.writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	p, err := h.mgr.UpdateParticipant(vars["id"], vars["pid"], u)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.mgr.Leave(r.Context(), vars["id"], vars["pid"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.mgr.Heartbeat(vars["id"], vars["pid"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostOperation applies one encoded update on behalf of a participant.
func (h *Handler) PostOperation(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", session.ErrValidation, err))
		return
	}
	vars := mux.Vars(r)
	if err := h.mgr.ApplyOperation(r.Context(), vars["id"], vars["pid"], raw); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	var req session.SaveRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	doc, err := h.mgr.Save(r.Context(), vars["id"], vars["pid"], req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetDocument returns the last saved version of a document.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, &session.PersistenceError{Err: errors.New("no store configured")})
		return
	}
	doc, err := h.store.Load(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			err = &session.PersistenceError{Retryable: store.IsTransient(err), Err: err}
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionFull):
		status = http.StatusConflict
	case errors.Is(err, session.ErrMerge):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrPersistence):
		if session.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
	}
	if status >= 500 {
		h.log.Errorf("request failed: %v", err)
	}
	payload := session.NewErrorPayload(err)
	if errors.Is(err, store.ErrNotFound) {
		payload.Code = session.CodeNotFound
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid json body: %v", session.ErrValidation, err)
	}
	return nil
}
