package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"crdt-editor/internal/logging"
)

// NewRouter wires the REST routes and, when ws is non-nil, the websocket
// endpoint at /ws.
func NewRouter(h *Handler, ws http.Handler, log *logging.Logger) *mux.Router {
	if log == nil {
		log = logging.Discard()
	}
	r := mux.NewRouter()
	r.Use(log.RequestLogger())
	r.Use(cors)

	if ws != nil {
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/text", h.GetText).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stats", h.GetStats).Methods(http.MethodGet)

	api.HandleFunc("/sessions/{id}/participants", h.ListParticipants).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/participants", h.AddParticipant).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/participants/{pid}", h.GetParticipant).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/participants/{pid}", h.UpdateParticipant).Methods(http.MethodPut)
	api.HandleFunc("/sessions/{id}/participants/{pid}", h.RemoveParticipant).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/participants/{pid}/heartbeat", h.Heartbeat).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/participants/{pid}/operations", h.PostOperation).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/participants/{pid}/save", h.Save).Methods(http.MethodPost)

	api.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)

	// preflight requests match no route method; let cors answer them
	r.MethodNotAllowedHandler = cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
