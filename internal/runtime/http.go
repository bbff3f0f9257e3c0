package runtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/plugin"
	"github.com/loqalabs/loqa-stt/internal/presence"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/stats", r.handleStats)
	mux.HandleFunc("GET /v1/state", r.handleState)
	mux.HandleFunc("POST /v1/backend", r.handleSwitch)
	mux.HandleFunc("POST /v1/language", r.handleLanguage)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() || r.session == nil {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	switch r.session.Engine().State() {
	case engine.StateReady, engine.StateListening:
		return true
	}
	return false
}

type stateResponse struct {
	SessionID    string                        `json:"session_id"`
	State        engine.State                  `json:"state"`
	Listening    bool                          `json:"listening"`
	Backend      stt.Kind                      `json:"backend"`
	Language     string                        `json:"language"`
	Capturing    bool                          `json:"capturing"`
	Plugins      []plugin.Info                 `json:"plugins"`
	Capabilities map[stt.Kind]stt.Capabilities `json:"capabilities"`
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	if r.session == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("session not started"))
		return
	}
	e := r.session.Engine()
	resp := stateResponse{
		SessionID:    r.session.ID(),
		State:        e.State(),
		Listening:    e.IsListening(),
		Backend:      e.ActiveBackend(),
		Language:     e.Language(),
		Capturing:    r.session.Capturing(),
		Capabilities: e.Capabilities(),
	}
	if r.stack != nil {
		resp.Plugins = r.stack.Plugins.Plugins()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	if r.session == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("session not started"))
		return
	}
	writeJSON(w, http.StatusOK, r.session.Engine().Stats())
}

type switchRequest struct {
	Backend string `json:"backend"`
	Reason  string `json:"reason"`
}

func (r *Runtime) handleSwitch(w http.ResponseWriter, req *http.Request) {
	if r.session == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("session not started"))
		return
	}
	var body switchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := stt.ParseKind(body.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Reason == "" {
		body.Reason = "requested over http"
	}
	if err := r.session.Engine().SwitchEngine(req.Context(), kind, body.Reason); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	r.handleState(w, req)
}

type languageRequest struct {
	Language string `json:"language"`
}

func (r *Runtime) handleLanguage(w http.ResponseWriter, req *http.Request) {
	if r.session == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("session not started"))
		return
	}
	var body languageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.session.Engine().SetLanguage(req.Context(), body.Language); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	r.handleState(w, req)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.presence == nil {
		writeJSON(w, http.StatusOK, []presence.Node{})
		return
	}
	filter := func(presence.Node) bool { return true }
	if backend := req.URL.Query().Get("backend"); backend != "" {
		filter = presence.WithBackend(backend)
	}
	nodes := r.presence.Nodes(filter)
	if nodes == nil {
		nodes = []presence.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

type sessionResponse struct {
	ID        string     `json:"id"`
	Language  string     `json:"language"`
	Backend   string     `json:"backend"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if r.journal == nil {
		writeJSON(w, http.StatusOK, []sessionResponse{})
		return
	}
	sessions, err := r.journal.ListSessions(req.Context(), queryLimit(req, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		item := sessionResponse{ID: s.ID, Language: s.Language, Backend: s.Backend, StartedAt: s.StartedAt}
		if !s.EndedAt.IsZero() {
			ended := s.EndedAt
			item.EndedAt = &ended
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Backend   string          `json:"backend,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if r.journal == nil {
		writeJSON(w, http.StatusOK, []eventResponse{})
		return
	}
	events, err := r.journal.ListSessionEvents(req.Context(), req.PathValue("id"), queryLimit(req, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		item := eventResponse{ID: ev.ID, Type: ev.Type, Backend: ev.Backend, CreatedAt: ev.CreatedAt}
		if json.Valid(ev.Payload) {
			item.Payload = ev.Payload
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func queryLimit(req *http.Request, def int) int {
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
