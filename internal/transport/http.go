// Package transport is the thin HTTP binding over the backend façade: it
// translates requests into façade calls and nothing else. Completions and
// embeddings are plain JSON endpoints, streaming uses SSE, and chat runs
// over a websocket that pins one chat session per connection.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"kiln/internal/backend"
	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/logging"
)

// Server exposes the backend façade over HTTP and WebSocket.
type Server struct {
	b              *backend.Backend
	mux            *http.ServeMux
	allowedOrigins map[string]bool
	allowedKeys    map[string]bool
	public         bool
}

// New builds a Server wired to b. allowedOrigins/allowedKeys mirror the
// config sections of the same names; public, when true, skips the
// allowed_keys check entirely.
func New(b *backend.Backend, allowedOrigins, allowedKeys []string, public bool) *Server {
	s := &Server{
		b:              b,
		mux:            http.NewServeMux(),
		allowedOrigins: toSet(allowedOrigins),
		allowedKeys:    toSet(allowedKeys),
		public:         public,
	}
	s.registerRoutes()
	return s
}

func toSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCORS(s.mux).ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/models", s.authed(s.handleListModels))
	s.mux.HandleFunc("GET /v1/tasks", s.authed(s.handleListTasks))
	s.mux.HandleFunc("GET /v1/memories", s.authed(s.handleListMemories))
	s.mux.HandleFunc("GET /v1/stats", s.authed(s.handleStats))
	s.mux.HandleFunc("GET /v1/health", s.authed(s.handleHealth))
	s.mux.HandleFunc("POST /v1/complete", s.authed(s.handleComplete))
	s.mux.HandleFunc("POST /v1/stream", s.authed(s.handleStream))
	s.mux.HandleFunc("GET /v1/chat", s.authed(s.handleChatWS))
	s.mux.HandleFunc("POST /v1/embed", s.authed(s.handleEmbed))
	s.mux.HandleFunc("POST /v1/recall", s.authed(s.handleRecall))
	s.mux.HandleFunc("POST /v1/remember", s.authed(s.handleRemember))
	s.mux.HandleFunc("POST /v1/forget", s.authed(s.handleForget))
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(s.allowedOrigins) == 0 || s.allowedOrigins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.public {
			h(w, r)
			return
		}
		key := r.Header.Get("Authorization")
		if !s.allowedKeys[key] {
			writeError(w, http.StatusUnauthorized, errors.New("missing or unrecognized api key"))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.ListModels())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.ListTasks())
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.ListMemories())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.Health(r.Context()))
}

type completeRequest struct {
	Task      string              `json:"task"`
	Prompt    string              `json:"prompt"`
	Overrides kilnmodel.Overrides `json:"overrides,omitempty"`
}

type completeResponse struct {
	Text       string               `json:"text"`
	StopReason kilnmodel.StopReason `json:"stop_reason"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	normalizeOverrides(&req.Overrides)
	text, reason, err := s.b.Complete(r.Context(), req.Task, req.Prompt, req.Overrides)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{Text: text, StopReason: reason})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	normalizeOverrides(&req.Overrides)
	reason, err := s.b.Stream(r.Context(), req.Task, req.Prompt, req.Overrides, func(chunk string) error {
		if _, werr := w.Write([]byte("data: " + jsonString(chunk) + "\n\n")); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		logging.Log.WithError(err).Warn("stream ended with error")
		return
	}
	w.Write([]byte("event: stop_reason\ndata: " + jsonString(string(reason)) + "\n\n"))
	flusher.Flush()
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vec, err := s.b.Embed(r.Context(), req.Model, req.Prompt)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vec)
}

type recallRequest struct {
	Memory string `json:"memory"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chunks, err := s.b.Recall(r.Context(), req.Memory, req.Prompt, req.N)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

type rememberRequest struct {
	Memory   string `json:"memory"`
	SourceID string `json:"source_id"`
	Mime     string `json:"mime"`
	Data     []byte `json:"data"`
	Wait     bool   `json:"wait"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.b.Remember(r.Context(), req.Memory, req.SourceID, req.Mime, req.Data, req.Wait); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type forgetRequest struct {
	Memory string `json:"memory"`
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	var req forgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.b.Forget(r.Context(), req.Memory); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// normalizeOverrides sets the explicit-presence flags the runner consults,
// since JSON clients only send the values themselves.
func normalizeOverrides(ov *kilnmodel.Overrides) {
	if ov.MaxTokens > 0 {
		ov.HasMaxTokens = true
	}
	if ov.Temperature > 0 {
		ov.HasTemperature = true
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeTaxonomyError(w http.ResponseWriter, err error) {
	code := kilnerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case kilnerr.CodeUnknownModel, kilnerr.CodeUnknownTask, kilnerr.CodeUnknownMemory:
		status = http.StatusNotFound
	case kilnerr.CodeConfigInvalid, kilnerr.CodePrivateTokenInInput, kilnerr.CodeEmbeddingDimensionMismatch, kilnerr.CodeDocumentExtractionFailed:
		status = http.StatusBadRequest
	case kilnerr.CodeBusy:
		status = http.StatusTooManyRequests
	case kilnerr.CodeTimeout:
		status = http.StatusGatewayTimeout
	case kilnerr.CodeCancelled:
		status = 499
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
