// Package server exposes the orchestrator over an OpenAI-compatible HTTP
// API. External clients (editors, chat UIs, scripts) submit work through
// POST /v1/chat/completions; each request becomes a queued event and the
// handler blocks until the supervisor resolves it or the timeout fires.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	germinal "github.com/edwiny/germinal"
)

// DefaultRequestTimeout bounds how long a chat completion request waits
// for the supervisor before returning 504. The event stays queued.
const DefaultRequestTimeout = 300 * time.Second

// Server is the OpenAI-compatible HTTP front-end.
type Server struct {
	queue   *germinal.Queue
	waiters *germinal.Waiters
	logger  *slog.Logger

	modelName   string
	agentType   string
	projectID   string
	requireAuth bool
	apiKey      string
	timeout     time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger for request handling.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAuth requires a Bearer token on /v1 endpoints.
func WithAuth(apiKey string) Option {
	return func(s *Server) {
		s.requireAuth = true
		s.apiKey = apiKey
	}
}

// WithModelName sets the model name advertised by /v1/models (default
// "germinal").
func WithModelName(name string) Option {
	return func(s *Server) { s.modelName = name }
}

// WithDefaultAgentType sets the agent type used when the request does not
// name one (default "task_agent").
func WithDefaultAgentType(agentType string) Option {
	return func(s *Server) { s.agentType = agentType }
}

// WithDefaultProject sets the project id used when the request does not
// name one.
func WithDefaultProject(projectID string) Option {
	return func(s *Server) { s.projectID = projectID }
}

// WithRequestTimeout bounds the wait for a supervisor response.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a Server pushing onto queue and waiting on waiters.
func New(queue *germinal.Queue, waiters *germinal.Waiters, opts ...Option) *Server {
	s := &Server{
		queue:     queue,
		waiters:   waiters,
		logger:    slog.New(discardHandler{}),
		modelName: "germinal",
		agentType: "task_agent",
		timeout:   DefaultRequestTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Handler returns the HTTP handler tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/models", s.handleModels)
		r.Post("/chat/completions", s.handleChatCompletions)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
	return r
}

// ListenTCP serves the API on addr until ctx is cancelled.
func (s *Server) ListenTCP(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	return s.serve(ctx, srv, func() error { return srv.ListenAndServe() }, "tcp "+addr)
}

// ListenUnix serves the API on a unix socket until ctx is cancelled. A
// stale socket file from a previous run is removed first.
func (s *Server) ListenUnix(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", path, err)
	}
	srv := &http.Server{Handler: s.Handler()}
	return s.serve(ctx, srv, func() error { return srv.Serve(ln) }, "unix "+path)
}

func (s *Server) serve(ctx context.Context, srv *http.Server, run func() error, label string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- run() }()
	s.logger.Info("server: listening", "addr", label)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", label, err)
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAuth {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != s.apiKey {
			w.Header().Set("WWW-Authenticate", `Bearer realm="orchestrator"`)
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.modelName,
			"object":   "model",
			"created":  0,
			"owned_by": "orchestrator",
		}},
	})
}

// chatRequest is the subset of the OpenAI request shape the orchestrator
// understands.
type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream    bool   `json:"stream"`
	AgentType string `json:"agent_type"`
	ProjectID string `json:"project_id"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}

	// Last user-role message is the task; earlier turns live in project
	// history already.
	var message string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == germinal.RoleUser {
			message = req.Messages[i].Content
			break
		}
	}
	if message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "no user message in request")
		return
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = s.agentType
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = s.projectID
	}

	payload := map[string]any{
		"message":    message,
		"agent_type": agentType,
		"_ts":        germinal.NowMillis(),
	}
	if projectID != "" {
		payload["project_id"] = projectID
	}

	id, err := s.queue.Push(r.Context(), "http", "message", payload, 3)
	if err != nil {
		s.logger.Error("server: push failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "failed to queue request")
		return
	}

	ch := s.waiters.Register(id)
	s.logger.Debug("server: request queued", "event_id", id, "agent", agentType)

	select {
	case res := <-ch:
		s.writeCompletion(w, res, req.Stream)
	case <-time.After(s.timeout):
		s.waiters.Cancel(id)
		// The event stays queued; the supervisor will still process it.
		writeError(w, http.StatusGatewayTimeout, "server_error", "request timed out waiting for the orchestrator")
	case <-r.Context().Done():
		s.waiters.Cancel(id)
	}
}

func (s *Server) writeCompletion(w http.ResponseWriter, res *germinal.InvokeResult, stream bool) {
	text := buildResponseText(res)
	finishReason := "stop"
	if res.Status != germinal.InvocationDone {
		finishReason = "length"
	}
	id := "chatcmpl-" + res.InvocationID
	created := time.Now().Unix()

	if stream {
		s.writeStream(w, id, created, text, finishReason)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   s.modelName,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": finishReason,
		}},
		"usage": map[string]int{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
	})
}

// writeStream emits the response as server-sent events: a role chunk, one
// content chunk carrying the full text, and a final chunk with the finish
// reason.
func (s *Server) writeStream(w http.ResponseWriter, id string, created int64, text, finishReason string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	chunk := func(delta map[string]any, finish any) {
		data, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   s.modelName,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	chunk(map[string]any{"role": "assistant"}, nil)
	chunk(map[string]any{"content": text}, nil)
	chunk(map[string]any{}, finishReason)
	fmt.Fprint(w, "data: [DONE]\n\n")

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// buildResponseText renders an invocation result for a chat client: each
// tool step's reasoning and call, then the final response exactly once.
func buildResponseText(res *germinal.InvokeResult) string {
	var parts []string
	for _, step := range res.Steps {
		if step.Tool == "" {
			continue
		}
		var b strings.Builder
		if step.Reasoning != "" {
			b.WriteString(step.Reasoning)
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[Tool: %s | Parameters: %s]", step.Tool, germinal.MarshalJSONString(step.Parameters))
		parts = append(parts, b.String())
	}
	if res.Response != "" {
		parts = append(parts, res.Response)
	}
	return strings.Join(parts, "\n\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": errType, "message": message},
	})
}
