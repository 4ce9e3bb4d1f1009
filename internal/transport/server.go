// Package transport exposes the Orchestrator over HTTP and WebSocket: a
// reference wire adapter with a New/Start/Stop lifecycle (plain net/http,
// promhttp for metrics, gorilla/websocket for the event stream).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxgate/toolrun/internal/eventbus"
	"github.com/fluxgate/toolrun/internal/orchestrator"
	"github.com/fluxgate/toolrun/internal/promptcompose"
	"github.com/fluxgate/toolrun/internal/registry"
	"github.com/fluxgate/toolrun/internal/toolerr"
	"github.com/fluxgate/toolrun/pkg/models"
)

// Config configures the reference Server.
type Config struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Bus          *eventbus.Bus
	Composer     *promptcompose.Composer
	Logger       *slog.Logger
}

// Server is the HTTP/WebSocket front door onto an Orchestrator. It owns no
// domain state of its own; every request is translated into an Envelope
// and handed to the Orchestrator, or into a Bus subscription.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// New builds a Server from cfg. Callers must call Start to begin serving.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Start binds the listener and serves in the background until ctx is
// cancelled or Stop is called. It returns once the listener is bound;
// serve errors are logged, not returned, matching the fire-and-forget
// serve goroutine used elsewhere in this codebase.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/tools", s.handleListTools)
	mux.HandleFunc("/v1/execute", s.handleExecute)
	mux.HandleFunc("/v1/confirm/", s.handleConfirm)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/prompt", s.handleCompose)

	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.httpSrv.Shutdown(context.Background())
	}()

	s.logger.Info("tool runtime transport started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	var tools []models.ToolMetadata
	if userID != "" {
		tools = s.cfg.Registry.ListForUser(userID)
	} else {
		for _, name := range s.cfg.Registry.ToolNames() {
			if meta, ok := s.cfg.Registry.Metadata(name); ok {
				tools = append(tools, meta)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

type executeRequest struct {
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	ToolName       string                 `json:"tool_name"`
	CapabilityName string                 `json:"capability_name"`
	Parameters     map[string]any         `json:"parameters"`
	Context        models.EnvelopeContext `json:"context"`
	DryRun         bool                   `json:"dry_run,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	Priority       models.Priority        `json:"priority,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body: " + err.Error()})
		return
	}

	env, err := models.NewEnvelope(models.NewEnvelopeParams{
		IdempotencyKey: req.IdempotencyKey,
		ToolName:       req.ToolName,
		CapabilityName: req.CapabilityName,
		Parameters:     req.Parameters,
		Context:        req.Context,
		DryRun:         req.DryRun,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	result, runErr := s.cfg.Orchestrator.Run(r.Context(), env)
	if runErr != nil {
		code, _ := toolerr.CodeOf(runErr)
		writeJSON(w, statusForCode(code), map[string]any{
			"request_id": env.RequestID,
			"error":      runErr.Error(),
			"error_code": string(code),
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type confirmRequest struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := strings.TrimPrefix(r.URL.Path, "/v1/confirm/")
	if requestID == r.URL.Path {
		requestID = ""
	}
	if requestID == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body: " + err.Error()})
		return
	}

	if !s.cfg.Orchestrator.Confirm(requestID, req.Approved, req.Message) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no pending confirmation for request_id " + requestID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "delivered"})
}

type composeRequest struct {
	UserID    string               `json:"user_id"`
	Policy    promptcompose.Policy `json:"policy"`
	Domain    promptcompose.Domain `json:"domain"`
	Task      promptcompose.Task   `json:"task"`
	MaxTokens int                  `json:"max_tokens"`
}

// handleCompose assembles the policy/domain/tool-catalog/task system
// prompt a planner would receive ahead of picking a capability to
// invoke. It is a read operation: no Envelope is created, no event is
// emitted.
func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Composer == nil {
		http.Error(w, "prompt composer not configured", http.StatusServiceUnavailable)
		return
	}

	var req composeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body: " + err.Error()})
		return
	}

	prompt := s.cfg.Composer.Compose(promptcompose.Request{
		UserID:    req.UserID,
		Policy:    req.Policy,
		Domain:    req.Domain,
		Task:      req.Task,
		MaxTokens: req.MaxTokens,
	})
	writeJSON(w, http.StatusOK, map[string]any{"prompt": prompt})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func statusForCode(code toolerr.Code) int {
	switch code {
	case toolerr.UnknownTool, toolerr.UnknownCapability:
		return http.StatusNotFound
	case toolerr.InvalidEnvelope, toolerr.InvalidInput:
		return http.StatusBadRequest
	case toolerr.Unauthorized:
		return http.StatusForbidden
	case toolerr.PolicyDenied, toolerr.UserDenied:
		return http.StatusForbidden
	case toolerr.RateLimited:
		return http.StatusTooManyRequests
	case toolerr.ConfirmationTimeout, toolerr.Timeout:
		return http.StatusRequestTimeout
	case toolerr.Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
