// Package taskapi exposes the dispatcher over HTTP: external systems inject
// triggers into sessions, inspect them, answer pending input requests, and
// close them. The same server carries /healthz and Prometheus /metrics.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/switchboard/internal/dispatch"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the slice of the dispatch API the server needs.
type Dispatcher interface {
	RouteTrigger(trigger *models.Trigger) (models.SessionKey, error)
	ResolveInput(key models.SessionKey, requestID, answer string) error
	CloseSession(key models.SessionKey) error
	Sessions() []models.SessionInfo
	Session(key models.SessionKey) (models.SessionInfo, error)
}

// Config holds the task API server configuration.
type Config struct {
	Host string
	Port int
}

// Server is the task API HTTP server.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer builds the server. metrics may be nil.
func NewServer(cfg Config, dispatcher Dispatcher, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.With("component", "taskapi"),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/inject", s.instrument("/inject", s.handleInject))
	mux.HandleFunc("/sessions", s.instrument("/sessions", s.handleSessions))
	mux.HandleFunc("/sessions/", s.instrument("/sessions/{key}", s.handleSession))
	return mux
}

// Start begins serving. It returns once the listener is bound; serving
// continues on a background goroutine until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("task api listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("task api server error", "error", err)
		}
	}()

	s.logger.Info("task api started", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("task api shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type injectRequest struct {
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id"`
	ThreadID       string `json:"thread_id,omitempty"`
	Prompt         string `json:"prompt"`
	TaskName       string `json:"task_name,omitempty"`
	Workdir        string `json:"workdir,omitempty"`
}

type injectResponse struct {
	SessionKey string `json:"session_key"`
	TriggerID  string `json:"trigger_id"`
}

// handleInject builds an injected trigger from the request body and routes
// it. The session is created on demand, exactly as for a user trigger.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req injectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, errors.New("prompt is required"))
		return
	}

	key, err := models.NewSessionKey(models.Platform(req.Platform), req.ConversationID, req.ThreadID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	trigger := &models.Trigger{
		ID:           "task_" + uuid.NewString(),
		Platform:     models.Platform(req.Platform),
		SessionKey:   key,
		Prompt:       req.Prompt,
		ReplyContext: injectReplyContext(&req),
		Source:       models.SourceInjected,
		ReceivedAt:   time.Now(),
	}

	resolved, err := s.dispatcher.RouteTrigger(trigger)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, injectResponse{
		SessionKey: string(resolved),
		TriggerID:  trigger.ID,
	})
}

// injectReplyContext reconstructs the reply context a listener trigger would
// carry. Both platform spellings of the conversation ID are included; each
// listener reads only its own.
func injectReplyContext(req *injectRequest) map[string]any {
	rc := map[string]any{
		"chat_id":    req.ConversationID,
		"channel_id": req.ConversationID,
	}
	if req.ThreadID != "" {
		rc["thread_id"] = req.ThreadID
	}
	if req.Workdir != "" {
		rc["workdir"] = req.Workdir
	}
	if req.TaskName != "" {
		rc["task_name"] = req.TaskName
	}
	return rc
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.dispatcher.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

type inputRequest struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// handleSession serves GET/DELETE /sessions/{key} and
// POST /sessions/{key}/input.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	keyPart, action, _ := strings.Cut(rest, "/")
	if keyPart == "" {
		writeError(w, http.StatusBadRequest, errors.New("session key is required"))
		return
	}
	key := models.SessionKey(keyPart)

	switch {
	case action == "" && r.Method == http.MethodGet:
		info, err := s.dispatcher.Session(key)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.dispatcher.CloseSession(key); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})

	case action == "input" && r.Method == http.MethodPost:
		var req inputRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.RequestID == "" {
			writeError(w, http.StatusBadRequest, errors.New("request_id is required"))
			return
		}
		if err := s.dispatcher.ResolveInput(key, req.RequestID, req.Answer); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// instrument wraps a handler with request metrics, using the route pattern
// rather than the raw path to keep label cardinality bounded.
func (s *Server) instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoPendingInput):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNoListener):
		return http.StatusBadRequest
	default:
		var keyErr *models.InvalidKeyError
		if errors.As(err, &keyErr) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
