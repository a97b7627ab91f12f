// Package api implements Zipper's HTTP front door: the request entry
// point that drives the agent loop, the health endpoint the recovery
// watchdog probes, conversation introspection, and notification relay.
package api

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
	"unicode/utf8"

	"github.com/nugget/zipper/internal/agent"
	"github.com/nugget/zipper/internal/buildinfo"
	"github.com/nugget/zipper/internal/conversation"
	"github.com/nugget/zipper/internal/notify"
	"github.com/nugget/zipper/internal/usage"
)

// Source tags recorded on conversations created through the API.
const (
	SourceAPI     = "api"
	SourceWatcher = "restart_watcher"
)

const maxTitleRunes = 80

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Enqueue(msg notify.Message)
}

// UsageReport answers token usage queries. *usage.Store satisfies it.
type UsageReport interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByConversation(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByPurpose(start, end time.Time) (map[string]*usage.Summary, error)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Period string                    `json:"period"`
	Start  time.Time                 `json:"start"`
	End    time.Time                 `json:"end"`
	Total  *usage.Summary            `json:"total"`
	Groups map[string]*usage.Summary `json:"groups,omitempty"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id,omitempty"`
	Source         string `json:"source,omitempty"`
	ThreadRef      string `json:"thread_ref,omitempty"`
}

// ConversationDetail is the body of GET /v1/conversations/{id}.
type ConversationDetail struct {
	*conversation.Conversation
	Active *conversation.Version `json:"active_version"`
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	runner   agent.Runner
	store    conversation.Store
	notifier Notifier
	usage    UsageReport
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server. runner should already serialize
// calls per conversation (see agent.NewSerialized).
func NewServer(address string, port int, runner agent.Runner, store conversation.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		store:   store,
		logger:  logger.With("component", "api"),
	}
}

// SetNotifier enables POST /notify.
func (s *Server) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u UsageReport) {
	s.usage = u
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /status", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Request entry point
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /notify", s.handleNotify)

	// History endpoints
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/conversations/{id}/versions", s.handleConversationVersions)
	mux.HandleFunc("GET /v1/conversations/{id}/trace", s.handleConversationTrace)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Agent runs can take many model round trips.
		WriteTimeout: 30 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

// handleChat runs one prompt through the agent loop.
// POST /chat {"prompt": "...", "conversation_id": "..."}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.errorResponse(w, http.StatusBadRequest, "prompt is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		source := req.Source
		if source == "" {
			source = SourceAPI
		}
		id, err := s.store.Create(titleFromPrompt(req.Prompt), source, req.ThreadRef)
		if err != nil {
			s.logger.Error("create conversation failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		convID = id
	} else if _, err := s.store.Get(convID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found: "+convID)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A client that disconnects mid-run must not abandon a half-finished
	// tool cycle; the run always completes.
	ctx := context.WithoutCancel(r.Context())
	res, err := s.runner.Run(ctx, convID, req.Prompt)
	if err != nil {
		var backendErr *agent.BackendError
		switch {
		case errors.As(err, &backendErr):
			s.logger.Warn("model backend failed", "conversation", convID, "error", err)
			s.errorResponse(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, conversation.ErrNotFound):
			s.errorResponse(w, http.StatusNotFound, err.Error())
		default:
			s.logger.Error("agent loop failed", "conversation", convID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// handleNotify relays a message to the notification channel.
// POST /notify {"message": "...", "thread_id": "..."}
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "notifications not configured")
		return
	}
	var msg notify.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	s.notifier.Enqueue(msg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": convs, "count": len(convs)}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.Get(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	active, err := s.store.ActiveVersion(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ConversationDetail{Conversation: conv, Active: active}, s.logger)
}

func (s *Server) handleConversationVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.Versions(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"versions": versions, "count": len(versions)}, s.logger)
}

func (s *Server) handleConversationTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		s.storeError(w, err)
		return
	}
	trace, err := s.store.Trace(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if trace == nil {
		trace = []conversation.TraceEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"trace": trace, "count": len(trace)}, s.logger)
}

// handleUsage reports token usage and cost.
// GET /v1/usage?period=today&group_by=model
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "today"
	}
	start, end := usage.Period(period, time.Now())

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := UsageResponse{Period: period, Start: start, End: end, Total: total}

	switch groupBy := r.URL.Query().Get("group_by"); groupBy {
	case "":
	case "model":
		resp.Groups, err = s.usage.SummaryByModel(start, end)
	case "conversation":
		resp.Groups, err = s.usage.SummaryByConversation(start, end)
	case "purpose":
		resp.Groups, err = s.usage.SummaryByPurpose(start, end)
	default:
		s.errorResponse(w, http.StatusBadRequest, "group_by must be model, conversation, or purpose")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

// titleFromPrompt derives a conversation title from the first line of a
// prompt.
func titleFromPrompt(prompt string) string {
	title := strings.TrimSpace(prompt)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return title
}
