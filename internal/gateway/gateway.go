// Package gateway exposes the orchestration core over a local HTTP JSON API
// plus a WebSocket event stream.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kitz-os/opscore/internal/audit"
	"github.com/kitz-os/opscore/internal/bus"
	"github.com/kitz-os/opscore/internal/guardian"
	"github.com/kitz-os/opscore/internal/lifecycle"
	otelpkg "github.com/kitz-os/opscore/internal/otel"
	"github.com/kitz-os/opscore/internal/permission"
	"github.com/kitz-os/opscore/internal/shared"
	"github.com/kitz-os/opscore/internal/swarm"
	"github.com/kitz-os/opscore/internal/team"
)

// Config holds the gateway's collaborators.
type Config struct {
	Lifecycle *lifecycle.Manager
	Guardian  *guardian.Guardian
	Swarm     *swarm.Coordinator
	Bridge    *permission.Bridge
	Teams     *team.Registry
	Bus       *bus.Bus
	Logger    *slog.Logger

	// Tracer and Metrics instrument every request. Both are optional.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics

	// AuthToken guards every /api route. Empty means local-only mode with
	// auth disabled.
	AuthToken string
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.auth(s.handleMetrics))

	mux.HandleFunc("POST /api/tasks", s.auth(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks", s.auth(s.handleListTasks))
	mux.HandleFunc("GET /api/tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("POST /api/tasks/{id}/clarify", s.auth(s.handleClarify))
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.auth(s.handleApprove))
	mux.HandleFunc("POST /api/tasks/{id}/reject", s.auth(s.handleReject))
	mux.HandleFunc("POST /api/tasks/{id}/deliver", s.auth(s.handleDeliver))
	mux.HandleFunc("GET /api/summary", s.auth(s.handleSummary))

	mux.HandleFunc("POST /api/swarm/runs", s.auth(s.handleSwarmRun))
	mux.HandleFunc("GET /api/teams", s.auth(s.handleTeams))
	mux.HandleFunc("GET /api/retry-queue", s.auth(s.handleRetryQueue))
	mux.HandleFunc("GET /api/tools/allowed", s.auth(s.handleAllowedTools))

	mux.HandleFunc("GET /events", s.handleEvents)
	return s.instrument(mux)
}

// instrument wraps the mux with a server span and a request-duration sample
// per request. With no tracer and no metrics it returns the mux untouched.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Tracer == nil && s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otelpkg.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", r.URL.Path)))
		}
	})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// internalError hides the failure detail behind a trace reference. The real
// error goes to the log, the user gets a handle the operator can search for.
func (s *Server) internalError(w http.ResponseWriter, traceID string, err error) {
	s.logger.Error("request failed", "trace_id", traceID, "error", err)
	writeError(w, http.StatusInternalServerError,
		"Something went wrong processing your request. Reference: "+traceID)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"teams":   s.cfg.Teams.Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	summary := s.cfg.Lifecycle.TaskSummary()
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_total":      summary.Total,
		"tasks_by_status":  summary.ByStatus,
		"tasks_within_sla": summary.WithinSLA,
		"tasks_past_sla":   summary.PastSLA,
		"retry_queue_size": len(s.cfg.Guardian.Pending()),
		"tool_deny_count":  audit.DenyCount(),
	})
}

type createTaskRequest struct {
	UserID    string              `json:"user_id"`
	OrgID     string              `json:"org_id"`
	Channel   string              `json:"channel"`
	Message   string              `json:"message"`
	Recipient lifecycle.Recipient `json:"recipient"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	channel, err := lifecycle.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	traceID := shared.NewTraceID()
	task, ack, err := s.cfg.Lifecycle.CreateTask(lifecycle.CreateRequest{
		UserID:        req.UserID,
		OrgID:         req.OrgID,
		OriginChannel: channel,
		UserMessage:   req.Message,
		Recipient:     req.Recipient,
		TraceID:       traceID,
	})
	if err != nil {
		var verr *lifecycle.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.internalError(w, traceID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task": task,
		"ack":  ack,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	var tasks []*lifecycle.Task
	switch r.URL.Query().Get("status") {
	case "pending":
		tasks = s.cfg.Lifecycle.PendingTasks()
	case "draft_ready":
		tasks = s.cfg.Lifecycle.DraftReadyTasks(userID)
	case "pending_clarification":
		tasks = s.cfg.Lifecycle.PendingClarificationTasks(userID)
	default:
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id or status filter required")
			return
		}
		tasks = s.cfg.Lifecycle.TasksByUser(userID)
	}
	if tasks == nil {
		tasks = []*lifecycle.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// lookupTask resolves a path id that may be a full task id or the 8-char ref.
func (s *Server) lookupTask(r *http.Request) (*lifecycle.Task, bool) {
	id := r.PathValue("id")
	if task, ok := s.cfg.Lifecycle.Task(id); ok {
		return task, true
	}
	return s.cfg.Lifecycle.TaskByRef(id, r.URL.Query().Get("user_id"))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(r)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(r)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	var body struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Answer) == "" {
		writeError(w, http.StatusBadRequest, "answer required")
		return
	}
	updated, ok := s.cfg.Lifecycle.ProvideClarification(task.ID, body.Answer)
	if !ok {
		writeError(w, http.StatusConflict, "task is not awaiting clarification")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(r)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	updated, ok := s.cfg.Lifecycle.ApproveDraft(task.ID)
	if !ok {
		writeError(w, http.StatusConflict, "task has no draft awaiting review")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(r)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	updated, ok := s.cfg.Lifecycle.RejectDraft(task.ID)
	if !ok {
		writeError(w, http.StatusConflict, "task has no draft awaiting review")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(r)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := s.cfg.Lifecycle.DeliverApproved(r.Context(), task.ID); err != nil {
		s.internalError(w, task.TraceID, err)
		return
	}
	updated, _ := s.cfg.Lifecycle.Task(task.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Lifecycle.TaskSummary())
}

type swarmRunRequest struct {
	Teams          []string `json:"teams"`
	Objective      string   `json:"objective"`
	Concurrency    int      `json:"concurrency"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

func (s *Server) handleSwarmRun(w http.ResponseWriter, r *http.Request) {
	var req swarmRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Teams) == 1 && req.Teams[0] == "all" {
		req.Teams = s.cfg.Teams.Names()
	}
	result, err := s.cfg.Swarm.Run(r.Context(), swarm.RunConfig{
		Teams:           req.Teams,
		Objective:       req.Objective,
		Concurrency:     req.Concurrency,
		TimeoutPerAgent: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTeams(w http.ResponseWriter, _ *http.Request) {
	names := s.cfg.Teams.Names()
	teams := make([]team.Config, 0, len(names))
	for _, name := range names {
		if cfg, ok := s.cfg.Teams.Get(name); ok {
			teams = append(teams, cfg)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func (s *Server) handleRetryQueue(w http.ResponseWriter, _ *http.Request) {
	entries := s.cfg.Guardian.Pending()
	if entries == nil {
		entries = []guardian.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAllowedTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := q.Get("identity")
	tier, err := permission.ParseTier(q.Get("tier"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tools := s.cfg.Bridge.ListAllowed(identity, tier, q.Get("team"))
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"tier":     tier,
		"team":     q.Get("team"),
		"tools":    tools,
	})
}
