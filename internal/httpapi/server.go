package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/versecraft/internal/config"
	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/observability"
	"github.com/ent0n29/versecraft/internal/repository"
	"github.com/ent0n29/versecraft/internal/session"
	"github.com/ent0n29/versecraft/internal/taskruntime"
	"github.com/ent0n29/versecraft/internal/tasks"
	"github.com/ent0n29/versecraft/internal/workflow"
)

type Server struct {
	cfg         config.Config
	taskService *taskruntime.Service
	sessions    *session.Manager
	repo        repository.Repository
	metrics     *observability.Metrics
	logger      log.Logger
	upgrader    websocket.Upgrader
}

func New(
	cfg config.Config,
	taskService *taskruntime.Service,
	sessions *session.Manager,
	repo repository.Repository,
	metrics *observability.Metrics,
	logger log.Logger,
) *Server {
	if logger == nil {
		logger = log.Noop
	}
	return &Server{
		cfg:         cfg,
		taskService: taskService,
		sessions:    sessions,
		repo:        repo,
		metrics:     metrics,
		logger:      logger.WithValues(log.Kv{"svc": "httpapi.Server"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/stats/steps", s.handleStepStats)

	r.Get("/v1/poems", s.handleListPoems)
	r.Post("/v1/poems", s.handleSavePoem)
	r.Get("/v1/results/{id}", s.handleGetResult)

	r.Post("/v1/workflows", s.handleStartWorkflow)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/v1/tasks/{id}/events", s.handleTaskEvents)
	r.Get("/v1/tasks/{id}/ws", s.handleTaskWS)

	r.Post("/v1/manual/sessions", s.handleStartManual)
	r.Get("/v1/manual/sessions", s.handleListManual)
	r.Post("/v1/manual/sessions/cleanup", s.handleCleanupManual)
	r.Get("/v1/manual/sessions/{id}", s.handleGetManual)
	r.Post("/v1/manual/sessions/{id}/steps", s.handleSubmitManual)

	return r
}

// instrument counts requests by route pattern and logs them at debug level.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, code)
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, route, code, time.Since(started).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "repository_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_tasks":    s.taskService.ActiveTasks(),
		"manual_sessions": s.sessions.Count(),
	})
}

func (s *Server) handleStepStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StepStats())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{tasks.ErrNotFound, http.StatusNotFound, "task_not_found"},
	{session.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{workflow.ErrPoemNotFound, http.StatusNotFound, "poem_not_found"},
	{repository.ErrResultNotFound, http.StatusNotFound, "result_not_found"},
	{workflow.ErrInvalidMode, http.StatusBadRequest, "invalid_mode"},
	{workflow.ErrInvalidLanguage, http.StatusBadRequest, "invalid_language"},
	{repository.ErrInvalidPoem, http.StatusBadRequest, "invalid_poem"},
	{tasks.ErrAlreadyExists, http.StatusConflict, "task_exists"},
	{session.ErrStepMismatch, http.StatusConflict, "step_mismatch"},
	{session.ErrInvalidState, http.StatusConflict, "invalid_session_state"},
	{workflow.ErrParse, http.StatusUnprocessableEntity, "parse_error"},
	{workflow.ErrMissingContext, http.StatusUnprocessableEntity, "missing_context"},
	{workflow.ErrUpstream, http.StatusBadGateway, "upstream_error"},
	{tasks.ErrStoreClosed, http.StatusServiceUnavailable, "shutting_down"},
}

func respondErr(w http.ResponseWriter, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			respondError(w, e.status, e.code, err.Error())
			return
		}
	}
	respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func pathID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
