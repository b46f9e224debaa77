// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/orchestrator"
)

// UserHeader carries the authenticated user id set by the upstream auth layer.
const UserHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// Service is the orchestrator surface the router calls.
type Service interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*model.TaskExecution, error)
	GetTask(ctx context.Context, userID int64, taskID string) (*model.TaskExecution, error)
	ListTasks(ctx context.Context, userID int64, filter model.TaskFilter) (*model.TaskPage, error)
	EscalateManually(ctx context.Context, userID int64, taskID, target string) (*model.TaskExecution, error)
	Cancel(ctx context.Context, userID int64, taskID string) (*model.TaskExecution, error)
	GetProvidersStatus(ctx context.Context) ([]model.ProviderStatusView, error)
	GetMetrics(ctx context.Context, userID int64, windowDays int) (*model.MetricsReport, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type userKey struct{}

// NewRouter builds the HTTP handler. db may be nil, in which case /health
// only reports that the process is up.
func NewRouter(svc Service, db Pinger, allowedOrigins []string) http.Handler {
	h := &handler{svc: svc, db: db}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/tasks", h.submit)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/escalate", h.escalate)
		r.Post("/tasks/{id}/cancel", h.cancel)
		r.Get("/providers", h.providers)
		r.Get("/metrics", h.metrics)
	})
	return r
}

type handler struct {
	svc Service
	db  Pinger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userFrom(r)

	task, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeTask(w, task)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{Status: model.TaskStatus(q.Get("status"))}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, model.Invalidf("limit: %v", err))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, model.Invalidf("offset: %v", err))
		return
	}

	page, err := h.svc.ListTasks(r.Context(), userFrom(r), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type escalateRequest struct {
	TargetProvider string `json:"target_provider"`
}

func (h *handler) escalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TargetProvider) == "" {
		writeError(w, model.Invalidf("target_provider is required"))
		return
	}

	task, err := h.svc.EscalateManually(r.Context(), userFrom(r), chi.URLParam(r, "id"), req.TargetProvider)
	if err != nil {
		writeError(w, err)
		return
	}
	writeTask(w, task)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Cancel(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) providers(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.GetProvidersStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"))
	if err != nil {
		writeError(w, model.Invalidf("days: %v", err))
		return
	}
	report, err := h.svc.GetMetrics(r.Context(), userFrom(r), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// requireUser rejects requests without a positive numeric user id.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(UserHeader)), 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid " + UserHeader, Kind: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(userKey{}).(int64)
	return id
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, model.Invalidf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeTask answers 200 once the task has settled and 202 while it is still
// running.
func writeTask(w http.ResponseWriter, task *model.TaskExecution) {
	status := http.StatusAccepted
	if task.Status.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, task)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// failedTaskBody is the final snapshot of a task whose run ended failed.
type failedTaskBody struct {
	*model.TaskExecution
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps err to a status. An error carrying a failed task answers
// with the task itself.
func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	if task := model.FailedTask(err); task != nil {
		zap.L().Warn("api: task failed", zap.String("task_id", task.ID), zap.String("kind", string(kind)), zap.Error(err))
		writeJSON(w, status, failedTaskBody{TaskExecution: task, Error: err.Error(), Kind: string(kind)})
		return
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	if kind == "" {
		kind = "internal"
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindInvalid:
		return http.StatusBadRequest
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	case model.KindProviderFailure, model.KindExhausted:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}
