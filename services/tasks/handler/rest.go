package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
	"github.com/ramiqadoumi/go-task-tracker/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-tracker/services/tasks/middleware"
)

// TaskStore is the registry as seen by the HTTP front door.
type TaskStore interface {
	Create(ctx context.Context, owner string, opts ...store.CreateOption) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, id, token string, msg *string) (store.Result, error)
	Delete(ctx context.Context, id string) (store.Result, error)
	Expire(ctx context.Context, id string) (store.Result, error)
	List(ctx context.Context, owner string) []*domain.Task
	Ping(ctx context.Context) error
}

// RateLimiter gates task creation per owner.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// REST handles HTTP requests for the tasks service.
type REST struct {
	store   TaskStore
	limiter RateLimiter
	logger  *slog.Logger
}

// NewREST creates a new REST handler. limiter may be nil.
func NewREST(st TaskStore, limiter RateLimiter, logger *slog.Logger) *REST {
	return &REST{store: st, limiter: limiter, logger: logger}
}

// Routes mounts the /tasks endpoints on r.
func (h *REST) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/taskslist", h.ListAll)
		r.Post("/task-expire/{id}", h.ExpireTask)
		r.Get("/{id}", h.GetTask)
		r.Put("/{id}", h.UpdateTask)
		r.Delete("/{id}", h.DeleteTask)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOwner)
			r.Post("/", h.CreateTask)
			r.Get("/", h.ListOwn)
		})
	})
}

// TaskView is the wire form of a task.
type TaskView struct {
	ID         string                `json:"hash_id"`
	Owner      string                `json:"owner"`
	Status     string                `json:"status"`
	StatusName string                `json:"description"`
	Message    *string               `json:"msg,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	History    []domain.HistoryEntry `json:"history"`
}

func viewOf(t *domain.Task) TaskView {
	return TaskView{
		ID:         t.ID,
		Owner:      t.Owner,
		Status:     t.Status.Code(),
		StatusName: t.Status.Name(),
		Message:    t.Message,
		Metadata:   t.Metadata,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		History:    t.History,
	}
}

func viewsOf(tasks []*domain.Task) []TaskView {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	return out
}

// CreateTaskRequest is the optional JSON body for POST /tasks.
type CreateTaskRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateTaskResponse is the 201 response body.
type CreateTaskResponse struct {
	ID   string   `json:"hash_id"`
	Task TaskView `json:"task"`
}

// UpdateTaskResponse is the PUT /tasks/{id} response body. Applied is false
// when the task was already deleted or expired.
type UpdateTaskResponse struct {
	Applied bool     `json:"applied"`
	Task    TaskView `json:"task"`
}

// CreateTask handles POST /tasks.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tasks").Start(r.Context(), "tasks.create")
	defer span.End()

	owner := middleware.OwnerFrom(ctx)
	if err := h.allow(ctx, owner); err != nil {
		h.writeStoreError(w, err)
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts := make([]store.CreateOption, 0, len(req.Metadata))
	for k, v := range req.Metadata {
		opts = append(opts, store.WithMetadata(k, v))
	}

	task, err := h.store.Create(ctx, owner, opts...)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	h.logger.Info("task created", slog.String("task_id", task.ID), slog.String("owner", owner))

	writeJSON(w, http.StatusCreated, CreateTaskResponse{ID: task.ID, Task: viewOf(task)})
}

// GetTask handles GET /tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

// UpdateTask handles PUT /tasks/{id}. The body is either JSON or a form
// with fields status and msg.
func (h *REST) UpdateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tasks").Start(r.Context(), "tasks.update")
	defer span.End()

	id := chi.URLParam(r, "id")
	status, msg, err := parseUpdate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.String("task.id", id), attribute.String("task.status", status))

	res, err := h.store.Update(ctx, id, status, msg)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateTaskResponse{Applied: res.Applied, Task: viewOf(res.Task)})
}

// DeleteTask handles DELETE /tasks/{id}.
func (h *REST) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExpireTask handles POST /tasks/task-expire/{id}.
func (h *REST) ExpireTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.Expire(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"success": "task " + id + " expired"})
}

// ListOwn handles GET /tasks for the calling owner.
func (h *REST) ListOwn(w http.ResponseWriter, r *http.Request) {
	tasks := h.store.List(r.Context(), middleware.OwnerFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string][]TaskView{"tasks": viewsOf(tasks)})
}

// ListAll handles GET /tasks/taskslist.
func (h *REST) ListAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]TaskView{"tasks": viewsOf(h.store.List(r.Context(), ""))})
}

// Status handles GET /tasks/status and checks the backing store.
func (h *REST) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("backing store not ready", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "task store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *REST) allow(ctx context.Context, owner string) error {
	if h.limiter == nil {
		return nil
	}
	ok, err := h.limiter.Allow(ctx, owner)
	if err != nil {
		// Limiter errors fail open.
		h.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		telemetry.APIRateLimitedTotal.Inc()
		return &domain.RateLimitExceededError{Owner: owner, Limit: h.limiter.Limit()}
	}
	return nil
}

type updateRequest struct {
	Status string  `json:"status"`
	Msg    *string `json:"msg"`
}

func parseUpdate(r *http.Request) (string, *string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", nil, errors.New("invalid request body")
		}
		if strings.TrimSpace(req.Status) == "" {
			return "", nil, errors.New("field 'status' is required")
		}
		return req.Status, req.Msg, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", nil, errors.New("invalid form body")
	}
	status := r.PostForm.Get("status")
	if strings.TrimSpace(status) == "" {
		return "", nil, errors.New("field 'status' is required")
	}
	var msg *string
	if r.PostForm.Has("msg") {
		m := r.PostForm.Get("msg")
		msg = &m
	}
	return status, msg, nil
}

// writeStoreError maps registry errors onto HTTP status codes.
func (h *REST) writeStoreError(w http.ResponseWriter, err error) {
	var (
		notFound  *domain.TaskNotFoundError
		invalid   *domain.InvalidStatusError
		exhausted *domain.ResourceExhaustedError
		limited   *domain.RateLimitExceededError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &limited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &exhausted):
		h.logger.Error("task id space exhausted", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "could not allocate task id")
	default:
		h.logger.Error("task store error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
