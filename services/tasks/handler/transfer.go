package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
	"github.com/ramiqadoumi/go-task-tracker/internal/transfer"
	"github.com/ramiqadoumi/go-task-tracker/services/tasks/middleware"
)

// TransferService is the transfer sub-protocol as seen by the HTTP front door.
type TransferService interface {
	StartUpload(ctx context.Context, owner, targetPath string) (*domain.Task, string, error)
	ConfirmUpload(ctx context.Context, id string) (store.Result, error)
	ClusterDownloadStarted(ctx context.Context, id string) (store.Result, error)
	ClusterDownloadFinished(ctx context.Context, id string, out transfer.Outcome) (store.Result, error)
	StartDownload(ctx context.Context, owner, sourcePath string) (*domain.Task, error)
	DownloadStaged(ctx context.Context, id string, out transfer.Outcome) (store.Result, error)
}

// Transfers handles the /transfers endpoints.
type Transfers struct {
	svc  TransferService
	rest *REST
}

// NewTransfers shares rate limiting and error mapping with rest.
func NewTransfers(svc TransferService, rest *REST) *Transfers {
	return &Transfers{svc: svc, rest: rest}
}

// Routes mounts the /transfers endpoints on r.
func (h *Transfers) Routes(r chi.Router) {
	r.Route("/transfers", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOwner)
			r.Post("/upload", h.StartUpload)
			r.Post("/download", h.StartDownload)
		})
		r.Put("/{id}/confirm", h.step(h.svc.ConfirmUpload))
		r.Put("/{id}/cluster-download", h.step(h.svc.ClusterDownloadStarted))
		r.Put("/{id}/cluster-download/outcome", h.outcome(h.svc.ClusterDownloadFinished))
		r.Put("/{id}/staged", h.outcome(h.svc.DownloadStaged))
	})
}

type startUploadRequest struct {
	TargetPath string `json:"target_path"`
}

type startDownloadRequest struct {
	SourcePath string `json:"source_path"`
}

// StartUploadResponse carries the upload URL handed out by the object store.
type StartUploadResponse struct {
	ID   string   `json:"hash_id"`
	URL  string   `json:"url"`
	Task TaskView `json:"task"`
}

// StartUpload handles POST /transfers/upload.
func (h *Transfers) StartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req startUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TargetPath) == "" {
		writeError(w, http.StatusBadRequest, "field 'target_path' is required")
		return
	}
	owner := middleware.OwnerFrom(ctx)
	if err := h.rest.allow(ctx, owner); err != nil {
		h.rest.writeStoreError(w, err)
		return
	}

	task, url, err := h.svc.StartUpload(ctx, owner, req.TargetPath)
	if err != nil {
		if task != nil && errors.Is(err, transfer.ErrObjectStorage) {
			// The task exists and records the failure.
			h.rest.logger.Warn("upload target request failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "hash_id": task.ID})
			return
		}
		h.rest.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, StartUploadResponse{ID: task.ID, URL: url, Task: viewOf(task)})
}

// StartDownload handles POST /transfers/download.
func (h *Transfers) StartDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req startDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SourcePath) == "" {
		writeError(w, http.StatusBadRequest, "field 'source_path' is required")
		return
	}
	owner := middleware.OwnerFrom(ctx)
	if err := h.rest.allow(ctx, owner); err != nil {
		h.rest.writeStoreError(w, err)
		return
	}

	task, err := h.svc.StartDownload(ctx, owner, req.SourcePath)
	if err != nil {
		h.rest.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateTaskResponse{ID: task.ID, Task: viewOf(task)})
}

func (h *Transfers) step(fn func(context.Context, string) (store.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := fn(r.Context(), chi.URLParam(r, "id"))
		h.writeResult(w, res, err)
	}
}

func (h *Transfers) outcome(fn func(context.Context, string, transfer.Outcome) (store.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out transfer.Outcome
		if err := json.NewDecoder(r.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		res, err := fn(r.Context(), chi.URLParam(r, "id"), out)
		h.writeResult(w, res, err)
	}
}

func (h *Transfers) writeResult(w http.ResponseWriter, res store.Result, err error) {
	if errors.Is(err, transfer.ErrWrongKind) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.rest.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateTaskResponse{Applied: res.Applied, Task: viewOf(res.Task)})
}
