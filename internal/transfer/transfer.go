// Package transfer drives the status sequences of files staged through an
// external object store.
//
// Upload (client -> object store -> cluster):
//
//	queued -> ask-upload-url -> url-received -> upload-confirmed
//	       -> download-to-cluster-started -> download-to-cluster-finished | download-to-cluster-error
//
// Download (cluster -> object store -> client):
//
//	queued -> upload-from-filesystem-started -> upload-from-filesystem-finished | upload-from-filesystem-error
//
// The sequences are a convention over the generic status transitions; the
// registry accepts the codes in any order.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
)

// Metadata keys set on transfer tasks.
const (
	MetaKind       = "transfer"
	MetaTargetPath = "target_path"
	MetaSourcePath = "source_path"

	KindUpload   = "upload"
	KindDownload = "download"
)

// ErrWrongKind is returned when an upload step is applied to a download task
// or the other way round, or to a task that is not a transfer at all.
var ErrWrongKind = errors.New("task is not a transfer of this kind")

// ErrObjectStorage marks failures of the object storage service itself.
var ErrObjectStorage = errors.New("object storage request failed")

// Outcome is the result of the data movement step of a transfer.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"msg,omitempty"`
}

// ObjectStorage is the narrow view of the object store collaborator.
type ObjectStorage interface {
	RequestUploadTarget(ctx context.Context, taskID string) (string, error)
	NotifyTransferOutcome(ctx context.Context, taskID string, outcome Outcome) error
}

// TaskStore is the part of the registry transfers need.
type TaskStore interface {
	Create(ctx context.Context, owner string, opts ...store.CreateOption) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, id, token string, msg *string) (store.Result, error)
}

// Service records transfer progress in the task registry.
type Service struct {
	store   TaskStore
	storage ObjectStorage
	logger  *slog.Logger
}

// NewService returns a transfer Service.
func NewService(st TaskStore, storage ObjectStorage, logger *slog.Logger) *Service {
	return &Service{store: st, storage: storage, logger: logger}
}

// StartUpload creates an upload task and asks the object store for a
// temporary upload URL. The URL becomes the message of the url-received
// entry. Once the task exists it is returned with any error, and an object
// store failure moves it to error.
func (s *Service) StartUpload(ctx context.Context, owner, targetPath string) (*domain.Task, string, error) {
	task, err := s.store.Create(ctx, owner,
		store.WithMetadata(MetaKind, KindUpload),
		store.WithMetadata(MetaTargetPath, targetPath),
	)
	if err != nil {
		return nil, "", err
	}
	if _, err := s.step(ctx, task.ID, domain.StatusAskUploadURL, nil); err != nil {
		return task, "", err
	}

	url, err := s.storage.RequestUploadTarget(ctx, task.ID)
	if err != nil {
		msg := err.Error()
		res, uerr := s.step(ctx, task.ID, domain.StatusError, &msg)
		if uerr != nil {
			return task, "", errors.Join(err, uerr)
		}
		return res.Task, "", fmt.Errorf("request upload target for task %s: %w: %w", task.ID, ErrObjectStorage, err)
	}

	res, err := s.step(ctx, task.ID, domain.StatusURLReceived, &url)
	if err != nil {
		return task, "", err
	}
	return res.Task, url, nil
}

// ConfirmUpload records that the client finished uploading to the object store.
func (s *Service) ConfirmUpload(ctx context.Context, id string) (store.Result, error) {
	if err := s.checkKind(ctx, id, KindUpload); err != nil {
		return store.Result{}, err
	}
	return s.step(ctx, id, domain.StatusUploadConfirmed, nil)
}

// ClusterDownloadStarted records that the cluster began pulling the object.
func (s *Service) ClusterDownloadStarted(ctx context.Context, id string) (store.Result, error) {
	if err := s.checkKind(ctx, id, KindUpload); err != nil {
		return store.Result{}, err
	}
	return s.step(ctx, id, domain.StatusDownloadToClusterStarted, nil)
}

// ClusterDownloadFinished records the end of the cluster-side download and
// tells the object store how it went.
func (s *Service) ClusterDownloadFinished(ctx context.Context, id string, out Outcome) (store.Result, error) {
	if err := s.checkKind(ctx, id, KindUpload); err != nil {
		return store.Result{}, err
	}
	status := domain.StatusDownloadToClusterFinished
	if !out.Success {
		status = domain.StatusDownloadToClusterError
	}
	return s.finish(ctx, id, status, out)
}

// StartDownload creates a download task whose file is being staged from the
// cluster filesystem to the object store.
func (s *Service) StartDownload(ctx context.Context, owner, sourcePath string) (*domain.Task, error) {
	task, err := s.store.Create(ctx, owner,
		store.WithMetadata(MetaKind, KindDownload),
		store.WithMetadata(MetaSourcePath, sourcePath),
	)
	if err != nil {
		return nil, err
	}
	res, err := s.step(ctx, task.ID, domain.StatusUploadFromFilesystemStarted, nil)
	if err != nil {
		return nil, err
	}
	return res.Task, nil
}

// DownloadStaged records the end of the filesystem -> object store upload.
func (s *Service) DownloadStaged(ctx context.Context, id string, out Outcome) (store.Result, error) {
	if err := s.checkKind(ctx, id, KindDownload); err != nil {
		return store.Result{}, err
	}
	status := domain.StatusUploadFromFilesystemFinished
	if !out.Success {
		status = domain.StatusUploadFromFilesystemError
	}
	return s.finish(ctx, id, status, out)
}

func (s *Service) finish(ctx context.Context, id string, status domain.Status, out Outcome) (store.Result, error) {
	var msg *string
	if out.Message != "" {
		msg = &out.Message
	}
	res, err := s.step(ctx, id, status, msg)
	if err != nil || !res.Applied {
		return res, err
	}
	if err := s.storage.NotifyTransferOutcome(ctx, id, out); err != nil {
		s.logger.Warn("object storage outcome notification failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
	return res, nil
}

func (s *Service) step(ctx context.Context, id string, status domain.Status, msg *string) (store.Result, error) {
	res, err := s.store.Update(ctx, id, status.Code(), msg)
	if err != nil {
		return store.Result{}, err
	}
	s.logger.Info("transfer step",
		slog.String("task_id", id),
		slog.String("status", status.Name()),
		slog.Bool("applied", res.Applied),
	)
	return res, nil
}

func (s *Service) checkKind(ctx context.Context, id, kind string) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Metadata[MetaKind] != kind {
		return fmt.Errorf("task %s: %w", id, ErrWrongKind)
	}
	return nil
}
