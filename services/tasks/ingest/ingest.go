// Package ingest applies status reports that collaborators publish to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/kafka"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
	"github.com/ramiqadoumi/go-task-tracker/pkg/telemetry"
)

const DefaultTopic = "tasks.status-reports"

// Report is one status report. Status is a code or canonical name.
type Report struct {
	TaskID string  `json:"task_id"`
	Status string  `json:"status"`
	Msg    *string `json:"msg,omitempty"`
}

// Updater applies a status report to the registry.
type Updater interface {
	Update(ctx context.Context, id, token string, msg *string) (store.Result, error)
}

// Ingester consumes status reports and applies them one by one.
type Ingester struct {
	consumer kafka.Consumer
	updater  Updater
	logger   *slog.Logger
}

// New returns an Ingester reading from consumer.
func New(consumer kafka.Consumer, updater Updater, logger *slog.Logger) *Ingester {
	return &Ingester{consumer: consumer, updater: updater, logger: logger}
}

// Run consumes until ctx is cancelled.
func (i *Ingester) Run(ctx context.Context) error {
	return i.consumer.Subscribe(ctx, i.Handle)
}

// Handle applies one message. Reports that can never succeed (malformed,
// unknown task, invalid status) are logged and committed. Any other failure
// is returned so the offset is not committed.
func (i *Ingester) Handle(ctx context.Context, msg kafka.Message) error {
	var rep Report
	if err := json.Unmarshal(msg.Value, &rep); err != nil || rep.TaskID == "" {
		i.logger.Warn("malformed status report, discarding",
			slog.Int64("offset", msg.Offset),
			slog.String("raw", string(msg.Value)),
		)
		telemetry.StatusReportsIngested.WithLabelValues("malformed").Inc()
		return nil
	}

	ctx, span := otel.Tracer("ingest").Start(ctx, "ingest.status_report")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", rep.TaskID),
		attribute.String("task.status", rep.Status),
	)

	log := i.logger.With(slog.String("task_id", rep.TaskID), slog.String("status", rep.Status))

	res, err := i.updater.Update(ctx, rep.TaskID, rep.Status, rep.Msg)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		var invalid *domain.InvalidStatusError
		switch {
		case errors.As(err, &notFound):
			log.Warn("status report for unknown task")
			telemetry.StatusReportsIngested.WithLabelValues("not_found").Inc()
			return nil
		case errors.As(err, &invalid):
			log.Warn("status report with invalid status", slog.String("error", err.Error()))
			telemetry.StatusReportsIngested.WithLabelValues("invalid").Inc()
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		telemetry.StatusReportsIngested.WithLabelValues("failed").Inc()
		return fmt.Errorf("apply status report for task %s: %w", rep.TaskID, err)
	}

	if !res.Applied {
		log.Info("status report ignored, task is frozen")
		telemetry.StatusReportsIngested.WithLabelValues("noop").Inc()
		return nil
	}
	log.Debug("status report applied")
	telemetry.StatusReportsIngested.WithLabelValues("applied").Inc()
	return nil
}
