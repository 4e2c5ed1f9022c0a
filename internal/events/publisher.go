// Package events publishes accepted task transitions to Kafka so other
// services can follow task progress without polling.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/kafka"
	"github.com/ramiqadoumi/go-task-tracker/pkg/retry"
	"github.com/ramiqadoumi/go-task-tracker/pkg/telemetry"
)

// DefaultTopic receives one message per accepted transition.
const DefaultTopic = "tasks.events"

// Event is the JSON body of a task event. The message key is the task id.
// Terminal is set once the task reached success, error, deleted or expired.
type Event struct {
	TaskID     string            `json:"task_id"`
	Owner      string            `json:"owner"`
	Status     string            `json:"status"`
	StatusName string            `json:"status_name"`
	Message    *string           `json:"msg,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Sequence   int               `json:"sequence"`
	Terminal   bool              `json:"terminal"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewEvent builds the event for the task's latest history entry.
func NewEvent(task *domain.Task) Event {
	last := task.LastEntry()
	return Event{
		TaskID:     task.ID,
		Owner:      task.Owner,
		Status:     last.Status.Code(),
		StatusName: last.Status.Name(),
		Message:    last.Message,
		Metadata:   task.Metadata,
		Sequence:   len(task.History),
		Terminal:   last.Status.IsTerminal(),
		Timestamp:  last.Timestamp,
	}
}

// Publisher implements store.Notifier on top of a Kafka producer. Publishing
// is best effort: failures are logged and counted, never returned.
type Publisher struct {
	producer kafka.Producer
	topic    string
	retry    retry.Config
	logger   *slog.Logger
}

// NewPublisher returns a Publisher writing to topic.
func NewPublisher(producer kafka.Producer, topic string, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		retry:    retry.Config{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond},
		logger:   logger,
	}
}

func (p *Publisher) TaskChanged(ctx context.Context, task *domain.Task) {
	evt := NewEvent(task)
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("marshal task event", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		telemetry.EventsPublishFailures.Inc()
		return
	}

	err = retry.Do(ctx, p.retry, func() error {
		return p.producer.Publish(ctx, p.topic, task.ID, payload)
	})
	if err != nil {
		telemetry.EventsPublishFailures.Inc()
		p.logger.Error("failed to publish task event",
			slog.String("task_id", task.ID),
			slog.String("status", evt.StatusName),
			slog.String("error", err.Error()),
		)
	}
}
