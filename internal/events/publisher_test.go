package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
)

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs  []publishedMsg
	fails int
	calls int
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.calls++
	if p.calls <= p.fails {
		return errors.New("broker unavailable")
	}
	p.msgs = append(p.msgs, publishedMsg{topic, key, value})
	return nil
}
func (p *fakeProducer) Close() error { return nil }

var _ store.Notifier = (*Publisher)(nil)

func newTestPublisher(prod *fakeProducer) *Publisher {
	p := NewPublisher(prod, "", slog.Default())
	p.retry.BaseDelay = time.Millisecond
	return p
}

func TestPublisher_PublishesLatestEntryKeyedByTask(t *testing.T) {
	prod := &fakeProducer{}
	s := store.New(store.WithNotifier(newTestPublisher(prod)))
	ctx := context.Background()

	task, err := s.Create(ctx, "alice", store.WithMetadata("target_path", "/scratch"))
	require.NoError(t, err)
	msg := "halfway"
	_, err = s.Update(ctx, task.ID, "progress", &msg)
	require.NoError(t, err)

	require.Len(t, prod.msgs, 2)
	for _, m := range prod.msgs {
		assert.Equal(t, DefaultTopic, m.topic)
		assert.Equal(t, task.ID, m.key)
	}

	var evt Event
	require.NoError(t, json.Unmarshal(prod.msgs[1].value, &evt))
	assert.Equal(t, "101", evt.Status)
	assert.Equal(t, "progress", evt.StatusName)
	require.NotNil(t, evt.Message)
	assert.Equal(t, "halfway", *evt.Message)
	assert.Equal(t, 2, evt.Sequence)
	assert.False(t, evt.Terminal)
	assert.Equal(t, "/scratch", evt.Metadata["target_path"])
}

func TestPublisher_RetriesThenGivesUpWithoutFailingUpdate(t *testing.T) {
	prod := &fakeProducer{fails: 1}
	p := newTestPublisher(prod)
	task := domain.NewTask("abc", "alice", time.Now(), nil)

	p.TaskChanged(context.Background(), task)
	assert.Equal(t, 2, prod.calls)
	assert.Len(t, prod.msgs, 1)

	prod = &fakeProducer{fails: 100}
	s := store.New(store.WithNotifier(newTestPublisher(prod)))
	_, err := s.Create(context.Background(), "alice")
	require.NoError(t, err, "event delivery is best effort")
	assert.Equal(t, 3, prod.calls)
}
