package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/kafka"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeConsumer struct {
	msgs      []kafka.Message
	committed []int64
}

func (c *fakeConsumer) Subscribe(ctx context.Context, handler kafka.HandlerFunc) error {
	for _, m := range c.msgs {
		if err := handler(ctx, m); err != nil {
			continue
		}
		c.committed = append(c.committed, m.Offset)
	}
	return nil
}
func (c *fakeConsumer) Close() error { return nil }

type failingUpdater struct{ err error }

func (u failingUpdater) Update(context.Context, string, string, *string) (store.Result, error) {
	return store.Result{}, u.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func report(t *testing.T, offset int64, r Report) kafka.Message {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return kafka.Message{Topic: DefaultTopic, Key: []byte(r.TaskID), Value: b, Offset: offset}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestRun_AppliesReportsInOrder(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	task, err := st.Create(ctx, "alice")
	require.NoError(t, err)

	done := "done"
	c := &fakeConsumer{msgs: []kafka.Message{
		report(t, 1, Report{TaskID: task.ID, Status: "101"}),
		report(t, 2, Report{TaskID: task.ID, Status: "success", Msg: &done}),
	}}
	require.NoError(t, New(c, st, discard()).Run(ctx))

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	require.Len(t, got.History, 3)
	assert.Equal(t, domain.StatusProgress, got.History[1].Status)
	assert.Equal(t, "done", *got.History[2].Message)
	assert.Equal(t, []int64{1, 2}, c.committed)
}

func TestHandle_UnrecoverableReportsAreCommitted(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	task, err := st.Create(ctx, "alice")
	require.NoError(t, err)
	_, err = st.Delete(ctx, task.ID)
	require.NoError(t, err)

	c := &fakeConsumer{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("{not json")},
		{Offset: 2, Value: []byte(`{"status":"101"}`)},
		report(t, 3, Report{TaskID: "missing", Status: "101"}),
		report(t, 4, Report{TaskID: task.ID, Status: "9999"}),
		report(t, 5, Report{TaskID: task.ID, Status: "101"}),
	}}
	require.NoError(t, New(c, st, discard()).Run(ctx))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, c.committed)

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status, "frozen task is not revived")
	assert.Len(t, got.History, 2)
}

func TestHandle_TransientFailureIsNotCommitted(t *testing.T) {
	c := &fakeConsumer{msgs: []kafka.Message{report(t, 7, Report{TaskID: "t1", Status: "101"})}}
	in := New(c, failingUpdater{err: errors.New("redis: connection refused")}, discard())
	require.NoError(t, in.Run(context.Background()))
	assert.Empty(t, c.committed)
}

func TestHandle_ReturnsWrappedError(t *testing.T) {
	cause := errors.New("backend down")
	in := New(&fakeConsumer{}, failingUpdater{err: cause}, discard())
	err := in.Handle(context.Background(), report(t, 1, Report{TaskID: "t1", Status: "101"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}
