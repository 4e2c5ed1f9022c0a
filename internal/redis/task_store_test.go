package redis

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
)

var _ store.Persister = (*TaskStore)(nil)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func strPtr(s string) *string { return &s }

func TestTaskStore_SaveGetRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ts := NewTaskStore(client)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task := domain.NewTask("abc", "alice", now, map[string]string{"target_path": "/x"})
	task.Transition(domain.StatusURLReceived, strPtr("https://bucket/put"), now.Add(time.Second))
	require.NoError(t, ts.Save(ctx, task))

	got, err := ts.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestTaskStore_GetNotFound(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := NewTaskStore(client).Get(context.Background(), "missing")

	var notFound *domain.TaskNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "missing", notFound.TaskID)
}

func TestTaskStore_LoadAllAndDelete(t *testing.T) {
	client, mr := newTestClient(t)
	ts := NewTaskStore(client)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ts.Save(ctx, domain.NewTask(id, "alice", time.Now().UTC(), nil)))
	}
	require.NoError(t, ts.Delete(ctx, "b"))
	// An index entry without a record is skipped.
	_, err := mr.SAdd(indexKey, "ghost")
	require.NoError(t, err)

	tasks, err := ts.LoadAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
	assert.False(t, mr.Exists(recordKey("b")))
}

func TestTaskStore_BacksStoreRestore(t *testing.T) {
	client, _ := newTestClient(t)
	ts := NewTaskStore(client)
	ctx := context.Background()

	first := store.New(store.WithPersister(ts))
	task, err := first.Create(ctx, "alice")
	require.NoError(t, err)
	_, err = first.Update(ctx, task.ID, domain.StatusProgress.Code(), strPtr("halfway"))
	require.NoError(t, err)

	second := store.New(store.WithPersister(ts))
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := second.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProgress, got.Status)
	assert.Len(t, got.History, 2)
}

func TestTaskStore_PingFailsWhenServerDown(t *testing.T) {
	client, mr := newTestClient(t)
	ts := NewTaskStore(client)
	require.NoError(t, ts.Ping(context.Background()))

	mr.Close()
	assert.Error(t, ts.Ping(context.Background()))
}

func TestRateLimiter_Window(t *testing.T) {
	client, _ := newTestClient(t)
	limiter := NewRateLimiter(client, "create", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "third call within the window is rejected")

	ok, err = limiter.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "limits are per key")
	assert.Equal(t, 2, limiter.Limit())
}

func TestLeaderLock_SingleLeader(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	a := NewLeaderLock(client, "sweeper:leader", "a", time.Minute, slog.Default())
	b := NewLeaderLock(client, "sweeper:leader", "b", time.Minute, slog.Default())

	assert.True(t, a.Acquire(ctx))
	assert.False(t, b.Acquire(ctx))
	assert.True(t, a.Acquire(ctx), "leader renews its own lease")

	mr.FastForward(2 * time.Minute)
	assert.True(t, b.Acquire(ctx), "lease moves once it lapses")
	assert.False(t, a.Acquire(ctx))
}
