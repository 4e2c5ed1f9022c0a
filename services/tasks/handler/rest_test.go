package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
	"github.com/ramiqadoumi/go-task-tracker/internal/transfer"
	"github.com/ramiqadoumi/go-task-tracker/services/tasks/middleware"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fakeLimiter struct {
	allow bool
	err   error
}

func (l fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, l.err }

func (l fakeLimiter) Limit() int { return 5 }

type fakeStorage struct{ err error }

func (s fakeStorage) RequestUploadTarget(_ context.Context, id string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://objects.example/" + id, nil
}

func (fakeStorage) NotifyTransferOutcome(context.Context, string, transfer.Outcome) error { return nil }

type downStore struct{ *store.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRouter(st TaskStore, limiter RateLimiter, storage transfer.ObjectStorage) http.Handler {
	rest := NewREST(st, limiter, discard())
	r := chi.NewRouter()
	rest.Routes(r)
	if storage != nil {
		inner, _ := st.(*store.Store)
		NewTransfers(transfer.NewService(inner, storage, discard()), rest).Routes(r)
	}
	return r
}

func do(t *testing.T, h http.Handler, method, path, owner string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func create(t *testing.T, h http.Handler, owner string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/tasks", owner, nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode[CreateTaskResponse](t, rec).ID
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestCreateAndGet(t *testing.T) {
	h := newRouter(store.New(), nil, nil)

	rec := do(t, h, http.MethodPost, "/tasks", "alice", strings.NewReader(`{"metadata":{"job":"42"}}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[CreateTaskResponse](t, rec)
	assert.Len(t, created.ID, 32)
	assert.Equal(t, "100", created.Task.Status)
	assert.Equal(t, "queued", created.Task.StatusName)
	assert.Equal(t, "42", created.Task.Metadata["job"])

	rec = do(t, h, http.MethodGet, "/tasks/"+created.ID, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[TaskView](t, rec)
	assert.Equal(t, "alice", got.Owner)
	require.Len(t, got.History, 1)
}

func TestCreate_RequiresOwner(t *testing.T) {
	h := newRouter(store.New(), nil, nil)
	rec := do(t, h, http.MethodPost, "/tasks", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreate_RateLimited(t *testing.T) {
	h := newRouter(store.New(), fakeLimiter{allow: false}, nil)
	rec := do(t, h, http.MethodPost, "/tasks", "alice", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "alice")
}

func TestCreate_LimiterErrorFailsOpen(t *testing.T) {
	h := newRouter(store.New(), fakeLimiter{err: errors.New("redis down")}, nil)
	rec := do(t, h, http.MethodPost, "/tasks", "alice", nil, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreate_ExhaustedIDSpaceIs503(t *testing.T) {
	st := store.New(store.WithIDGenerator(func(string) string { return "same" }), store.WithMaxIDAttempts(2))
	h := newRouter(st, nil, nil)
	create(t, h, "alice")
	rec := do(t, h, http.MethodPost, "/tasks", "alice", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGet_UnknownIs404(t *testing.T) {
	h := newRouter(store.New(), nil, nil)
	rec := do(t, h, http.MethodGet, "/tasks/nope", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec), "error")
}

func TestUpdate_FormAndJSON(t *testing.T) {
	h := newRouter(store.New(), nil, nil)
	id := create(t, h, "alice")

	form := url.Values{"status": {"101"}, "msg": {"halfway"}}
	rec := do(t, h, http.MethodPut, "/tasks/"+id, "", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[UpdateTaskResponse](t, rec)
	assert.True(t, res.Applied)
	assert.Equal(t, "101", res.Task.Status)
	require.NotNil(t, res.Task.Message)
	assert.Equal(t, "halfway", *res.Task.Message)

	rec = do(t, h, http.MethodPut, "/tasks/"+id, "", strings.NewReader(`{"status":"success"}`), "application/json; charset=utf-8")
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[UpdateTaskResponse](t, rec)
	assert.Equal(t, "200", res.Task.Status)
	assert.Nil(t, res.Task.Message)
	assert.Len(t, res.Task.History, 3)
}

func TestUpdate_Rejections(t *testing.T) {
	h := newRouter(store.New(), nil, nil)
	id := create(t, h, "alice")

	for _, code := range []string{"9999", "47777"} {
		rec := do(t, h, http.MethodPut, "/tasks/"+id, "", strings.NewReader(`{"status":"`+code+`"}`), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code, code)
	}
	rec := do(t, h, http.MethodPut, "/tasks/"+id, "", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/tasks/missing", "", strings.NewReader(`{"status":"101"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdate_FrozenTaskIsNoop(t *testing.T) {
	h := newRouter(store.New(), nil, nil)
	id := create(t, h, "alice")
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/tasks/"+id, "", nil, "").Code)

	rec := do(t, h, http.MethodPut, "/tasks/"+id, "", strings.NewReader(`{"status":"101"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[UpdateTaskResponse](t, rec)
	assert.False(t, res.Applied)
	assert.Equal(t, "300", res.Task.Status)
}

func TestDeleteAndExpire(t *testing.T) {
	h := newRouter(store.New(), nil, nil)
	id := create(t, h, "alice")

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/tasks/"+id, "", nil, "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/tasks/"+id, "", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/tasks/nope", "", nil, "").Code)

	other := create(t, h, "alice")
	rec := do(t, h, http.MethodPost, "/tasks/task-expire/"+other, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec), "success")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/tasks/task-expire/nope", "", nil, "").Code)

	rec = do(t, h, http.MethodGet, "/tasks/"+other, "", nil, "")
	assert.Equal(t, "expired", decode[TaskView](t, rec).StatusName)
}

func TestList(t *testing.T) {
	h := newRouter(store.New(), nil, nil)
	a1 := create(t, h, "alice")
	b1 := create(t, h, "bob")
	a2 := create(t, h, "alice")

	rec := do(t, h, http.MethodGet, "/tasks", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	own := decode[map[string][]TaskView](t, rec)["tasks"]
	require.Len(t, own, 2)
	assert.Equal(t, a1, own[0].ID)
	assert.Equal(t, a2, own[1].ID)

	rec = do(t, h, http.MethodGet, "/tasks/taskslist", "", nil, "")
	all := decode[map[string][]TaskView](t, rec)["tasks"]
	require.Len(t, all, 3)
	assert.Equal(t, b1, all[1].ID)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, do(t, newRouter(store.New(), nil, nil), http.MethodGet, "/tasks/status", "", nil, "").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		do(t, newRouter(downStore{store.New()}, nil, nil), http.MethodGet, "/tasks/status", "", nil, "").Code)
}

func TestTransfers_Upload(t *testing.T) {
	st := store.New()
	h := newRouter(st, nil, fakeStorage{})

	rec := do(t, h, http.MethodPost, "/transfers/upload", "alice", strings.NewReader(`{"target_path":"/scratch/in"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	started := decode[StartUploadResponse](t, rec)
	assert.Equal(t, "https://objects.example/"+started.ID, started.URL)
	assert.Equal(t, "url-received", started.Task.StatusName)

	for _, path := range []string{"/confirm", "/cluster-download"} {
		rec = do(t, h, http.MethodPut, "/transfers/"+started.ID+path, "", nil, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec = do(t, h, http.MethodPut, "/transfers/"+started.ID+"/cluster-download/outcome", "",
		strings.NewReader(`{"success":false,"msg":"no space"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[UpdateTaskResponse](t, rec)
	assert.Equal(t, "download-to-cluster-error", res.Task.StatusName)

	got, err := st.Get(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloadToClusterError, got.Status)
	assert.Len(t, got.History, 6)
}

func TestTransfers_UploadStorageFailure(t *testing.T) {
	h := newRouter(store.New(), nil, fakeStorage{err: errors.New("bucket gone")})
	rec := do(t, h, http.MethodPost, "/transfers/upload", "alice", strings.NewReader(`{"target_path":"/p"}`), "application/json")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.NotEmpty(t, body["hash_id"])
}

func TestTransfers_DownloadAndWrongKind(t *testing.T) {
	h := newRouter(store.New(), nil, fakeStorage{})

	rec := do(t, h, http.MethodPost, "/transfers/download", "bob", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/transfers/download", "bob", strings.NewReader(`{"source_path":"/scratch/out"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[CreateTaskResponse](t, rec).ID

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPut, "/transfers/"+id+"/confirm", "", nil, "").Code)

	rec = do(t, h, http.MethodPut, "/transfers/"+id+"/staged", "", strings.NewReader(`{"success":true}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upload-from-filesystem-finished", decode[UpdateTaskResponse](t, rec).Task.StatusName)
}
