// Package store holds the task registry: a concurrency-safe map from task id
// to task with per-id serialization of mutations.
//
// The registry lock guards only the id index and creation order. Every task
// has its own writer mutex; a mutation takes the registry read lock just long
// enough to find the entry, then works under the entry lock. Readers never
// take an entry lock: they load the last committed task from an atomic
// pointer, so a write stuck on backend I/O delays nobody but later writers of
// the same id. Lock order is always registry -> entry.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/pkg/retry"
	"github.com/ramiqadoumi/go-task-tracker/pkg/telemetry"
)

// DefaultMaxIDAttempts bounds the collision-checked id allocation loop.
const DefaultMaxIDAttempts = 10

// Persister writes task records to a durable backend.
type Persister interface {
	Save(ctx context.Context, task *domain.Task) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*domain.Task, error)
	Ping(ctx context.Context) error
}

// Notifier is told about every accepted transition. It is called while the
// task's lock is held, so notifications for one task arrive in history order.
type Notifier interface {
	TaskChanged(ctx context.Context, task *domain.Task)
}

// Result is returned by mutating operations.
type Result struct {
	Task *domain.Task
	// Applied is false when the task was frozen and the call was a no-op.
	Applied bool
}

type entry struct {
	mu     sync.Mutex // serializes writers
	task   atomic.Pointer[domain.Task]
	purged atomic.Bool
}

func newEntry(t *domain.Task) *entry {
	e := &entry{}
	e.task.Store(t)
	return e
}

// current returns the committed task, or nil once the entry is purged.
// Committed tasks are never mutated in place.
func (e *entry) current() *domain.Task {
	if e.purged.Load() {
		return nil
	}
	return e.task.Load()
}

// Store is the task registry. Construct with New; the zero value is not usable.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*entry
	order    []string
	reserved map[string]struct{}
	retired  map[string]struct{}

	newID       IDGenerator
	maxAttempts int
	now         func() time.Time
	persister   Persister
	saveRetry   retry.Config
	notifier    Notifier
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock replaces the time source used for created_at and updated_at.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithIDGenerator(g IDGenerator) Option { return func(s *Store) { s.newID = g } }

func WithMaxIDAttempts(n int) Option { return func(s *Store) { s.maxAttempts = n } }

// WithPersister makes every mutation write through to p before it is visible.
func WithPersister(p Persister) Option { return func(s *Store) { s.persister = p } }

func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

// WithSaveRetry sets how persister writes are retried. Context errors are
// never retried.
func WithSaveRetry(attempts int, baseDelay time.Duration) Option {
	return func(s *Store) {
		s.saveRetry.MaxAttempts = attempts
		s.saveRetry.BaseDelay = baseDelay
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:       make(map[string]*entry),
		reserved:    make(map[string]struct{}),
		retired:     make(map[string]struct{}),
		newID:       HashID,
		maxAttempts: DefaultMaxIDAttempts,
		saveRetry:   retry.Config{MaxAttempts: 1, Retryable: transient},
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 1
	}
	return s
}

// CreateOption sets optional fields on a new task.
type CreateOption func(map[string]string)

// WithMetadata attaches a metadata key to the created task.
func WithMetadata(key, value string) CreateOption {
	return func(m map[string]string) { m[key] = value }
}

// Create allocates a fresh id and inserts a queued task owned by owner.
func (s *Store) Create(ctx context.Context, owner string, opts ...CreateOption) (*domain.Task, error) {
	id, createdAt, err := s.allocateID(owner)
	if err != nil {
		telemetry.IDAllocationFailures.Inc()
		s.logger.Error("task id allocation failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	meta := make(map[string]string)
	for _, opt := range opts {
		opt(meta)
	}
	task := domain.NewTask(id, owner, createdAt, meta)

	if err := s.persist(ctx, task); err != nil {
		s.release(id)
		return nil, err
	}

	// The entry is locked before it becomes visible so the creation event
	// is published ahead of any update's.
	e := newEntry(task)
	s.mu.Lock()
	e.mu.Lock()
	delete(s.reserved, id)
	s.tasks[id] = e
	s.mu.Unlock()

	s.notify(ctx, task)
	out := task.Clone()
	e.mu.Unlock()

	telemetry.TasksCreated.Inc()
	s.logger.Debug("task created", slog.String("task_id", id), slog.String("owner", owner))
	return out, nil
}

// allocateID draws ids until one is free of live, reserved and retired ids.
// The creation time is stamped and the order slot taken under the same lock,
// so creation order and created_at agree.
func (s *Store) allocateID(owner string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		id := s.newID(owner)
		if id == "" {
			continue
		}
		if _, ok := s.tasks[id]; ok {
			continue
		}
		if _, ok := s.reserved[id]; ok {
			continue
		}
		if _, ok := s.retired[id]; ok {
			continue
		}
		s.reserved[id] = struct{}{}
		s.order = append(s.order, id)
		return id, s.now(), nil
	}
	return "", time.Time{}, &domain.ResourceExhaustedError{Attempts: s.maxAttempts}
}

// release gives back a reservation whose task never became visible.
func (s *Store) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
}

// Get returns a copy of the task.
func (s *Store) Get(_ context.Context, id string) (*domain.Task, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	t := e.current()
	if t == nil {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

// Exists reports whether id refers to a task still held by the store,
// including deleted and expired ones that have not been purged.
func (s *Store) Exists(_ context.Context, id string) bool {
	e := s.lookup(id)
	return e != nil && !e.purged.Load()
}

// Update parses token and applies the transition. Unknown ids yield
// TaskNotFoundError; unknown codes yield InvalidStatusError whatever the
// task's state. Updating a frozen task is a no-op with Applied false.
func (s *Store) Update(ctx context.Context, id, token string, msg *string) (Result, error) {
	e := s.lookup(id)
	if e == nil {
		return Result{}, &domain.TaskNotFoundError{TaskID: id}
	}
	status, err := domain.ParseStatus(token)
	if err != nil {
		telemetry.TaskUpdatesRejected.WithLabelValues("invalid_status").Inc()
		return Result{}, err
	}
	return s.mutate(ctx, e, id, func(t *domain.Task) bool {
		return t.Transition(status, msg, s.now())
	})
}

// Delete marks the task deleted. The record is retained. Deleting a frozen
// task is a no-op.
func (s *Store) Delete(ctx context.Context, id string) (Result, error) {
	return s.terminate(ctx, id, domain.StatusDeleted)
}

// Expire marks the task expired. Expiring a frozen task is a no-op.
func (s *Store) Expire(ctx context.Context, id string) (Result, error) {
	return s.terminate(ctx, id, domain.StatusExpired)
}

func (s *Store) terminate(ctx context.Context, id string, status domain.Status) (Result, error) {
	e := s.lookup(id)
	if e == nil {
		return Result{}, &domain.TaskNotFoundError{TaskID: id}
	}
	return s.mutate(ctx, e, id, func(t *domain.Task) bool {
		return t.Transition(status, nil, s.now())
	})
}

// ExpireStale expires the task only if, under its lock, it is still not
// frozen and was last updated before cutoff. An update that won the lock
// first leaves the task alone.
func (s *Store) ExpireStale(ctx context.Context, id string, cutoff time.Time) (Result, error) {
	e := s.lookup(id)
	if e == nil {
		return Result{}, &domain.TaskNotFoundError{TaskID: id}
	}
	return s.mutate(ctx, e, id, func(t *domain.Task) bool {
		if !t.UpdatedAt.Before(cutoff) {
			return false
		}
		return t.Transition(domain.StatusExpired, nil, s.now())
	})
}

// mutate runs apply against a clone under the entry lock. The clone is
// persisted before it replaces the committed task, so a persistence failure
// leaves the task unchanged.
func (s *Store) mutate(ctx context.Context, e *entry, id string, apply func(*domain.Task) bool) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.current()
	if cur == nil {
		return Result{}, &domain.TaskNotFoundError{TaskID: id}
	}

	next := cur.Clone()
	if !apply(next) {
		telemetry.TaskTransitionsNoop.Inc()
		return Result{Task: cur.Clone(), Applied: false}, nil
	}
	if err := s.persist(ctx, next); err != nil {
		return Result{}, err
	}
	e.task.Store(next)
	s.notify(ctx, next)

	telemetry.TaskTransitions.WithLabelValues(next.Status.Name()).Inc()
	s.logger.Debug("task updated",
		slog.String("task_id", id),
		slog.String("status", next.Status.Name()),
	)
	return Result{Task: next.Clone(), Applied: true}, nil
}

// List returns copies of all tasks in creation order. An empty owner
// matches every task.
func (s *Store) List(_ context.Context, owner string) []*domain.Task {
	entries := s.entries()
	out := make([]*domain.Task, 0, len(entries))
	for _, e := range entries {
		if t := e.current(); t != nil && (owner == "" || t.Owner == owner) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Summary is a lightweight view of a task used by the sweeper.
type Summary struct {
	ID        string
	Status    domain.Status
	UpdatedAt time.Time
}

// Snapshot returns id, status and last update time for every task without
// copying histories.
func (s *Store) Snapshot() []Summary {
	entries := s.entries()
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if t := e.current(); t != nil {
			out = append(out, Summary{ID: t.ID, Status: t.Status, UpdatedAt: t.UpdatedAt})
		}
	}
	return out
}

// Purge physically removes frozen tasks last updated before cutoff. Their
// ids are retired and never handed out again. A task whose backend delete
// fails stays in the registry and is retried by the next purge.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var marked []*entry
	for _, sum := range s.Snapshot() {
		if !sum.Status.IsFrozen() || !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		e := s.lookup(sum.ID)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if t := e.current(); t != nil && t.Status.IsFrozen() && t.UpdatedAt.Before(cutoff) {
			e.purged.Store(true)
			marked = append(marked, e)
		}
		e.mu.Unlock()
	}
	if len(marked) == 0 {
		return 0, nil
	}

	var errs []error
	gone := make(map[string]struct{}, len(marked))
	for _, e := range marked {
		id := e.task.Load().ID
		if s.persister != nil {
			if err := s.persister.Delete(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("purge %s: %w", id, err))
				e.mu.Lock()
				e.purged.Store(false)
				e.mu.Unlock()
				continue
			}
		}
		gone[id] = struct{}{}
	}

	s.mu.Lock()
	for id := range gone {
		delete(s.tasks, id)
		s.retired[id] = struct{}{}
	}
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		_, ok := gone[id]
		return ok
	})
	s.mu.Unlock()
	return len(gone), errors.Join(errs...)
}

// Restore loads every record from the persister. It is meant to be called
// once at startup, before the store is shared.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	tasks, err := s.persister.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore tasks: %w", err)
	}
	sortByCreation(tasks)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		if len(t.History) == 0 || !t.Status.Valid() {
			s.logger.Warn("skipping malformed task record", slog.String("task_id", t.ID))
			continue
		}
		s.tasks[t.ID] = newEntry(t)
		s.order = append(s.order, t.ID)
		n++
	}
	return n, nil
}

// Ping reports whether the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Ping(ctx)
}

// entries copies the entry pointers in creation order. Ids still reserved by
// an in-flight Create are skipped.
func (s *Store) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.tasks[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

func (s *Store) persist(ctx context.Context, task *domain.Task) error {
	if s.persister == nil {
		return nil
	}
	cfg := s.saveRetry
	cfg.OnRetry = func(attempt int, err error) {
		s.logger.Warn("persist failed, retrying",
			slog.String("task_id", task.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	if err := retry.Do(ctx, cfg, func() error { return s.persister.Save(ctx, task) }); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

func transient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) notify(ctx context.Context, task *domain.Task) {
	if s.notifier != nil {
		s.notifier.TaskChanged(ctx, task.Clone())
	}
}

func sortByCreation(tasks []*domain.Task) {
	slices.SortStableFunc(tasks, func(a, b *domain.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
