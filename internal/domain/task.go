package domain

import "time"

// HistoryEntry records one accepted transition.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	Message   *string   `json:"msg,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task tracks one asynchronous operation reported on by external collaborators.
type Task struct {
	ID        string            `json:"hash_id"`
	Owner     string            `json:"owner"`
	Status    Status            `json:"status"`
	Message   *string           `json:"msg,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	History   []HistoryEntry    `json:"history"`
}

// NewTask returns a queued task with a single history entry.
func NewTask(id, owner string, now time.Time, metadata map[string]string) *Task {
	t := &Task{
		ID:        id,
		Owner:     owner,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []HistoryEntry{{Status: StatusQueued, Timestamp: now}},
	}
	if len(metadata) > 0 {
		t.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			t.Metadata[k] = v
		}
	}
	return t
}

// Transition moves the task to status and records it in history. It returns
// false and leaves the task untouched when the task is frozen.
// status must already be validated.
func (t *Task) Transition(status Status, msg *string, now time.Time) bool {
	if t.Status.IsFrozen() {
		return false
	}
	msg = copyString(msg)
	t.Status = status
	t.Message = msg
	if now.Before(t.UpdatedAt) {
		now = t.UpdatedAt
	}
	t.UpdatedAt = now
	t.History = append(t.History, HistoryEntry{Status: status, Message: copyString(msg), Timestamp: now})
	return true
}

// LastEntry returns the most recent history entry.
func (t *Task) LastEntry() HistoryEntry {
	return t.History[len(t.History)-1]
}

// Clone returns a deep copy safe to hand out across goroutines.
func (t *Task) Clone() *Task {
	c := *t
	c.Message = copyString(t.Message)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.History = make([]HistoryEntry, len(t.History))
	for i, h := range t.History {
		h.Message = copyString(h.Message)
		c.History[i] = h
	}
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
