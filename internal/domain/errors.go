package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist or was purged.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidStatusError is returned when a status token is outside the closed
// enumeration of status codes.
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status code %q", e.Value)
}

// ResourceExhaustedError is returned when no free task ID could be allocated
// within the bounded number of attempts.
type ResourceExhaustedError struct {
	Attempts int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("could not allocate a unique task id after %d attempts", e.Attempts)
}

// RateLimitExceededError is returned when an owner creates tasks faster than allowed.
type RateLimitExceededError struct {
	Owner string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for owner %q: limit is %d", e.Owner, e.Limit)
}
