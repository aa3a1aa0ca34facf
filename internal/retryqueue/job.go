package retryqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the partition a job lives in.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Reason records why a job was enqueued.
type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonError   Reason = "error"
	// ReasonStalled marks an order found processing with no job, e.g. after a crash.
	ReasonStalled Reason = "stalled"
)

// Job is one durable retry of an order's saga.
type Job struct {
	ID            string          `json:"job_id"`
	OrderID       string          `json:"order_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Reason        Reason          `json:"reason"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	QueuedAt      time.Time       `json:"queued_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Status        Status          `json:"status"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Exhausted reports whether no attempts remain.
func (j Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Age is how long the job has existed at now.
func (j Job) Age(now time.Time) time.Duration {
	return now.Sub(j.QueuedAt)
}

// Counts summarizes the partitions.
type Counts struct {
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

var (
	ErrJobNotFound = errors.New("retry job not found")
	ErrInvalidJob  = errors.New("invalid retry job")
)

func jobID(orderID string, at time.Time) string {
	return fmt.Sprintf("%s:%d", orderID, at.UnixNano())
}

func decodeJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
