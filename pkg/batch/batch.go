// Package batch holds the shared data model for batched remote execution:
// tasks, results, batches and the status snapshot the remote executor
// publishes while a batch is in flight.
package batch

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusRunning     TaskStatus = "running"
	StatusSucceeded   TaskStatus = "succeeded"
	StatusFailed      TaskStatus = "failed"
	StatusTimedOut    TaskStatus = "timed_out"
	StatusCancelled   TaskStatus = "cancelled"
	StatusNotExecuted TaskStatus = "not_executed"
)

// Terminal reports whether s is a final state. A task in a terminal
// state never transitions again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusNotExecuted:
		return true
	}
	return false
}

// State is the coarse aggregate state of a batch.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAbandoned State = "abandoned"
)

// Task is one unit of remote work. IDs are unique within a batch and
// stable across retries.
type Task struct {
	ID      string `json:"task_id" yaml:"id"`
	Command string `json:"command" yaml:"command"`
}

// TaskResult is the terminal record returned to the caller for each
// submitted task. ExitCode is nil until the task reaches a terminal
// state that carries one.
type TaskResult struct {
	TaskID    string     `json:"task_id" bson:"task_id"`
	Status    TaskStatus `json:"status" bson:"status"`
	ExitCode  *int       `json:"exit_code,omitempty" bson:"exit_code,omitempty"`
	Stdout    string     `json:"stdout" bson:"stdout"`
	Stderr    string     `json:"stderr" bson:"stderr"`
	Truncated bool       `json:"truncated" bson:"truncated"`
	StartedAt time.Time  `json:"started_at,omitempty" bson:"started_at,omitempty"`
	EndedAt   time.Time  `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
}

// NotExecuted builds the explicit placeholder result for a task that
// never ran, so callers always get one result per submitted task.
func NotExecuted(taskID, reason string) TaskResult {
	return TaskResult{
		TaskID: taskID,
		Status: StatusNotExecuted,
		Stderr: reason,
	}
}

// StatusReport is the snapshot artifact the remote executor overwrites
// on every state change. The poller always reads the latest snapshot,
// never a history.
type StatusReport struct {
	BatchID       string    `json:"batch_id"`
	Total         int       `json:"total"`
	Completed     int       `json:"completed"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	State         State     `json:"state"`
	Timestamp     time.Time `json:"timestamp"`
}

// Batch is an ordered group of tasks dispatched together over one
// session use. It references its session by host key, never by
// pointer.
type Batch struct {
	ID        string
	HostKey   string
	Tasks     []Task
	CreatedAt time.Time
}

func NewBatch(hostKey string, tasks []Task) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		HostKey:   hostKey,
		Tasks:     tasks,
		CreatedAt: time.Now(),
	}
}

// Split cuts tasks into chunks of at most size elements, preserving
// order. size <= 0 yields a single chunk.
func Split(tasks []Task, size int) [][]Task {
	if size <= 0 || len(tasks) <= size {
		return [][]Task{tasks}
	}
	var chunks [][]Task
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		chunks = append(chunks, tasks[start:end])
	}
	return chunks
}
