package task

import (
	"context"
	"strings"
	"time"
)

// Type tags the kind of generation a task performs. It only selects how the
// result payload is normalized; admission and polling ignore it.
type Type string

const (
	TypeImage        Type = "image"
	TypeVideo        Type = "video"
	TypeImageToImage Type = "image-to-image"
	TypeImageToVideo Type = "image-to-video"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInQueue    Status = "in_queue"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a task in this status holds a concurrency slot.
func (s Status) Active() bool {
	return s == StatusInQueue || s == StatusInProgress
}

// CancelledMessage is the error text of a task cancelled through CancelTask.
const CancelledMessage = "Task cancelled by user"

// Task is one submitted generation job. Values handed out by the Manager are
// copies; changing them has no effect on the queue.
type Task struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Status        Status         `json:"status"`
	Prompt        string         `json:"prompt"`
	ModelID       string         `json:"modelId"`
	Options       map[string]any `json:"options"`
	RequestID     string         `json:"requestId,omitempty"`
	Progress      int            `json:"progress"`
	Logs          []string       `json:"logs,omitempty"`
	QueuePosition *int           `json:"queuePosition,omitempty"`
	Error         string         `json:"error,omitempty"`
	Result        *Result        `json:"result,omitempty"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       *time.Time     `json:"endTime,omitempty"`
}

// Cancelled reports whether the task failed because CancelTask succeeded.
func (t Task) Cancelled() bool {
	return t.Status == StatusFailed && t.Error == CancelledMessage
}

func (t *Task) clone() Task {
	c := *t
	if t.Options != nil {
		c.Options = copyMap(t.Options)
	}
	if t.Logs != nil {
		c.Logs = append([]string(nil), t.Logs...)
	}
	if t.QueuePosition != nil {
		pos := *t.QueuePosition
		c.QueuePosition = &pos
	}
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	c.Result = t.Result.Clone()
	return c
}

// copyMap copies m along with any maps and slices nested in it, as decoded
// from JSON.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return copyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// Listener receives the full task set, newest first, after every mutation.
type Listener func(tasks []Task)

// JobState is the backend's view of a submitted request.
type JobState string

const (
	StateInQueue    JobState = "IN_QUEUE"
	StateInProgress JobState = "IN_PROGRESS"
	StateCompleted  JobState = "COMPLETED"
	StateFailed     JobState = "FAILED"
)

type JobStatus struct {
	State         JobState
	Logs          []string
	QueuePosition *int
}

// JobClient is the remote inference backend. Every call may block on the
// network and every call may fail.
type JobClient interface {
	Submit(ctx context.Context, modelID string, input map[string]any) (requestID string, err error)
	Status(ctx context.Context, modelID, requestID string) (*JobStatus, error)
	Result(ctx context.Context, modelID, requestID string) (map[string]any, error)
	Cancel(ctx context.Context, modelID, requestID string) error
}

func failureMessage(logs []string) string {
	if len(logs) == 0 {
		return "Task failed"
	}
	return strings.Join(logs, "\n")
}
