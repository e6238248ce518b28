package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Subject is a NATS subject carrying payloads of type T.
type Subject[T any] struct {
	Pattern string
}

// NewSubject declares a typed subject.
func NewSubject[T any](pattern string) Subject[T] {
	return Subject[T]{Pattern: pattern}
}

// String returns the subject pattern.
func (s Subject[T]) String() string { return s.Pattern }

// WorkflowEvent is published on instance lifecycle transitions.
type WorkflowEvent struct {
	WorkflowID     string    `json:"workflow_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	TemplateID     string    `json:"template_id,omitempty"`
	Status         Status    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TaskEvent is published on task transitions.
type TaskEvent struct {
	WorkflowID string     `json:"workflow_id"`
	TaskID     string     `json:"task_id"`
	TaskType   TaskType   `json:"task_type"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NotificationEvent is published for each fan-out send.
type NotificationEvent struct {
	WorkflowID string    `json:"workflow_id"`
	Channel    string    `json:"channel"`
	Recipient  string    `json:"recipient,omitempty"`
	Sent       bool      `json:"sent"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventsPrefix roots every subject below.
const EventsPrefix = "workflow.events"

// Typed subjects under "workflow.events.<entity>.<action>".
var (
	WorkflowStarted   = NewSubject[WorkflowEvent](EventsPrefix + ".workflow.started")
	WorkflowCompleted = NewSubject[WorkflowEvent](EventsPrefix + ".workflow.completed")
	WorkflowFailed    = NewSubject[WorkflowEvent](EventsPrefix + ".workflow.failed")
	WorkflowCancelled = NewSubject[WorkflowEvent](EventsPrefix + ".workflow.cancelled")

	TaskStarted       = NewSubject[TaskEvent](EventsPrefix + ".task.started")
	TaskCompleted     = NewSubject[TaskEvent](EventsPrefix + ".task.completed")
	TaskFailed        = NewSubject[TaskEvent](EventsPrefix + ".task.failed")
	TaskRequiresInput = NewSubject[TaskEvent](EventsPrefix + ".task.requires_input")

	NotificationSent   = NewSubject[NotificationEvent](EventsPrefix + ".notification.sent")
	NotificationFailed = NewSubject[NotificationEvent](EventsPrefix + ".notification.failed")
)

// WorkflowSubject returns the lifecycle subject for status.
func WorkflowSubject(status Status) (Subject[WorkflowEvent], error) {
	switch status {
	case StatusActive:
		return WorkflowStarted, nil
	case StatusCompleted:
		return WorkflowCompleted, nil
	case StatusFailed:
		return WorkflowFailed, nil
	case StatusCancelled:
		return WorkflowCancelled, nil
	default:
		return Subject[WorkflowEvent]{}, fmt.Errorf("no event subject for workflow status %q", status)
	}
}

// TaskSubject returns the subject for a task transition. requiresInput
// selects the requires_input subject for an active task.
func TaskSubject(status TaskStatus, requiresInput bool) (Subject[TaskEvent], error) {
	switch {
	case requiresInput:
		return TaskRequiresInput, nil
	case status == TaskStatusActive:
		return TaskStarted, nil
	case status == TaskStatusCompleted:
		return TaskCompleted, nil
	case status == TaskStatusFailed:
		return TaskFailed, nil
	default:
		return Subject[TaskEvent]{}, fmt.Errorf("no event subject for task status %q", status)
	}
}

// SubjectEntity returns the <entity> segment of an events subject.
func SubjectEntity(subject string) string {
	rest, ok := strings.CutPrefix(subject, EventsPrefix+".")
	if !ok {
		return ""
	}
	entity, _, _ := strings.Cut(rest, ".")
	return entity
}
