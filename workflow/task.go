package workflow

import (
	"errors"
	"time"
)

// Sentinel errors for task and instance mutations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Task is a single step of a workflow plan.
type Task struct {
	// ID is stable within its workflow and is the target of dependency edges.
	ID string `json:"id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Type   TaskType   `json:"type"`
	Status TaskStatus `json:"status"`

	// DependsOn lists task IDs that must all be completed before this task is eligible.
	DependsOn []string `json:"depends_on,omitempty"`

	// RequiredData lists context keys that must be present for gather and confirm tasks.
	RequiredData []string `json:"required_data,omitempty"`

	// Rule names the validation rule run by validate tasks. Empty passes trivially.
	Rule string `json:"rule,omitempty"`

	// Action routes execute tasks to exactly one capability action.
	Action *Action `json:"action,omitempty"`

	// ErrorMessage is populated on failure.
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ValidationError represents a validation error on a named field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// clone returns a deep copy of the task.
func (t Task) clone() Task {
	c := t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.RequiredData = append([]string(nil), t.RequiredData...)
	if t.Action != nil {
		a := *t.Action
		a.To = append([]string(nil), t.Action.To...)
		c.Action = &a
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}
