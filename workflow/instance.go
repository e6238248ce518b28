package workflow

import (
	"fmt"
	"time"
)

// Instance is a workflow plan attached to a conversation.
type Instance struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TemplateID     string `json:"template_id"`
	TemplateName   string `json:"template_name"`

	Status Status `json:"status"`

	// Context is the working memory of the plan.
	Context Context `json:"context"`

	// FailureReason is populated only when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`

	// Tasks are created once at instantiation and kept in plan order.
	Tasks []Task `json:"tasks"`

	// Version is the store revision the instance was loaded at.
	Version uint64 `json:"version"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Task returns the task with the given ID, or nil.
func (i *Instance) Task(id string) *Task {
	for idx := range i.Tasks {
		if i.Tasks[idx].ID == id {
			return &i.Tasks[idx]
		}
	}
	return nil
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Context = i.Context.Clone()
	c.Tasks = make([]Task, len(i.Tasks))
	for idx, t := range i.Tasks {
		c.Tasks[idx] = t.clone()
	}
	if i.StartedAt != nil {
		ts := *i.StartedAt
		c.StartedAt = &ts
	}
	if i.CompletedAt != nil {
		ts := *i.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// SetStatus transitions the instance status, maintaining lifecycle timestamps.
// failureReason is recorded only for the failed status.
func (i *Instance) SetStatus(status Status, failureReason string, now time.Time) error {
	if i.Status == status {
		return nil
	}
	if !i.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: instance %s cannot go from %s to %s", ErrInvalidTransition, i.ID, i.Status, status)
	}

	i.Status = status
	i.UpdatedAt = now
	if status == StatusActive && i.StartedAt == nil {
		i.StartedAt = &now
	}
	if status == StatusFailed {
		i.FailureReason = failureReason
	}
	if status.IsTerminal() {
		i.CompletedAt = &now
	}
	return nil
}

// SetTaskStatus transitions one task, maintaining its timestamps.
// errorMessage is recorded only for the failed status.
func (i *Instance) SetTaskStatus(taskID string, status TaskStatus, errorMessage string, now time.Time) error {
	t := i.Task(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !t.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: task %s cannot go from %s to %s", ErrInvalidTransition, taskID, t.Status, status)
	}

	t.Status = status
	if status == TaskStatusActive && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status == TaskStatusFailed {
		t.ErrorMessage = errorMessage
	}
	if status == TaskStatusCompleted || status == TaskStatusFailed || status == TaskStatusSkipped {
		t.CompletedAt = &now
	}
	i.UpdatedAt = now
	return nil
}

// MergeContext applies an additive merge of partial into the instance context.
func (i *Instance) MergeContext(partial Context, now time.Time) {
	i.Context = i.Context.Merge(partial)
	i.UpdatedAt = now
}
