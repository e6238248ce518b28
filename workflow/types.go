// Package workflow provides the task-graph data model for conversational
// workflows: instances, tasks, typed context and the plan templates that
// produce them.
package workflow

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	// StatusPlanning indicates the instance was created by a planner and no step has run yet.
	StatusPlanning Status = "planning"
	// StatusActive indicates at least one step has been dispatched.
	StatusActive Status = "active"
	// StatusCompleted indicates every task is completed or skipped.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a task failed and execution halted.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the instance was cancelled externally.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known instance status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPlanning, StatusActive, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that admit no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPlanning:
		// planning → completed covers plans whose tasks are all skipped up front.
		return target == StatusActive || target == StatusCompleted ||
			target == StatusFailed || target == StatusCancelled
	case StatusActive:
		return target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

// TaskStatus represents the execution state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusActive indicates the task was started but has not reached an outcome.
	TaskStatusActive TaskStatus = "active"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was deliberately not run.
	TaskStatusSkipped TaskStatus = "skipped"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusActive, TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// IsDone returns true for completed and skipped tasks.
func (s TaskStatus) IsDone() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// CanTransitionTo returns true if the task status can transition to the target status.
// A failed task never re-enters pending; recovery requires replanning.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return target == TaskStatusActive || target == TaskStatusSkipped
	case TaskStatusActive:
		// active → active is a resume of a task waiting for input
		return target == TaskStatusActive || target == TaskStatusCompleted || target == TaskStatusFailed
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return false
	default:
		return false
	}
}

// TaskType determines how the executor dispatches a task.
type TaskType string

const (
	// TaskTypeGather collects facts from the conversation into the context.
	TaskTypeGather TaskType = "gather"
	// TaskTypeValidate runs plan-specific cross-field checks.
	TaskTypeValidate TaskType = "validate"
	// TaskTypeExecute performs an external action through a capability provider.
	TaskTypeExecute TaskType = "execute"
	// TaskTypeConfirm gates on required data before continuing.
	TaskTypeConfirm TaskType = "confirm"
	// TaskTypeDecision is resolved by context inspection.
	TaskTypeDecision TaskType = "decision"
	// TaskTypeNotify is a best-effort side channel message.
	TaskTypeNotify TaskType = "notify"
)

// String returns the string representation of the task type.
func (t TaskType) String() string {
	return string(t)
}

// IsValid returns true if the type is a known task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeGather, TaskTypeValidate, TaskTypeExecute, TaskTypeConfirm, TaskTypeDecision, TaskTypeNotify:
		return true
	default:
		return false
	}
}
