package executor

import (
	"errors"

	"github.com/c360studio/semflow/workflow"
)

// Sentinel errors returned by the caller-facing operations.
var (
	// ErrNotFound is returned when the workflow does not exist.
	ErrNotFound = errors.New("workflow not found")

	// ErrBusy is returned when another advancer holds the workflow. The
	// call made no changes and may be retried.
	ErrBusy = errors.New("workflow is busy")

	// ErrTerminal is returned by ProvideInput for finished workflows.
	ErrTerminal = errors.New("workflow is finished")
)

// ErrorKind classifies a step failure.
type ErrorKind string

const (
	// KindValidation is an unmet gather, validate or confirm precondition.
	KindValidation ErrorKind = "validation"
	// KindAction is a provider failure or a reported conflict.
	KindAction ErrorKind = "action"
	// KindProviderUnavailable means no provider serves a required action.
	KindProviderUnavailable ErrorKind = "provider_unavailable"
)

// StepError describes why a task did not succeed.
type StepError struct {
	Kind    ErrorKind
	TaskID  string
	Message string
	// Retryable is true when the cause was transient (timeout, open
	// circuit, upstream 5xx) and a later attempt may succeed.
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	if e.TaskID == "" {
		return e.Message
	}
	return e.TaskID + ": " + e.Message
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepResult reports the outcome of one Advance.
type StepResult struct {
	// Completed is true when the step succeeded or the workflow was
	// already finished.
	Completed bool `json:"completed"`

	// RequiresInput is true when the running task waits on new facts from
	// the user. The caller should not advance again until context changes.
	RequiresInput bool   `json:"requires_input"`
	MissingData   string `json:"missing_data,omitempty"`

	FailedTask string    `json:"failed_task,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`

	// Status is the instance status after the step.
	Status workflow.Status `json:"status"`
	// TaskID is the task the step ran, if any.
	TaskID string `json:"task_id,omitempty"`
}

// Done reports whether the workflow reached a terminal status.
func (r StepResult) Done() bool {
	return r.Status.IsTerminal()
}

// Failed reports whether the workflow ended in failure. A transient failure
// held for retry is not a failed workflow.
func (r StepResult) Failed() bool {
	return r.Status == workflow.StatusFailed
}
