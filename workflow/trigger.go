package workflow

import (
	"encoding/json"
	"fmt"
)

// AdvanceSubject is where chat front-ends request that a workflow be driven.
const AdvanceSubject = "workflow.trigger.advance"

// AdvancePayload asks the engine to merge facts gathered from a chat turn
// into a workflow and drive it forward.
type AdvancePayload struct {
	// WorkflowID identifies the instance to advance.
	WorkflowID string `json:"workflow_id"`

	// Context holds facts extracted from the latest turn. Optional.
	Context Context `json:"context,omitempty"`

	// MaxSteps caps the number of steps for this trigger. Zero uses the
	// consumer default.
	MaxSteps int `json:"max_steps,omitempty"`

	// RequestID is echoed in logs for correlation.
	RequestID string `json:"request_id,omitempty"`
}

// Validate validates the AdvancePayload.
func (p *AdvancePayload) Validate() error {
	if p.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "workflow_id is required"}
	}
	if p.MaxSteps < 0 {
		return &ValidationError{Field: "max_steps", Message: "max_steps must not be negative"}
	}
	for k, v := range p.Context {
		if !v.Kind().IsValid() {
			return &ValidationError{Field: "context." + k, Message: "unsupported value"}
		}
	}
	return nil
}

// ParseAdvancePayload decodes and validates a trigger message body.
func ParseAdvancePayload(data []byte) (*AdvancePayload, error) {
	var p AdvancePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode advance payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
