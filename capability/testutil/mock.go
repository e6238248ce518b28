// Package testutil provides test doubles for the capability package.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/workflow"
)

// HandlerFunc produces the outcome of one mocked action.
type HandlerFunc func(action capability.Action) (capability.Result, error)

// MockManager is a thread-safe capability.Manager that records every call.
//
// Usage:
//
//	mock := testutil.NewMockManager(capability.Calendar, capability.Email)
//	mock.Handle(workflow.ActionScheduleMeeting, testutil.Booked("cal://1"))
//	...
//	assert.Equal(t, 1, mock.CallCount(workflow.ActionSendEmail))
type MockManager struct {
	mu           sync.Mutex
	capabilities map[capability.Capability]bool
	handlers     map[workflow.ActionKind]HandlerFunc
	calls        []capability.Action

	// Delay is slept before each call returns, honouring ctx.
	Delay time.Duration
}

// NewMockManager creates a mock offering the given capabilities. Unhandled
// actions succeed: availability reports no conflicts and bookings return
// an event link.
func NewMockManager(caps ...capability.Capability) *MockManager {
	m := &MockManager{
		capabilities: make(map[capability.Capability]bool),
		handlers:     make(map[workflow.ActionKind]HandlerFunc),
	}
	for _, c := range caps {
		m.capabilities[c] = true
	}
	return m
}

// Handle sets the handler for an action type.
func (m *MockManager) Handle(kind workflow.ActionKind, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// HasCapability implements capability.Manager.
func (m *MockManager) HasCapability(name capability.Capability) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capabilities[name]
}

// Execute implements capability.Manager.
func (m *MockManager) Execute(ctx context.Context, action capability.Action) (capability.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, action)
	h, ok := m.handlers[action.Type]
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return capability.Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if ok {
		return h(action)
	}
	return defaultResult(action)
}

// Calls returns recorded actions of the given type.
func (m *MockManager) Calls(kind workflow.ActionKind) []capability.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []capability.Action
	for _, c := range m.calls {
		if c.Type == kind {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns the number of calls of the given type.
func (m *MockManager) CallCount(kind workflow.ActionKind) int {
	return len(m.Calls(kind))
}

// TotalCalls returns the number of calls of any type.
func (m *MockManager) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func defaultResult(action capability.Action) (capability.Result, error) {
	switch action.Type {
	case workflow.ActionCheckAvailability:
		return JSONResult(true, "", capability.AvailabilityResponse{})
	case workflow.ActionScheduleMeeting:
		return Booked("mock://event")(action)
	default:
		return capability.Result{Success: true}, nil
	}
}

// JSONResult builds a Result with data encoded as JSON.
func JSONResult(success bool, errMsg string, data any) (capability.Result, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Result{Success: success, Data: raw, Error: errMsg}, nil
}

// Booked returns a handler that confirms a booking with the given link.
func Booked(eventLink string) HandlerFunc {
	return func(capability.Action) (capability.Result, error) {
		return JSONResult(true, "", capability.ScheduleMeetingResponse{
			Success:   true,
			EventID:   "evt-1",
			EventLink: eventLink,
		})
	}
}

// Conflicting returns a check_availability handler reporting the conflicts.
func Conflicting(conflicts ...capability.Conflict) HandlerFunc {
	return func(capability.Action) (capability.Result, error) {
		return JSONResult(true, "", capability.AvailabilityResponse{Conflicts: conflicts})
	}
}

// Failing returns a handler that fails with err.
func Failing(err error) HandlerFunc {
	return func(capability.Action) (capability.Result, error) {
		return capability.Result{}, err
	}
}
