// Package capability defines the boundary between the workflow executor and
// side-effecting providers: typed action payloads, the Manager contract,
// provider interfaces and a Registry that routes actions to providers.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semflow/workflow"
)

// Capability names an optional group of provider actions.
type Capability string

const (
	Calendar Capability = "calendar"
	Chat     Capability = "chat"
	Email    Capability = "email"
)

// ForAction returns the capability an action type needs.
func ForAction(kind workflow.ActionKind) (Capability, bool) {
	switch kind {
	case workflow.ActionCheckAvailability, workflow.ActionScheduleMeeting,
		workflow.ActionCancelMeeting, workflow.ActionUpdateMeeting:
		return Calendar, true
	case workflow.ActionSendChatMessage:
		return Chat, true
	case workflow.ActionSendEmail:
		return Email, true
	default:
		return "", false
	}
}

// Action is a request to perform one named action.
type Action struct {
	Type    workflow.ActionKind `json:"type"`
	Payload json.RawMessage     `json:"payload"`
}

// NewAction encodes payload into an Action.
func NewAction(kind workflow.ActionKind, payload any) (Action, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Action{Type: kind, Payload: data}, nil
}

// Result is the outcome reported by a provider. Success=false with a
// populated Error is a business failure such as a booking conflict.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Manager executes capability actions.
type Manager interface {
	Execute(ctx context.Context, action Action) (Result, error)
	HasCapability(name Capability) bool
}

// CheckAvailabilityRequest asks whether a window is free.
type CheckAvailabilityRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// Duration is in minutes.
	Duration int `json:"duration"`
}

// Conflict is an existing calendar item overlapping a requested window.
type Conflict struct {
	Title     string    `json:"title,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (c Conflict) String() string {
	title := c.Title
	if title == "" {
		title = "busy"
	}
	return fmt.Sprintf("%s (%s - %s)", title, c.StartTime.Format(time.RFC3339), c.EndTime.Format(time.RFC3339))
}

// AvailabilityResponse lists conflicts; empty means available.
type AvailabilityResponse struct {
	Conflicts []Conflict `json:"conflicts"`
}

// DescribeConflicts renders conflicts for an error message.
func DescribeConflicts(conflicts []Conflict) string {
	parts := make([]string, len(conflicts))
	for i, c := range conflicts {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}

// ScheduleMeetingRequest books a meeting.
type ScheduleMeetingRequest struct {
	Title           string    `json:"title"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Attendees       []string  `json:"attendees"`
	Location        string    `json:"location,omitempty"`
	Description     string    `json:"description,omitempty"`
	IncludeMeetLink bool      `json:"include_meet_link,omitempty"`
	Organizer       string    `json:"organizer,omitempty"`

	// IdempotencyKey identifies the booking attempt. Providers that support
	// it return the original event when the same key is booked twice.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ScheduleMeetingResponse reports a booking outcome.
type ScheduleMeetingResponse struct {
	Success   bool       `json:"success"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	EventLink string     `json:"event_link,omitempty"`
	MeetLink  string     `json:"meet_link,omitempty"`
}

// CancelMeetingRequest deletes a booked event.
type CancelMeetingRequest struct {
	EventID string `json:"event_id"`
}

// UpdateMeetingRequest patches a booked event. Zero fields are left unchanged.
type UpdateMeetingRequest struct {
	EventID     string    `json:"event_id"`
	Title       string    `json:"title,omitempty"`
	StartTime   time.Time `json:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
}

// ChatMessageRequest posts a chat-ops message.
type ChatMessageRequest struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// EmailRequest sends one email.
type EmailRequest struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// CalendarProvider serves the calendar capability.
type CalendarProvider interface {
	Name() string
	CheckAvailability(ctx context.Context, req CheckAvailabilityRequest) (AvailabilityResponse, error)
	ScheduleMeeting(ctx context.Context, req ScheduleMeetingRequest) (ScheduleMeetingResponse, error)
	CancelMeeting(ctx context.Context, req CancelMeetingRequest) error
	UpdateMeeting(ctx context.Context, req UpdateMeetingRequest) (ScheduleMeetingResponse, error)
}

// Messenger serves the chat capability.
type Messenger interface {
	Name() string
	SendMessage(ctx context.Context, req ChatMessageRequest) error
}

// Mailer serves the email capability.
type Mailer interface {
	Name() string
	SendEmail(ctx context.Context, req EmailRequest) error
}
