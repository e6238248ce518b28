// Package providers contains capability provider implementations: an
// in-memory calendar and outbox for development and tests, Google Calendar
// and Gmail over their REST APIs, a Slack webhook and a NATS chat-ops
// publisher.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/semflow/capability"
	"github.com/google/uuid"
)

// MemoryEvent is an event held by MemoryCalendar.
type MemoryEvent struct {
	ID      string
	Request capability.ScheduleMeetingRequest
}

// MemoryCalendar is an in-process calendar with overlap detection and
// idempotent booking.
type MemoryCalendar struct {
	mu     sync.Mutex
	events map[string]*MemoryEvent
	byKey  map[string]string
	calls  int
}

// NewMemoryCalendar creates an empty calendar.
func NewMemoryCalendar() *MemoryCalendar {
	return &MemoryCalendar{
		events: make(map[string]*MemoryEvent),
		byKey:  make(map[string]string),
	}
}

// Name implements capability.CalendarProvider.
func (c *MemoryCalendar) Name() string { return "memory-calendar" }

// Events returns booked events ordered by start time.
func (c *MemoryCalendar) Events() []MemoryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MemoryEvent, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.StartTime.Before(out[j].Request.StartTime)
	})
	return out
}

// Calls returns the number of provider calls made.
func (c *MemoryCalendar) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Block adds a busy event without going through the booking path.
func (c *MemoryCalendar) Block(req capability.ScheduleMeetingRequest) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New().String()
	c.events[id] = &MemoryEvent{ID: id, Request: req}
	return id
}

// conflicts returns events overlapping [req.StartTime, req.EndTime). The
// event with id skip is ignored.
func (c *MemoryCalendar) conflicts(req capability.CheckAvailabilityRequest, skip string) []capability.Conflict {
	var out []capability.Conflict
	for id, e := range c.events {
		if id == skip {
			continue
		}
		if e.Request.StartTime.Before(req.EndTime) && req.StartTime.Before(e.Request.EndTime) {
			out = append(out, capability.Conflict{
				Title:     e.Request.Title,
				StartTime: e.Request.StartTime,
				EndTime:   e.Request.EndTime,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// CheckAvailability implements capability.CalendarProvider.
func (c *MemoryCalendar) CheckAvailability(_ context.Context, req capability.CheckAvailabilityRequest) (capability.AvailabilityResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return capability.AvailabilityResponse{Conflicts: c.conflicts(req, "")}, nil
}

// ScheduleMeeting implements capability.CalendarProvider. A repeated
// IdempotencyKey returns the event booked the first time.
func (c *MemoryCalendar) ScheduleMeeting(_ context.Context, req capability.ScheduleMeetingRequest) (capability.ScheduleMeetingResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	if req.IdempotencyKey != "" {
		if id, ok := c.byKey[req.IdempotencyKey]; ok {
			return c.response(id, c.events[id].Request), nil
		}
	}

	window := capability.CheckAvailabilityRequest{StartTime: req.StartTime, EndTime: req.EndTime}
	if conflicts := c.conflicts(window, ""); len(conflicts) > 0 {
		return capability.ScheduleMeetingResponse{Conflicts: conflicts}, nil
	}

	id := uuid.New().String()
	c.events[id] = &MemoryEvent{ID: id, Request: req}
	if req.IdempotencyKey != "" {
		c.byKey[req.IdempotencyKey] = id
	}
	return c.response(id, req), nil
}

func (c *MemoryCalendar) response(id string, req capability.ScheduleMeetingRequest) capability.ScheduleMeetingResponse {
	resp := capability.ScheduleMeetingResponse{
		Success:   true,
		EventID:   id,
		EventLink: "memcal://events/" + id,
	}
	if req.IncludeMeetLink {
		resp.MeetLink = "memcal://meet/" + id
	}
	return resp
}

// CancelMeeting implements capability.CalendarProvider. Unknown ids are not an error.
func (c *MemoryCalendar) CancelMeeting(_ context.Context, req capability.CancelMeetingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	delete(c.events, req.EventID)
	for k, id := range c.byKey {
		if id == req.EventID {
			delete(c.byKey, k)
		}
	}
	return nil
}

// UpdateMeeting implements capability.CalendarProvider.
func (c *MemoryCalendar) UpdateMeeting(_ context.Context, req capability.UpdateMeetingRequest) (capability.ScheduleMeetingResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	e, ok := c.events[req.EventID]
	if !ok {
		return capability.ScheduleMeetingResponse{}, capability.NewFatalError(fmt.Errorf("event %s not found", req.EventID))
	}
	next := e.Request
	if req.Title != "" {
		next.Title = req.Title
	}
	if !req.StartTime.IsZero() {
		next.StartTime = req.StartTime
	}
	if !req.EndTime.IsZero() {
		next.EndTime = req.EndTime
	}
	if req.Location != "" {
		next.Location = req.Location
	}
	if req.Description != "" {
		next.Description = req.Description
	}

	window := capability.CheckAvailabilityRequest{StartTime: next.StartTime, EndTime: next.EndTime}
	if conflicts := c.conflicts(window, e.ID); len(conflicts) > 0 {
		return capability.ScheduleMeetingResponse{Conflicts: conflicts}, nil
	}
	e.Request = next
	return c.response(e.ID, next), nil
}

// Outbox records chat messages and emails instead of delivering them.
type Outbox struct {
	mu       sync.Mutex
	messages []capability.ChatMessageRequest
	emails   []capability.EmailRequest
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox { return &Outbox{} }

// Name implements capability.Messenger and capability.Mailer.
func (o *Outbox) Name() string { return "outbox" }

// SendMessage implements capability.Messenger.
func (o *Outbox) SendMessage(_ context.Context, req capability.ChatMessageRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, req)
	return nil
}

// SendEmail implements capability.Mailer.
func (o *Outbox) SendEmail(_ context.Context, req capability.EmailRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emails = append(o.emails, req)
	return nil
}

// Messages returns recorded chat messages.
func (o *Outbox) Messages() []capability.ChatMessageRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]capability.ChatMessageRequest(nil), o.messages...)
}

// Emails returns recorded emails.
func (o *Outbox) Emails() []capability.EmailRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]capability.EmailRequest(nil), o.emails...)
}
