package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/c360studio/semflow/capability"
)

// GoogleCalendar serves the calendar capability from the Google Calendar API.
type GoogleCalendar struct {
	client     *http.Client
	baseURL    string
	calendarID string
	timeZone   string
}

// GoogleCalendarOption configures a GoogleCalendar.
type GoogleCalendarOption func(*GoogleCalendar)

// WithCalendarBaseURL overrides the API base URL.
func WithCalendarBaseURL(u string) GoogleCalendarOption {
	return func(c *GoogleCalendar) { c.baseURL = u }
}

// WithCalendarID selects a calendar other than "primary".
func WithCalendarID(id string) GoogleCalendarOption {
	return func(c *GoogleCalendar) {
		if id != "" {
			c.calendarID = id
		}
	}
}

// WithTimeZone sets the IANA time zone sent with event times.
func WithTimeZone(tz string) GoogleCalendarOption {
	return func(c *GoogleCalendar) { c.timeZone = tz }
}

// NewGoogleCalendar creates a provider using client for authorized requests.
func NewGoogleCalendar(client *http.Client, opts ...GoogleCalendarOption) *GoogleCalendar {
	c := &GoogleCalendar{
		client:     client,
		baseURL:    calendarBaseURL,
		calendarID: "primary",
		timeZone:   "UTC",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements capability.CalendarProvider.
func (c *GoogleCalendar) Name() string { return "google-calendar" }

type gcalTime struct {
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type gcalAttendee struct {
	Email string `json:"email"`
}

type gcalEvent struct {
	ID             string          `json:"id,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Description    string          `json:"description,omitempty"`
	Location       string          `json:"location,omitempty"`
	Start          *gcalTime       `json:"start,omitempty"`
	End            *gcalTime       `json:"end,omitempty"`
	Attendees      []gcalAttendee  `json:"attendees,omitempty"`
	Organizer      *gcalAttendee   `json:"organizer,omitempty"`
	ConferenceData *gcalConference `json:"conferenceData,omitempty"`
	HTMLLink       string          `json:"htmlLink,omitempty"`
	HangoutLink    string          `json:"hangoutLink,omitempty"`
	Status         string          `json:"status,omitempty"`
}

type gcalConference struct {
	CreateRequest *gcalCreateRequest `json:"createRequest,omitempty"`
}

type gcalCreateRequest struct {
	RequestID             string            `json:"requestId"`
	ConferenceSolutionKey map[string]string `json:"conferenceSolutionKey"`
}

type freeBusyRequest struct {
	TimeMin  string              `json:"timeMin"`
	TimeMax  string              `json:"timeMax"`
	TimeZone string              `json:"timeZone,omitempty"`
	Items    []map[string]string `json:"items"`
}

type freeBusyResponse struct {
	Calendars map[string]struct {
		Busy []struct {
			Start string `json:"start"`
			End   string `json:"end"`
		} `json:"busy"`
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"calendars"`
}

func (c *GoogleCalendar) eventsURL() string {
	return fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
}

func (c *GoogleCalendar) eventURL(id string) string {
	return c.eventsURL() + "/" + url.PathEscape(id)
}

// CheckAvailability queries freeBusy for the window.
func (c *GoogleCalendar) CheckAvailability(ctx context.Context, req capability.CheckAvailabilityRequest) (capability.AvailabilityResponse, error) {
	end := req.EndTime
	if end.IsZero() && req.Duration > 0 {
		end = req.StartTime.Add(time.Duration(req.Duration) * time.Minute)
	}

	body := freeBusyRequest{
		TimeMin:  req.StartTime.Format(time.RFC3339),
		TimeMax:  end.Format(time.RFC3339),
		TimeZone: c.timeZone,
		Items:    []map[string]string{{"id": c.calendarID}},
	}
	var out freeBusyResponse
	if err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/freeBusy", body, &out); err != nil {
		return capability.AvailabilityResponse{}, fmt.Errorf("freeBusy: %w", err)
	}

	cal, ok := out.Calendars[c.calendarID]
	if !ok {
		return capability.AvailabilityResponse{}, capability.NewFatalError(fmt.Errorf("freeBusy: calendar %s missing from response", c.calendarID))
	}
	if len(cal.Errors) > 0 {
		return capability.AvailabilityResponse{}, capability.NewFatalError(fmt.Errorf("freeBusy: %s", cal.Errors[0].Reason))
	}

	resp := capability.AvailabilityResponse{}
	for _, b := range cal.Busy {
		start, err1 := time.Parse(time.RFC3339, b.Start)
		stop, err2 := time.Parse(time.RFC3339, b.End)
		if err1 != nil || err2 != nil {
			continue
		}
		resp.Conflicts = append(resp.Conflicts, capability.Conflict{StartTime: start, EndTime: stop})
	}
	return resp, nil
}

// EventIDForKey derives a Google event id from an idempotency key. Event
// ids must use base32hex characters; lowercase hex is a subset.
func EventIDForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ScheduleMeeting books the event. With an idempotency key the event id is
// derived from the key, so a repeated booking finds the existing event
// instead of creating a second one.
func (c *GoogleCalendar) ScheduleMeeting(ctx context.Context, req capability.ScheduleMeetingRequest) (capability.ScheduleMeetingResponse, error) {
	var eventID string
	if req.IdempotencyKey != "" {
		eventID = EventIDForKey(req.IdempotencyKey)
		existing, err := c.getEvent(ctx, eventID)
		if err == nil && existing.Status != "cancelled" {
			return bookingResponse(existing), nil
		}
		if err != nil && statusOf(err) != http.StatusNotFound {
			return capability.ScheduleMeetingResponse{}, err
		}
	}

	avail, err := c.CheckAvailability(ctx, capability.CheckAvailabilityRequest{StartTime: req.StartTime, EndTime: req.EndTime})
	if err != nil {
		return capability.ScheduleMeetingResponse{}, err
	}
	if len(avail.Conflicts) > 0 {
		return capability.ScheduleMeetingResponse{Conflicts: avail.Conflicts}, nil
	}

	ev := gcalEvent{
		ID:          eventID,
		Summary:     req.Title,
		Description: req.Description,
		Location:    req.Location,
		Start:       &gcalTime{DateTime: req.StartTime.Format(time.RFC3339), TimeZone: c.timeZone},
		End:         &gcalTime{DateTime: req.EndTime.Format(time.RFC3339), TimeZone: c.timeZone},
	}
	for _, a := range req.Attendees {
		ev.Attendees = append(ev.Attendees, gcalAttendee{Email: a})
	}
	if req.IncludeMeetLink {
		requestID := eventID
		if requestID == "" {
			requestID = fmt.Sprintf("meet-%d", time.Now().UnixNano())
		}
		ev.ConferenceData = &gcalConference{CreateRequest: &gcalCreateRequest{
			RequestID:             requestID,
			ConferenceSolutionKey: map[string]string{"type": "hangoutsMeet"},
		}}
	}

	params := url.Values{}
	params.Set("sendUpdates", "all")
	if req.IncludeMeetLink {
		params.Set("conferenceDataVersion", "1")
	}

	var created gcalEvent
	err = doJSON(ctx, c.client, http.MethodPost, c.eventsURL()+"?"+params.Encode(), ev, &created)
	if err != nil {
		if eventID != "" && statusOf(err) == http.StatusConflict {
			// inserted by an earlier attempt that did not see the response
			existing, getErr := c.getEvent(ctx, eventID)
			if getErr == nil {
				return bookingResponse(existing), nil
			}
		}
		return capability.ScheduleMeetingResponse{}, fmt.Errorf("insert event: %w", err)
	}
	return bookingResponse(&created), nil
}

func (c *GoogleCalendar) getEvent(ctx context.Context, id string) (*gcalEvent, error) {
	var ev gcalEvent
	if err := doJSON(ctx, c.client, http.MethodGet, c.eventURL(id), nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func bookingResponse(ev *gcalEvent) capability.ScheduleMeetingResponse {
	return capability.ScheduleMeetingResponse{
		Success:   true,
		EventID:   ev.ID,
		EventLink: ev.HTMLLink,
		MeetLink:  ev.HangoutLink,
	}
}

// CancelMeeting deletes the event. An event that is already gone counts as cancelled.
func (c *GoogleCalendar) CancelMeeting(ctx context.Context, req capability.CancelMeetingRequest) error {
	err := doJSON(ctx, c.client, http.MethodDelete, c.eventURL(req.EventID)+"?sendUpdates=all", nil, nil)
	if err != nil {
		if s := statusOf(err); s == http.StatusNotFound || s == http.StatusGone {
			return nil
		}
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// UpdateMeeting patches the event.
func (c *GoogleCalendar) UpdateMeeting(ctx context.Context, req capability.UpdateMeetingRequest) (capability.ScheduleMeetingResponse, error) {
	patch := gcalEvent{
		Summary:     req.Title,
		Description: req.Description,
		Location:    req.Location,
	}
	if !req.StartTime.IsZero() {
		patch.Start = &gcalTime{DateTime: req.StartTime.Format(time.RFC3339), TimeZone: c.timeZone}
	}
	if !req.EndTime.IsZero() {
		patch.End = &gcalTime{DateTime: req.EndTime.Format(time.RFC3339), TimeZone: c.timeZone}
	}

	var updated gcalEvent
	if err := doJSON(ctx, c.client, http.MethodPatch, c.eventURL(req.EventID)+"?sendUpdates=all", patch, &updated); err != nil {
		return capability.ScheduleMeetingResponse{}, fmt.Errorf("patch event: %w", err)
	}
	return bookingResponse(&updated), nil
}
