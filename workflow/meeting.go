package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Context keys used by the scheduling plan.
const (
	KeyTitle           = "title"
	KeyStartTime       = "startTime"
	KeyEndTime         = "endTime"
	KeyDuration        = "duration"
	KeyAttendees       = "attendees"
	KeyLocation        = "location"
	KeyDescription     = "description"
	KeyOrganizer       = "organizer"
	KeyIncludeMeetLink = "includeMeetLink"

	// Facts written back by execute tasks.
	KeyAvailable = "available"
	KeyEventID   = "eventId"
	KeyEventLink = "eventLink"
	KeyMeetLink  = "meetLink"
)

// DefaultMeetingTitle is used when no title was gathered.
const DefaultMeetingTitle = "Meeting"

// MeetingDetails is the typed view of a scheduling context.
type MeetingDetails struct {
	Title           string
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
	Attendees       []string
	Location        string
	Description     string
	Organizer       string
	IncludeMeetLink bool

	EventID   string
	EventLink string
	MeetLink  string
}

// MeetingFromContext extracts meeting details from a context. Start and end
// times must be RFC3339; a missing end time is derived from the duration in
// minutes.
func MeetingFromContext(c Context) (MeetingDetails, error) {
	m := MeetingDetails{
		Title:       c.String(KeyTitle),
		Location:    c.String(KeyLocation),
		Description: c.String(KeyDescription),
		Organizer:   c.String(KeyOrganizer),
		EventID:     c.String(KeyEventID),
		EventLink:   c.String(KeyEventLink),
		MeetLink:    c.String(KeyMeetLink),
	}
	if m.Title == "" {
		m.Title = DefaultMeetingTitle
	}

	start, err := parseTime(c, KeyStartTime)
	if err != nil {
		return m, err
	}
	m.StartTime = start

	if v, ok := c.Get(KeyDuration); ok && v.IsPresent() {
		mins, ok := v.Number()
		if !ok || mins <= 0 {
			return m, &ValidationError{Field: KeyDuration, Message: "must be a positive number of minutes"}
		}
		m.Duration = time.Duration(mins * float64(time.Minute))
	}

	if c.Has(KeyEndTime) {
		end, err := parseTime(c, KeyEndTime)
		if err != nil {
			return m, err
		}
		m.EndTime = end
	} else if m.Duration > 0 {
		m.EndTime = start.Add(m.Duration)
	} else {
		return m, &ValidationError{Field: KeyEndTime, Message: "is required"}
	}
	if m.Duration == 0 {
		m.Duration = m.EndTime.Sub(m.StartTime)
	}

	if v, ok := c.Get(KeyAttendees); ok {
		items, _ := v.Strings()
		for _, a := range items {
			if a = strings.TrimSpace(a); a != "" {
				m.Attendees = append(m.Attendees, a)
			}
		}
	}
	if v, ok := c.Get(KeyIncludeMeetLink); ok {
		m.IncludeMeetLink, _ = v.Bool()
	}
	return m, nil
}

// CheckWindow returns an error unless the end time is strictly after the start.
func (m MeetingDetails) CheckWindow() error {
	if !m.EndTime.After(m.StartTime) {
		return &ValidationError{Field: KeyEndTime, Message: "must be after startTime"}
	}
	return nil
}

// Summary renders a one-line description of the meeting time.
func (m MeetingDetails) Summary() string {
	return fmt.Sprintf("%s, %s to %s (%d min)",
		m.Title,
		m.StartTime.Format(time.RFC1123),
		m.EndTime.Format(time.Kitchen),
		int(m.Duration.Minutes()))
}

func parseTime(c Context, key string) (time.Time, error) {
	raw := c.String(key)
	if raw == "" {
		return time.Time{}, &ValidationError{Field: key, Message: "is required"}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &ValidationError{Field: key, Message: fmt.Sprintf("invalid RFC3339 time %q", raw)}
	}
	return ts, nil
}
