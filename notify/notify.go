// Package notify sends best-effort booking confirmations: a chat-ops
// summary and one email per attendee. Failures are logged and counted but
// never change workflow state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/workflow"
)

// Channels reported in logs, metrics and events.
const (
	ChannelChat  = "chat"
	ChannelEmail = "email"
)

// Booking describes a confirmed meeting.
type Booking struct {
	WorkflowID string
	Meeting    workflow.MeetingDetails
}

// Report summarises one fan-out.
type Report struct {
	ChatSent     bool
	EmailsSent   int
	EmailsFailed int
	// Failed lists the recipients (or "chat") whose send failed.
	Failed []string
}

// FanOut delivers notifications through a capability manager.
type FanOut struct {
	caps      capability.Manager
	logger    *slog.Logger
	publisher events.Publisher
	channel   string
	now       func() time.Time
}

// Option configures a FanOut.
type Option func(*FanOut)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *FanOut) { f.logger = l }
}

// WithPublisher publishes a notification event per send.
func WithPublisher(p events.Publisher) Option {
	return func(f *FanOut) { f.publisher = p }
}

// WithChannel sets the chat channel for summaries.
func WithChannel(ch string) Option {
	return func(f *FanOut) { f.channel = ch }
}

// New creates a FanOut.
func New(caps capability.Manager, opts ...Option) *FanOut {
	f := &FanOut{
		caps:      caps,
		logger:    slog.Default(),
		publisher: events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BookingConfirmed posts one chat summary and emails every attendee. Each
// send is isolated: a failure is logged and the remaining sends proceed.
func (f *FanOut) BookingConfirmed(ctx context.Context, b Booking) Report {
	var report Report

	if f.caps.HasCapability(capability.Chat) {
		err := f.send(ctx, workflow.ActionSendChatMessage, capability.ChatMessageRequest{
			Channel: f.channel,
			Text:    ChatSummary(b.Meeting),
		})
		f.record(ctx, b.WorkflowID, ChannelChat, "", err)
		if err == nil {
			report.ChatSent = true
		} else {
			report.Failed = append(report.Failed, ChannelChat)
		}
	}

	if f.caps.HasCapability(capability.Email) {
		subject := EmailSubject(b.Meeting)
		for _, attendee := range b.Meeting.Attendees {
			err := f.send(ctx, workflow.ActionSendEmail, capability.EmailRequest{
				To:      []string{attendee},
				Subject: subject,
				Body:    EmailBody(b.Meeting, attendee),
			})
			f.record(ctx, b.WorkflowID, ChannelEmail, attendee, err)
			if err == nil {
				report.EmailsSent++
			} else {
				report.EmailsFailed++
				report.Failed = append(report.Failed, attendee)
			}
		}
	}
	return report
}

// Announce posts text to chat-ops. It returns false when chat is not
// configured or the send failed; the failure is logged.
func (f *FanOut) Announce(ctx context.Context, workflowID, text string) bool {
	if !f.caps.HasCapability(capability.Chat) {
		f.logger.Debug("Chat not configured, announcement skipped", "workflow_id", workflowID)
		return false
	}
	err := f.send(ctx, workflow.ActionSendChatMessage, capability.ChatMessageRequest{Channel: f.channel, Text: text})
	f.record(ctx, workflowID, ChannelChat, "", err)
	return err == nil
}

func (f *FanOut) send(ctx context.Context, kind workflow.ActionKind, payload any) error {
	action, err := capability.NewAction(kind, payload)
	if err != nil {
		return err
	}
	res, err := f.caps.Execute(ctx, action)
	if err != nil {
		return err
	}
	if !res.Success {
		if res.Error == "" {
			return errors.New("provider reported failure")
		}
		return errors.New(res.Error)
	}
	return nil
}

func (f *FanOut) record(ctx context.Context, workflowID, channel, recipient string, err error) {
	ev := workflow.NotificationEvent{
		WorkflowID: workflowID,
		Channel:    channel,
		Recipient:  recipient,
		Sent:       err == nil,
		Timestamp:  f.now().UTC(),
	}
	subj := workflow.NotificationSent
	if err != nil {
		metrics.RecordNotification(channel, "failed")
		f.logger.Warn("notification failed",
			"workflow_id", workflowID,
			"channel", channel,
			"recipient", recipient,
			"error", err)
		ev.Error = err.Error()
		subj = workflow.NotificationFailed
	} else {
		metrics.RecordNotification(channel, "sent")
		f.logger.Info("notification sent",
			"workflow_id", workflowID,
			"channel", channel,
			"recipient", recipient)
	}
	if pubErr := events.Publish(ctx, f.publisher, subj, ev); pubErr != nil {
		f.logger.Debug("Notification event not published", "workflow_id", workflowID, "error", pubErr)
	}
}

// ChatSummary renders the chat-ops message for a booking.
func ChatSummary(m workflow.MeetingDetails) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Meeting booked: %s\n", m.Title)
	writeFacts(&sb, m)
	return strings.TrimRight(sb.String(), "\n")
}

// EmailSubject renders the confirmation subject line.
func EmailSubject(m workflow.MeetingDetails) string {
	return fmt.Sprintf("Invitation: %s @ %s", m.Title, m.StartTime.Format("Mon Jan 2, 2006 15:04 MST"))
}

// EmailBody renders the confirmation email for one attendee.
func EmailBody(m workflow.MeetingDetails, attendee string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Hi %s,\n\n", attendee)
	fmt.Fprintf(&sb, "You have been invited to \"%s\".\n\n", m.Title)
	writeFacts(&sb, m)
	if m.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", m.Description)
	}
	return sb.String()
}

func writeFacts(sb *strings.Builder, m workflow.MeetingDetails) {
	fmt.Fprintf(sb, "When: %s - %s\n", m.StartTime.Format(time.RFC1123), m.EndTime.Format(time.Kitchen))
	fmt.Fprintf(sb, "Duration: %d min\n", int(m.Duration.Minutes()))
	if len(m.Attendees) > 0 {
		fmt.Fprintf(sb, "Attendees: %s\n", strings.Join(m.Attendees, ", "))
	}
	if m.Organizer != "" {
		fmt.Fprintf(sb, "Organizer: %s\n", m.Organizer)
	}
	if m.Location != "" {
		fmt.Fprintf(sb, "Location: %s\n", m.Location)
	}
	if m.EventLink != "" {
		fmt.Fprintf(sb, "Calendar: %s\n", m.EventLink)
	}
	if m.MeetLink != "" {
		fmt.Fprintf(sb, "Join: %s\n", m.MeetLink)
	}
}
