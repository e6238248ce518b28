package workflow

// ActionKind identifies the capability action an execute task performs.
type ActionKind string

const (
	ActionCheckAvailability ActionKind = "check_availability"
	ActionScheduleMeeting   ActionKind = "schedule_meeting"
	ActionCancelMeeting     ActionKind = "cancel_meeting"
	ActionUpdateMeeting     ActionKind = "update_meeting"
	ActionSendChatMessage   ActionKind = "send_chat_message"
	ActionSendEmail         ActionKind = "send_email"
)

// IsValid returns true for known action kinds.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionCheckAvailability, ActionScheduleMeeting, ActionCancelMeeting,
		ActionUpdateMeeting, ActionSendChatMessage, ActionSendEmail:
		return true
	default:
		return false
	}
}

// IsBooking returns true for actions that create a calendar event.
func (k ActionKind) IsBooking() bool {
	return k == ActionScheduleMeeting
}

// Action routes an execute task to exactly one capability action. Fields
// other than Kind are static parameters set by the plan author; the
// executor fills the remainder from the workflow context.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// Channel overrides the chat channel for send_chat_message.
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`

	// To, Subject and Body parameterize send_email. Body and Subject are
	// text/template strings rendered against the context.
	To      []string `json:"to,omitempty" yaml:"to,omitempty"`
	Subject string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body    string   `json:"body,omitempty" yaml:"body,omitempty"`
}
