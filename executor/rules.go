package executor

import (
	"context"
	"strings"
	"text/template"

	"github.com/c360studio/semflow/workflow"
)

// Validator checks a plan-specific precondition for a validate task. The
// returned error becomes the task's failure message.
type Validator func(ctx context.Context, inst *workflow.Instance, task *workflow.Task) error

// DecisionFunc resolves a decision task by inspecting the context. The
// returned facts are merged into the context.
type DecisionFunc func(ctx context.Context, inst *workflow.Instance, task *workflow.Task) (workflow.Context, error)

// RuleMeetingWindow is the built-in rule name for MeetingWindow.
const RuleMeetingWindow = "meeting_window"

// MeetingWindow requires parseable start and end times with end after start.
func MeetingWindow(_ context.Context, inst *workflow.Instance, _ *workflow.Task) error {
	m, err := workflow.MeetingFromContext(inst.Context)
	if err != nil {
		return err
	}
	return m.CheckWindow()
}

// render executes a text/template against the context. Missing keys
// render as empty strings.
func render(name, text string, c workflow.Context) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	data := make(map[string]string, len(c))
	for k, v := range c {
		data[k] = v.String()
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// attendees returns the trimmed, non-empty attendee list.
func attendees(c workflow.Context) []string {
	v, ok := c.Get(workflow.KeyAttendees)
	if !ok {
		return nil
	}
	items, _ := v.Strings()
	var out []string
	for _, a := range items {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
