package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/notify"
	"github.com/c360studio/semflow/workflow"
)

// outcome is what a task handler decided. At most one of err and
// requiresInput is set.
type outcome struct {
	partial       workflow.Context
	requiresInput bool
	missing       string
	err           *StepError
	// booking is set after a successful schedule_meeting.
	booking *workflow.MeetingDetails
}

func failed(kind ErrorKind, format string, args ...any) outcome {
	return outcome{err: &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func invalid(err error) outcome {
	return outcome{err: &StepError{Kind: KindValidation, Message: err.Error(), Err: err}}
}

func (e *Executor) dispatch(ctx context.Context, inst *workflow.Instance, task *workflow.Task, log *slog.Logger) outcome {
	switch task.Type {
	case workflow.TaskTypeGather:
		return e.gather(inst, task)
	case workflow.TaskTypeValidate:
		return e.validate(ctx, inst, task, log)
	case workflow.TaskTypeConfirm:
		if missing, ok := inst.Context.FirstMissing(task.RequiredData); ok {
			return failed(KindValidation, "missing required data: %s", missing)
		}
		return outcome{}
	case workflow.TaskTypeDecision:
		return e.decide(ctx, inst, task)
	case workflow.TaskTypeNotify:
		return e.announce(ctx, inst, task, log)
	case workflow.TaskTypeExecute:
		return e.execute(ctx, inst, task, log)
	default:
		return failed(KindValidation, "unknown task type %q", task.Type)
	}
}

func (e *Executor) gather(inst *workflow.Instance, task *workflow.Task) outcome {
	missing, ok := inst.Context.FirstMissing(task.RequiredData)
	if !ok {
		return outcome{}
	}
	if e.gatherIsInput {
		return outcome{requiresInput: true, missing: missing}
	}
	return failed(KindValidation, "missing required data: %s", missing)
}

func (e *Executor) validate(ctx context.Context, inst *workflow.Instance, task *workflow.Task, log *slog.Logger) outcome {
	var v Validator
	if task.Rule != "" {
		var ok bool
		if v, ok = e.rules[task.Rule]; !ok {
			log.Debug("No validator registered for rule, passing", "rule", task.Rule)
			return outcome{}
		}
	} else {
		v = e.templateRules[inst.TemplateID]
	}
	if v == nil {
		return outcome{}
	}
	if err := v(ctx, inst, task); err != nil {
		return invalid(err)
	}
	return outcome{}
}

func (e *Executor) decide(ctx context.Context, inst *workflow.Instance, task *workflow.Task) outcome {
	fn := e.decisions[inst.TemplateID]
	if fn == nil {
		return outcome{}
	}
	partial, err := fn(ctx, inst, task)
	if err != nil {
		return invalid(err)
	}
	return outcome{partial: partial}
}

// announce posts a best-effort chat message. It never fails the task.
func (e *Executor) announce(ctx context.Context, inst *workflow.Instance, task *workflow.Task, log *slog.Logger) outcome {
	text := fmt.Sprintf("%s: %s", inst.TemplateName, task.Title)
	if task.Action != nil && task.Action.Body != "" {
		rendered, err := render(task.ID, task.Action.Body, inst.Context)
		if err != nil {
			log.Warn("Announcement template failed, using default text", "error", err)
		} else {
			text = rendered
		}
	} else if inst.Context.Has(workflow.KeyEventLink) {
		if m, err := workflow.MeetingFromContext(inst.Context); err == nil {
			text = notify.ChatSummary(m)
		}
	}
	sent := e.fanout.Announce(ctx, inst.ID, text)
	log.Debug("Announcement processed", "sent", sent)
	return outcome{}
}

func (e *Executor) execute(ctx context.Context, inst *workflow.Instance, task *workflow.Task, log *slog.Logger) outcome {
	if task.Action == nil || !task.Action.Kind.IsValid() {
		return failed(KindValidation, "execute task has no valid action")
	}
	switch task.Action.Kind {
	case workflow.ActionCheckAvailability:
		return e.checkAvailability(ctx, inst, log)
	case workflow.ActionScheduleMeeting:
		return e.scheduleMeeting(ctx, inst, task)
	case workflow.ActionUpdateMeeting:
		return e.updateMeeting(ctx, inst)
	case workflow.ActionCancelMeeting:
		return e.cancelMeeting(ctx, inst)
	case workflow.ActionSendChatMessage:
		return e.sendChat(ctx, inst, task)
	default:
		return e.sendEmail(ctx, inst, task)
	}
}

func (e *Executor) checkAvailability(ctx context.Context, inst *workflow.Instance, log *slog.Logger) outcome {
	if !e.caps.HasCapability(capability.Calendar) {
		if e.availability == FailClosed {
			return failed(KindProviderUnavailable, "calendar capability not configured: cannot check availability")
		}
		log.Warn("Calendar not configured, assuming the slot is free")
		return outcome{partial: workflow.Context{workflow.KeyAvailable: workflow.BoolValue(true)}}
	}

	m, err := workflow.MeetingFromContext(inst.Context)
	if err != nil {
		return invalid(err)
	}
	if err := m.CheckWindow(); err != nil {
		return invalid(err)
	}
	res, serr := e.call(ctx, workflow.ActionCheckAvailability, capability.CheckAvailabilityRequest{
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		Duration:  int(m.Duration.Minutes()),
	})
	if serr != nil {
		return outcome{err: serr}
	}
	var resp capability.AvailabilityResponse
	if err := res.Decode(&resp); err != nil {
		return failed(KindAction, "decode availability: %v", err)
	}
	if len(resp.Conflicts) > 0 {
		return failed(KindAction, "requested time is not available: conflicts with %s", capability.DescribeConflicts(resp.Conflicts))
	}
	return outcome{partial: workflow.Context{workflow.KeyAvailable: workflow.BoolValue(true)}}
}

func (e *Executor) scheduleMeeting(ctx context.Context, inst *workflow.Instance, task *workflow.Task) outcome {
	// checked before anything else so a plan without attendees never
	// reaches a provider
	if len(attendees(inst.Context)) == 0 {
		return failed(KindValidation, "cannot book without at least one attendee")
	}
	if !e.caps.HasCapability(capability.Calendar) {
		return failed(KindProviderUnavailable, "calendar capability not configured: cannot book meeting")
	}
	m, err := workflow.MeetingFromContext(inst.Context)
	if err != nil {
		return invalid(err)
	}
	if err := m.CheckWindow(); err != nil {
		return invalid(err)
	}

	res, serr := e.call(ctx, workflow.ActionScheduleMeeting, capability.ScheduleMeetingRequest{
		Title:           m.Title,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		Attendees:       m.Attendees,
		Location:        m.Location,
		Description:     m.Description,
		IncludeMeetLink: m.IncludeMeetLink,
		Organizer:       m.Organizer,
		IdempotencyKey:  inst.ID + "/" + task.ID,
	})
	if serr != nil {
		return outcome{err: serr}
	}
	var resp capability.ScheduleMeetingResponse
	if err := res.Decode(&resp); err != nil {
		return failed(KindAction, "decode booking: %v", err)
	}
	if len(resp.Conflicts) > 0 {
		return failed(KindAction, "conflicts with %s", capability.DescribeConflicts(resp.Conflicts))
	}

	m.EventID, m.EventLink, m.MeetLink = resp.EventID, resp.EventLink, resp.MeetLink
	return outcome{partial: eventFacts(resp), booking: &m}
}

func (e *Executor) updateMeeting(ctx context.Context, inst *workflow.Instance) outcome {
	eventID := inst.Context.String(workflow.KeyEventID)
	if eventID == "" {
		return failed(KindValidation, "no booked event to update")
	}
	if !e.caps.HasCapability(capability.Calendar) {
		return failed(KindProviderUnavailable, "calendar capability not configured: cannot update meeting")
	}
	req := capability.UpdateMeetingRequest{
		EventID:     eventID,
		Title:       inst.Context.String(workflow.KeyTitle),
		Location:    inst.Context.String(workflow.KeyLocation),
		Description: inst.Context.String(workflow.KeyDescription),
	}
	if inst.Context.Has(workflow.KeyStartTime) {
		m, err := workflow.MeetingFromContext(inst.Context)
		if err != nil {
			return invalid(err)
		}
		if err := m.CheckWindow(); err != nil {
			return invalid(err)
		}
		req.StartTime, req.EndTime = m.StartTime, m.EndTime
	}

	res, serr := e.call(ctx, workflow.ActionUpdateMeeting, req)
	if serr != nil {
		return outcome{err: serr}
	}
	var resp capability.ScheduleMeetingResponse
	if err := res.Decode(&resp); err != nil {
		return failed(KindAction, "decode update: %v", err)
	}
	if resp.EventID == "" {
		resp.EventID = eventID
	}
	return outcome{partial: eventFacts(resp)}
}

func (e *Executor) cancelMeeting(ctx context.Context, inst *workflow.Instance) outcome {
	eventID := inst.Context.String(workflow.KeyEventID)
	if eventID == "" {
		return failed(KindValidation, "no booked event to cancel")
	}
	if !e.caps.HasCapability(capability.Calendar) {
		return failed(KindProviderUnavailable, "calendar capability not configured: cannot cancel meeting")
	}
	if _, serr := e.call(ctx, workflow.ActionCancelMeeting, capability.CancelMeetingRequest{EventID: eventID}); serr != nil {
		return outcome{err: serr}
	}
	return outcome{}
}

func (e *Executor) sendChat(ctx context.Context, inst *workflow.Instance, task *workflow.Task) outcome {
	if !e.caps.HasCapability(capability.Chat) {
		return failed(KindProviderUnavailable, "chat capability not configured")
	}
	text := task.Title
	if task.Action.Body != "" {
		rendered, err := render(task.ID, task.Action.Body, inst.Context)
		if err != nil {
			return failed(KindValidation, "render message: %v", err)
		}
		text = rendered
	}
	_, serr := e.call(ctx, workflow.ActionSendChatMessage, capability.ChatMessageRequest{
		Channel: task.Action.Channel,
		Text:    text,
	})
	if serr != nil {
		return outcome{err: serr}
	}
	return outcome{}
}

func (e *Executor) sendEmail(ctx context.Context, inst *workflow.Instance, task *workflow.Task) outcome {
	to := task.Action.To
	if len(to) == 0 {
		to = attendees(inst.Context)
	}
	if len(to) == 0 {
		return failed(KindValidation, "email has no recipients")
	}
	if !e.caps.HasCapability(capability.Email) {
		return failed(KindProviderUnavailable, "email capability not configured")
	}

	subject, body := task.Title, task.Description
	var err error
	if task.Action.Subject != "" {
		if subject, err = render(task.ID+"-subject", task.Action.Subject, inst.Context); err != nil {
			return failed(KindValidation, "render subject: %v", err)
		}
	}
	if task.Action.Body != "" {
		if body, err = render(task.ID+"-body", task.Action.Body, inst.Context); err != nil {
			return failed(KindValidation, "render body: %v", err)
		}
	}

	_, serr := e.call(ctx, workflow.ActionSendEmail, capability.EmailRequest{To: to, Subject: subject, Body: body})
	if serr != nil {
		return outcome{err: serr}
	}
	return outcome{}
}

// call executes one action and converts every non-success into a StepError.
func (e *Executor) call(ctx context.Context, kind workflow.ActionKind, payload any) (capability.Result, *StepError) {
	action, err := capability.NewAction(kind, payload)
	if err != nil {
		return capability.Result{}, &StepError{Kind: KindAction, Message: err.Error(), Err: err}
	}
	res, err := e.caps.Execute(ctx, action)
	if err != nil {
		return res, actionError(kind, err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("%s reported failure", kind)
		}
		return res, &StepError{Kind: KindAction, Message: msg}
	}
	return res, nil
}

func actionError(kind workflow.ActionKind, err error) *StepError {
	se := &StepError{
		Kind:    KindAction,
		Message: fmt.Sprintf("%s failed: %v", kind, err),
		Err:     err,
		// a cancelled caller says nothing about the provider
		Retryable: capability.IsTransient(err) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled),
	}
	if errors.Is(err, capability.ErrUnavailable) {
		se.Kind = KindProviderUnavailable
		se.Retryable = false
	}
	return se
}

func eventFacts(resp capability.ScheduleMeetingResponse) workflow.Context {
	out := workflow.Context{}
	if resp.EventID != "" {
		out[workflow.KeyEventID] = workflow.StringValue(resp.EventID)
	}
	if resp.EventLink != "" {
		out[workflow.KeyEventLink] = workflow.StringValue(resp.EventLink)
	}
	if resp.MeetLink != "" {
		out[workflow.KeyMeetLink] = workflow.StringValue(resp.MeetLink)
	}
	return out
}
