// Package executor drives workflow instances one task at a time.
//
// Each Advance loads an instance, picks the task to run (an active task is
// resumed before the next eligible pending one), dispatches it by type and
// persists the outcome. Advance never loops: callers that want to run a
// workflow to completion use Drive or call Advance repeatedly.
//
// Steps on the same workflow are serialized by a Locker, and task claims
// carry the instance version so a stale snapshot is rejected by the store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/notify"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// AvailabilityPolicy decides check_availability when no calendar is configured.
type AvailabilityPolicy string

const (
	// FailOpen treats a missing calendar as available.
	FailOpen AvailabilityPolicy = "fail_open"
	// FailClosed fails the task with KindProviderUnavailable.
	FailClosed AvailabilityPolicy = "fail_closed"
)

// TransientPolicy decides what a transient action failure does to the workflow.
type TransientPolicy string

const (
	// TransientFail fails the task and the workflow like any other failure.
	// The result keeps Retryable so callers can report it. This is the default.
	TransientFail TransientPolicy = "fail"
	// TransientHold leaves the task active so a later Advance retries it with
	// the same idempotency key. Nothing retries on its own; the caller must.
	TransientHold TransientPolicy = "hold"
)

// Defaults.
const (
	DefaultLockWait = 2 * time.Second
	DefaultMaxSteps = 20
)

// Executor advances workflow instances.
type Executor struct {
	store     storage.Store
	caps      capability.Manager
	fanout    *notify.FanOut
	locker    Locker
	publisher events.Publisher
	catalog   *workflow.Catalog
	logger    *slog.Logger
	now       func() time.Time

	lockWait      time.Duration
	availability  AvailabilityPolicy
	transient     TransientPolicy
	gatherIsInput bool

	rules         map[string]Validator
	templateRules map[string]Validator
	decisions     map[string]DecisionFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithLocker replaces the in-process lock, e.g. with a storage.KVLeaser
// when several processes advance the same workflows.
func WithLocker(l Locker) Option {
	return func(e *Executor) { e.locker = l }
}

// WithLockWait sets how long Advance waits for a busy workflow.
func WithLockWait(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.lockWait = d
		}
	}
}

// WithAvailabilityPolicy sets the policy for a missing calendar.
func WithAvailabilityPolicy(p AvailabilityPolicy) Option {
	return func(e *Executor) { e.availability = p }
}

// WithTransientPolicy sets how transient action failures are handled.
func WithTransientPolicy(p TransientPolicy) Option {
	return func(e *Executor) { e.transient = p }
}

// WithGatherMissingIsInput selects whether a gather task missing data
// waits for input (true) or fails the workflow (false).
func WithGatherMissingIsInput(v bool) Option {
	return func(e *Executor) { e.gatherIsInput = v }
}

// WithPublisher publishes transition events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithFanOut sets the booking notification fan-out.
func WithFanOut(f *notify.FanOut) Option {
	return func(e *Executor) { e.fanout = f }
}

// WithCatalog lets ProvideInput check facts against template schemas.
func WithCatalog(c *workflow.Catalog) Option {
	return func(e *Executor) { e.catalog = c }
}

// WithRule registers a named validation rule for validate tasks.
func WithRule(name string, v Validator) Option {
	return func(e *Executor) { e.rules[name] = v }
}

// WithTemplateValidator registers the rule run by validate tasks of a
// template that name no rule.
func WithTemplateValidator(templateID string, v Validator) Option {
	return func(e *Executor) { e.templateRules[templateID] = v }
}

// WithDecision registers the decision function for a template.
func WithDecision(templateID string, fn DecisionFunc) Option {
	return func(e *Executor) { e.decisions[templateID] = fn }
}

// New creates an Executor.
func New(store storage.Store, caps capability.Manager, opts ...Option) *Executor {
	e := &Executor{
		store:         store,
		caps:          caps,
		locker:        NewLocalLocker(),
		publisher:     events.Nop{},
		logger:        slog.Default(),
		now:           time.Now,
		lockWait:      DefaultLockWait,
		availability:  FailOpen,
		transient:     TransientFail,
		gatherIsInput: true,
		rules:         map[string]Validator{RuleMeetingWindow: MeetingWindow},
		templateRules: make(map[string]Validator),
		decisions:     make(map[string]DecisionFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fanout == nil {
		e.fanout = notify.New(caps, notify.WithLogger(e.logger), notify.WithPublisher(e.publisher))
	}
	return e
}

// Create instantiates tmpl for a conversation and stores the instance.
func (e *Executor) Create(ctx context.Context, tmpl *workflow.Template, conversationID string, initial workflow.Context) (*workflow.Instance, error) {
	inst, err := tmpl.Instantiate(conversationID, initial, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	e.logger.Info("workflow created",
		"workflow_id", inst.ID,
		"template_id", inst.TemplateID,
		"conversation_id", inst.ConversationID,
		"tasks", len(inst.Tasks))
	return inst, nil
}

// Get returns a snapshot of the workflow.
func (e *Executor) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	return e.load(ctx, id)
}

// List returns workflows matching filter, newest first.
func (e *Executor) List(ctx context.Context, filter storage.Filter) ([]*workflow.Instance, error) {
	return e.store.List(ctx, filter)
}

// Advance runs at most one task of the workflow.
func (e *Executor) Advance(ctx context.Context, id string) (StepResult, error) {
	inst, err := e.load(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	if inst.Status.IsTerminal() {
		return terminalResult(inst), nil
	}

	unlock, lost, err := e.lock(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	defer unlock()
	ctx, release := guard(ctx, lost)
	defer release()

	// reload: another advancer or a cancel may have run while we waited
	inst, err = e.load(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	if inst.Status.IsTerminal() {
		return terminalResult(inst), nil
	}
	return e.step(ctx, inst)
}

// Drive advances until the workflow finishes, needs input, fails or
// maxSteps steps have run. It returns the last result and the number of
// steps taken.
func (e *Executor) Drive(ctx context.Context, id string, maxSteps int) (StepResult, int, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	var last StepResult
	for i := 0; i < maxSteps; i++ {
		res, err := e.Advance(ctx, id)
		if err != nil {
			return last, i, err
		}
		last = res
		if !res.Completed || res.Done() {
			return res, i + 1, nil
		}
	}
	return last, maxSteps, nil
}

// ProvideInput merges facts from a conversation turn into an unfinished
// workflow and returns the updated snapshot.
func (e *Executor) ProvideInput(ctx context.Context, id string, partial workflow.Context) (*workflow.Instance, error) {
	unlock, _, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, inst.Status)
	}
	if e.catalog != nil {
		if tmpl, ok := e.catalog.Get(inst.TemplateID); ok {
			if err := tmpl.CheckContext(partial); err != nil {
				return nil, err
			}
		}
	}
	if len(partial) == 0 {
		return inst, nil
	}
	if err := e.store.MergeContext(ctx, id, partial); err != nil {
		return nil, fmt.Errorf("merge context: %w", err)
	}
	e.logger.Debug("workflow context updated", "workflow_id", id, "keys", partial.Keys())
	return e.load(ctx, id)
}

// Cancel moves an unfinished workflow to cancelled. A running step is
// allowed to finish first. Finished workflows are returned unchanged.
func (e *Executor) Cancel(ctx context.Context, id string) (*workflow.Instance, error) {
	unlock, _, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}
	if err := e.finish(ctx, inst, workflow.StatusCancelled, ""); err != nil {
		return nil, err
	}
	return e.load(ctx, id)
}

func (e *Executor) load(ctx context.Context, id string) (*workflow.Instance, error) {
	inst, err := e.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	return inst, nil
}

func (e *Executor) lock(ctx context.Context, id string) (func(), <-chan struct{}, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	defer cancel()

	unlock, lost, err := e.locker.Lock(lockCtx, id)
	if err == nil {
		return unlock, lost, nil
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	if errors.Is(err, ErrBusy) {
		return nil, nil, err
	}
	if errors.Is(err, storage.ErrLeaseHeld) {
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	return nil, nil, fmt.Errorf("lock workflow %s: %w", id, err)
}

// errLockLost is the cancel cause of a step whose lock lapsed.
var errLockLost = errors.New("workflow lock lost")

// guard derives a context that is cancelled with errLockLost when lost closes.
func guard(ctx context.Context, lost <-chan struct{}) (context.Context, func()) {
	if lost == nil {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-lost:
			cancel(errLockLost)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

// step runs one task of a non-terminal instance. The caller holds the lock.
func (e *Executor) step(ctx context.Context, inst *workflow.Instance) (StepResult, error) {
	started := time.Now()

	task := workflow.TaskToRun(inst.Tasks)
	if task == nil {
		if workflow.AllDone(inst.Tasks) {
			if err := e.finish(ctx, inst, workflow.StatusCompleted, ""); err != nil {
				return StepResult{}, err
			}
			return StepResult{Completed: true, Status: workflow.StatusCompleted}, nil
		}
		msg := "workflow is stalled: no task is eligible to run"
		if err := e.finish(ctx, inst, workflow.StatusFailed, msg); err != nil {
			return StepResult{}, err
		}
		return StepResult{Error: msg, ErrorKind: KindValidation, Status: workflow.StatusFailed}, nil
	}

	wasPlanning := inst.Status == workflow.StatusPlanning
	wasPending := task.Status == workflow.TaskStatusPending
	claimed, err := e.store.ClaimTask(ctx, inst.ID, task.ID, inst.Version)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return StepResult{}, fmt.Errorf("%w: %s changed concurrently", ErrBusy, inst.ID)
		}
		return StepResult{}, fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	inst = claimed
	task = inst.Task(task.ID)

	log := e.logger.With("workflow_id", inst.ID, "task_id", task.ID, "task_type", task.Type)
	if wasPlanning {
		log.Info("workflow started", "template_id", inst.TemplateID)
		e.publishWorkflow(ctx, inst)
	}
	if wasPending {
		log.Info("task started", "title", task.Title)
		e.publishTask(ctx, inst.ID, task, false)
	} else {
		log.Debug("task resumed", "title", task.Title)
	}

	out := e.dispatch(ctx, inst, task, log)

	// the next owner resumes the task with the same idempotency key
	if errors.Is(context.Cause(ctx), errLockLost) {
		log.Warn("workflow lock lost during step; leaving task for the next owner")
		metrics.RecordStep(string(task.Type), "abandoned", time.Since(started).Seconds())
		return StepResult{}, fmt.Errorf("%w: lock on %s lost", ErrBusy, inst.ID)
	}

	var (
		res     StepResult
		outcome string
	)
	switch {
	case out.err != nil && out.err.Retryable && e.transient == TransientHold:
		res, outcome = e.hold(inst, task, out.err, log), "deferred"
	case out.err != nil:
		res, err = e.fail(ctx, inst, task, out.err, log)
		outcome = "failed"
	case out.requiresInput:
		res, outcome = e.awaitInput(ctx, inst, task, out.missing, log), "requires_input"
	default:
		res, err = e.succeed(ctx, inst, task, out, log)
		outcome = "completed"
	}
	metrics.RecordStep(string(task.Type), outcome, time.Since(started).Seconds())
	return res, err
}

func (e *Executor) succeed(ctx context.Context, inst *workflow.Instance, task *workflow.Task, out outcome, log *slog.Logger) (StepResult, error) {
	now := e.now().UTC()
	if len(out.partial) > 0 {
		if err := e.store.MergeContext(ctx, inst.ID, out.partial); err != nil {
			return StepResult{}, fmt.Errorf("merge context: %w", err)
		}
		inst.MergeContext(out.partial, now)
	}
	if err := e.store.SaveTaskStatus(ctx, inst.ID, task.ID, workflow.TaskStatusCompleted, ""); err != nil {
		return StepResult{}, fmt.Errorf("save task %s: %w", task.ID, err)
	}
	if err := inst.SetTaskStatus(task.ID, workflow.TaskStatusCompleted, "", now); err != nil {
		return StepResult{}, err
	}
	log.Info("task completed")
	e.publishTask(ctx, inst.ID, task, false)

	if out.booking != nil {
		report := e.fanout.BookingConfirmed(ctx, notify.Booking{WorkflowID: inst.ID, Meeting: *out.booking})
		log.Info("booking notifications dispatched",
			"chat_sent", report.ChatSent,
			"emails_sent", report.EmailsSent,
			"emails_failed", report.EmailsFailed)
	}

	if workflow.AllDone(inst.Tasks) {
		if err := e.finish(ctx, inst, workflow.StatusCompleted, ""); err != nil {
			return StepResult{}, err
		}
	}
	return StepResult{Completed: true, Status: inst.Status, TaskID: task.ID}, nil
}

func (e *Executor) fail(ctx context.Context, inst *workflow.Instance, task *workflow.Task, serr *StepError, log *slog.Logger) (StepResult, error) {
	serr.TaskID = task.ID
	now := e.now().UTC()
	if err := e.store.SaveTaskStatus(ctx, inst.ID, task.ID, workflow.TaskStatusFailed, serr.Message); err != nil {
		return StepResult{}, fmt.Errorf("save task %s: %w", task.ID, err)
	}
	if err := inst.SetTaskStatus(task.ID, workflow.TaskStatusFailed, serr.Message, now); err != nil {
		return StepResult{}, err
	}
	log.Warn("task failed",
		"error_kind", serr.Kind,
		"retryable", serr.Retryable,
		"error", serr.Message)
	e.publishTask(ctx, inst.ID, task, false)

	if err := e.finish(ctx, inst, workflow.StatusFailed, serr.Message); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		FailedTask: task.ID,
		Error:      serr.Message,
		ErrorKind:  serr.Kind,
		Retryable:  serr.Retryable,
		Status:     workflow.StatusFailed,
		TaskID:     task.ID,
	}, nil
}

// hold leaves the task active after a transient failure.
func (e *Executor) hold(inst *workflow.Instance, task *workflow.Task, serr *StepError, log *slog.Logger) StepResult {
	log.Warn("task deferred after transient failure",
		"error_kind", serr.Kind,
		"error", serr.Message)
	return StepResult{
		Error:     serr.Message,
		ErrorKind: serr.Kind,
		Retryable: true,
		Status:    inst.Status,
		TaskID:    task.ID,
	}
}

func (e *Executor) awaitInput(ctx context.Context, inst *workflow.Instance, task *workflow.Task, missing string, log *slog.Logger) StepResult {
	log.Info("task requires input", "missing", missing)
	e.publishTask(ctx, inst.ID, task, true)
	return StepResult{
		RequiresInput: true,
		MissingData:   missing,
		Status:        inst.Status,
		TaskID:        task.ID,
	}
}

// finish moves the instance to a terminal status.
func (e *Executor) finish(ctx context.Context, inst *workflow.Instance, status workflow.Status, reason string) error {
	if err := e.store.SaveInstanceStatus(ctx, inst.ID, status, reason); err != nil {
		return fmt.Errorf("save workflow %s: %w", inst.ID, err)
	}
	if err := inst.SetStatus(status, reason, e.now().UTC()); err != nil {
		return err
	}
	metrics.RecordWorkflowFinished(inst.TemplateID, string(status))

	log := e.logger.With("workflow_id", inst.ID, "template_id", inst.TemplateID)
	switch status {
	case workflow.StatusCompleted:
		log.Info("workflow completed")
	case workflow.StatusFailed:
		log.Warn("workflow failed", "reason", reason)
	case workflow.StatusCancelled:
		log.Info("workflow cancelled")
	}
	e.publishWorkflow(ctx, inst)
	return nil
}

// terminalResult reports a finished workflow without touching it.
func terminalResult(inst *workflow.Instance) StepResult {
	res := StepResult{Completed: true, Status: inst.Status}
	if inst.Status == workflow.StatusFailed {
		res.Error = inst.FailureReason
		for _, t := range inst.Tasks {
			if t.Status == workflow.TaskStatusFailed {
				res.FailedTask = t.ID
				res.TaskID = t.ID
				res.Error = t.ErrorMessage
				break
			}
		}
	}
	return res
}

func (e *Executor) publishWorkflow(ctx context.Context, inst *workflow.Instance) {
	subj, err := workflow.WorkflowSubject(inst.Status)
	if err != nil {
		return
	}
	ev := workflow.WorkflowEvent{
		WorkflowID:     inst.ID,
		ConversationID: inst.ConversationID,
		TemplateID:     inst.TemplateID,
		Status:         inst.Status,
		Reason:         inst.FailureReason,
		Timestamp:      e.now().UTC(),
	}
	if err := events.Publish(ctx, e.publisher, subj, ev); err != nil {
		e.logger.Debug("Workflow event not published", "workflow_id", inst.ID, "error", err)
	}
}

func (e *Executor) publishTask(ctx context.Context, workflowID string, task *workflow.Task, requiresInput bool) {
	subj, err := workflow.TaskSubject(task.Status, requiresInput)
	if err != nil {
		return
	}
	ev := workflow.TaskEvent{
		WorkflowID: workflowID,
		TaskID:     task.ID,
		TaskType:   task.Type,
		Status:     task.Status,
		Error:      task.ErrorMessage,
		Timestamp:  e.now().UTC(),
	}
	if err := events.Publish(ctx, e.publisher, subj, ev); err != nil {
		e.logger.Debug("Task event not published", "workflow_id", workflowID, "task_id", task.ID, "error", err)
	}
}
