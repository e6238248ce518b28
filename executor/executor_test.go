package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/capability/testutil"
	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bookingPlan = `
id: book
name: Book a meeting
schema:
  startTime: string
  endTime: string
  attendees: list
tasks:
  - id: gather
    title: Gather details
    type: gather
    required_data: [startTime, endTime, attendees]
  - id: check
    title: Check availability
    type: execute
    depends_on: [gather]
    action:
      kind: check_availability
  - id: schedule
    title: Book it
    type: execute
    depends_on: [check]
    action:
      kind: schedule_meeting
`

const bookOnlyPlan = `
id: book-only
name: Book directly
schema:
  attendees: list
tasks:
  - id: schedule
    title: Book it
    type: execute
    action:
      kind: schedule_meeting
`

func meetingContext(attendees ...string) workflow.Context {
	c := workflow.Context{
		workflow.KeyStartTime: workflow.StringValue("2025-01-01T10:00:00Z"),
		workflow.KeyEndTime:   workflow.StringValue("2025-01-01T11:00:00Z"),
	}
	if len(attendees) > 0 {
		c[workflow.KeyAttendees] = workflow.ListValue(attendees...)
	}
	return c
}

type harness struct {
	store *storage.MemoryStore
	caps  *testutil.MockManager
	rec   *events.Recorder
	exec  *Executor
}

func newHarness(t *testing.T, caps *testutil.MockManager, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMemoryStore(),
		caps:  caps,
		rec:   &events.Recorder{},
	}
	opts = append([]Option{WithPublisher(h.rec)}, opts...)
	h.exec = New(h.store, caps, opts...)
	return h
}

func (h *harness) start(t *testing.T, plan string, initial workflow.Context) *workflow.Instance {
	t.Helper()
	tmpl, err := workflow.ParseTemplate([]byte(plan))
	require.NoError(t, err)
	inst, err := h.exec.Create(context.Background(), tmpl, "conv-1", initial)
	require.NoError(t, err)
	return inst
}

func (h *harness) load(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	inst, err := h.exec.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestAdvance_EndToEndBooking(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockManager(capability.Calendar, capability.Email)
	mock.Handle(workflow.ActionScheduleMeeting, testutil.Booked("cal://1"))
	h := newHarness(t, mock)
	inst := h.start(t, bookingPlan, meetingContext("a@x.com"))

	var taskIDs []string
	for i := 0; i < 3; i++ {
		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		require.True(t, res.Completed, "step %d: %s", i, res.Error)
		taskIDs = append(taskIDs, res.TaskID)
	}
	assert.Equal(t, []string{"gather", "check", "schedule"}, taskIDs)

	got := h.load(t, inst.ID)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "cal://1", got.Context.String(workflow.KeyEventLink))
	assert.Equal(t, "evt-1", got.Context.String(workflow.KeyEventID))
	for _, task := range got.Tasks {
		assert.Equal(t, workflow.TaskStatusCompleted, task.Status, task.ID)
	}

	emails := mock.Calls(workflow.ActionSendEmail)
	require.Len(t, emails, 1)
	var req capability.EmailRequest
	require.NoError(t, json.Unmarshal(emails[0].Payload, &req))
	assert.Equal(t, []string{"a@x.com"}, req.To)
	assert.Contains(t, req.Body, "cal://1")

	var booking capability.ScheduleMeetingRequest
	require.NoError(t, json.Unmarshal(mock.Calls(workflow.ActionScheduleMeeting)[0].Payload, &booking))
	assert.Equal(t, inst.ID+"/schedule", booking.IdempotencyKey)

	assert.Contains(t, h.rec.Subjects(), workflow.WorkflowStarted.Pattern)
	assert.Contains(t, h.rec.Subjects(), workflow.WorkflowCompleted.Pattern)
}

func TestAdvance_DependencyOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewMockManager())
	// stored order differs from dependency order
	inst := h.start(t, `
id: ordered
name: Ordered
tasks:
  - id: c
    title: C
    type: decision
    depends_on: [b]
  - id: b
    title: B
    type: confirm
    depends_on: [a]
  - id: a
    title: A
    type: decision
`, nil)

	var order []string
	for {
		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		require.True(t, res.Completed)
		if res.TaskID == "" {
			break
		}
		order = append(order, res.TaskID)
		if res.Done() {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, workflow.StatusCompleted, h.load(t, inst.ID).Status)
}

func TestAdvance_TerminalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewMockManager(capability.Calendar))
	inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, res.Done())
	before := h.load(t, inst.ID)
	published := len(h.rec.Messages())

	for i := 0; i < 3; i++ {
		res, err = h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Completed)
		assert.Equal(t, workflow.StatusCompleted, res.Status)
	}
	after := h.load(t, inst.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 1, h.caps.CallCount(workflow.ActionScheduleMeeting))
	assert.Len(t, h.rec.Messages(), published)
}

func TestAdvance_NoAttendeesNeverCallsProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewMockManager(capability.Calendar, capability.Email, capability.Chat))
	inst := h.start(t, bookOnlyPlan, meetingContext())

	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.True(t, res.Failed())
	assert.Equal(t, KindValidation, res.ErrorKind)
	assert.Equal(t, "schedule", res.FailedTask)
	assert.Contains(t, res.Error, "at least one attendee")
	assert.Zero(t, h.caps.TotalCalls())

	got := h.load(t, inst.ID)
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Equal(t, workflow.TaskStatusFailed, got.Task("schedule").Status)
	assert.NotEmpty(t, got.FailureReason)

	// a failed workflow reports the same failure without running anything
	again, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, again.Completed)
	assert.Equal(t, "schedule", again.FailedTask)
	assert.Equal(t, res.Error, again.Error)
	assert.Zero(t, h.caps.TotalCalls())
}

func TestAdvance_ConflictBlocksBooking(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockManager(capability.Calendar, capability.Email)
	start := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	mock.Handle(workflow.ActionCheckAvailability, testutil.Conflicting(capability.Conflict{
		Title:     "Dentist",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
	}))
	h := newHarness(t, mock)
	inst := h.start(t, bookingPlan, meetingContext("a@x.com"))

	res, _, err := h.exec.Drive(ctx, inst.ID, 10)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, "check", res.FailedTask)
	assert.Equal(t, KindAction, res.ErrorKind)
	assert.Contains(t, res.Error, "Dentist")

	_, err = h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, mock.CallCount(workflow.ActionScheduleMeeting))
	assert.Zero(t, mock.CallCount(workflow.ActionSendEmail))
}

func TestAdvance_AvailabilityPolicy(t *testing.T) {
	ctx := context.Background()
	plan := `
id: check-only
name: Check only
tasks:
  - id: check
    title: Check
    type: execute
    action:
      kind: check_availability
`

	t.Run("fail open", func(t *testing.T) {
		h := newHarness(t, testutil.NewMockManager())
		inst := h.start(t, plan, meetingContext("a@x.com"))

		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Completed)

		got := h.load(t, inst.ID)
		available, ok := got.Context[workflow.KeyAvailable].Bool()
		assert.True(t, ok)
		assert.True(t, available)
	})

	t.Run("inverted window never reaches the calendar", func(t *testing.T) {
		mock := testutil.NewMockManager(capability.Calendar)
		h := newHarness(t, mock)
		inst := h.start(t, plan, workflow.Context{
			workflow.KeyStartTime: workflow.StringValue("2025-01-01T11:00:00Z"),
			workflow.KeyEndTime:   workflow.StringValue("2025-01-01T10:00:00Z"),
		})

		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Failed())
		assert.Equal(t, KindValidation, res.ErrorKind)
		assert.Contains(t, res.Error, workflow.KeyEndTime)
		assert.Zero(t, mock.CallCount(workflow.ActionCheckAvailability))
	})

	t.Run("fail closed", func(t *testing.T) {
		h := newHarness(t, testutil.NewMockManager(), WithAvailabilityPolicy(FailClosed))
		inst := h.start(t, plan, meetingContext("a@x.com"))

		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Failed())
		assert.Equal(t, KindProviderUnavailable, res.ErrorKind)
		assert.False(t, res.Retryable)
	})
}

func TestAdvance_BookingWithoutCalendar(t *testing.T) {
	h := newHarness(t, testutil.NewMockManager(capability.Email))
	inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

	res, err := h.exec.Advance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, KindProviderUnavailable, res.ErrorKind)
	assert.Zero(t, h.caps.TotalCalls())
}

func TestAdvance_NotificationFailureKeepsBooking(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockManager(capability.Calendar, capability.Email, capability.Chat)
	mock.Handle(workflow.ActionSendEmail, testutil.Failing(errors.New("smtp down")))
	mock.Handle(workflow.ActionSendChatMessage, testutil.Failing(errors.New("slack down")))
	h := newHarness(t, mock)
	inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com", "b@x.com"))

	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Empty(t, res.Error)

	got := h.load(t, inst.ID)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Equal(t, workflow.TaskStatusCompleted, got.Task("schedule").Status)
	// every attendee is attempted
	assert.Equal(t, 2, mock.CallCount(workflow.ActionSendEmail))
	assert.Contains(t, h.rec.Subjects(), workflow.NotificationFailed.Pattern)
}

func TestAdvance_RequiresInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewMockManager(capability.Calendar))
	inst := h.start(t, bookingPlan, workflow.Context{
		workflow.KeyAttendees: workflow.ListValue("a@x.com"),
	})

	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.True(t, res.RequiresInput)
	assert.Equal(t, workflow.KeyStartTime, res.MissingData)
	assert.False(t, res.Failed())

	got := h.load(t, inst.ID)
	assert.Equal(t, workflow.StatusActive, got.Status)
	assert.Equal(t, workflow.TaskStatusActive, got.Task("gather").Status)
	assert.Contains(t, h.rec.Subjects(), workflow.TaskRequiresInput.Pattern)

	// advancing again without new facts changes nothing but the claim
	res, err = h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.RequiresInput)
	res, err = h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.RequiresInput)
	assert.Equal(t, 1, countSubject(h.rec, workflow.TaskStarted.Pattern), "waiting task is started once")

	_, err = h.exec.ProvideInput(ctx, inst.ID, meetingContext())
	require.NoError(t, err)

	res, steps, err := h.exec.Drive(ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
	assert.Equal(t, workflow.StatusCompleted, res.Status)
	// attendees from the first turn survived the later merge
	assert.Equal(t, "a@x.com", h.load(t, inst.ID).Context.String(workflow.KeyAttendees))
}

func TestAdvance_GatherMissingCanFail(t *testing.T) {
	h := newHarness(t, testutil.NewMockManager(), WithGatherMissingIsInput(false))
	inst := h.start(t, bookingPlan, nil)

	res, err := h.exec.Advance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.False(t, res.RequiresInput)
	assert.True(t, res.Failed())
	assert.Equal(t, KindValidation, res.ErrorKind)
	assert.Equal(t, "missing required data: startTime", res.Error)
}

func TestAdvance_TransientFailure(t *testing.T) {
	ctx := context.Background()
	outage := testutil.Failing(capability.NewTransientError(errors.New("calendar 503")))

	t.Run("hold keeps the task for retry", func(t *testing.T) {
		mock := testutil.NewMockManager(capability.Calendar)
		mock.Handle(workflow.ActionScheduleMeeting, outage)
		h := newHarness(t, mock, WithTransientPolicy(TransientHold))
		inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.False(t, res.Completed)
		assert.False(t, res.Failed())
		assert.True(t, res.Retryable)
		assert.Equal(t, KindAction, res.ErrorKind)
		assert.Equal(t, workflow.StatusActive, res.Status)
		assert.Equal(t, workflow.TaskStatusActive, h.load(t, inst.ID).Task("schedule").Status)

		mock.Handle(workflow.ActionScheduleMeeting, testutil.Booked("cal://2"))
		res, err = h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Done())

		calls := mock.Calls(workflow.ActionScheduleMeeting)
		require.Len(t, calls, 2)
		var first, second capability.ScheduleMeetingRequest
		require.NoError(t, json.Unmarshal(calls[0].Payload, &first))
		require.NoError(t, json.Unmarshal(calls[1].Payload, &second))
		assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
		// the resumed task is not started twice
		assert.Equal(t, 1, countSubject(h.rec, workflow.TaskStarted.Pattern))
	})

	t.Run("fails the workflow by default", func(t *testing.T) {
		mock := testutil.NewMockManager(capability.Calendar)
		mock.Handle(workflow.ActionScheduleMeeting, outage)
		h := newHarness(t, mock)
		inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Failed())
		assert.True(t, res.Retryable)
		assert.Equal(t, "schedule", res.FailedTask)
		got := h.load(t, inst.ID)
		assert.Equal(t, workflow.StatusFailed, got.Status)
		assert.Equal(t, workflow.TaskStatusFailed, got.Task("schedule").Status)
	})
}

// stalledCalendar never answers a booking before its context ends.
type stalledCalendar struct {
	bookings atomic.Int32
}

func (c *stalledCalendar) Name() string { return "stalled-calendar" }

func (c *stalledCalendar) CheckAvailability(context.Context, capability.CheckAvailabilityRequest) (capability.AvailabilityResponse, error) {
	return capability.AvailabilityResponse{}, nil
}

func (c *stalledCalendar) ScheduleMeeting(ctx context.Context, _ capability.ScheduleMeetingRequest) (capability.ScheduleMeetingResponse, error) {
	c.bookings.Add(1)
	<-ctx.Done()
	return capability.ScheduleMeetingResponse{}, ctx.Err()
}

func (c *stalledCalendar) CancelMeeting(context.Context, capability.CancelMeetingRequest) error {
	return nil
}

func (c *stalledCalendar) UpdateMeeting(context.Context, capability.UpdateMeetingRequest) (capability.ScheduleMeetingResponse, error) {
	return capability.ScheduleMeetingResponse{}, nil
}

func TestAdvance_ProviderTimeoutFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	cal := &stalledCalendar{}
	reg := capability.NewRegistry(
		capability.WithCalendar(cal),
		capability.WithTimeout(20*time.Millisecond),
	)
	exec := New(storage.NewMemoryStore(), reg)

	tmpl, err := workflow.ParseTemplate([]byte(bookOnlyPlan))
	require.NoError(t, err)
	inst, err := exec.Create(ctx, tmpl, "conv-1", meetingContext("a@x.com"))
	require.NoError(t, err)

	res, err := exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.True(t, res.Retryable)
	assert.Equal(t, KindAction, res.ErrorKind)
	assert.Equal(t, "schedule", res.FailedTask)

	got, err := exec.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Equal(t, workflow.TaskStatusFailed, got.Task("schedule").Status)

	// a finished workflow is not re-dispatched
	res, err = exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Equal(t, int32(1), cal.bookings.Load())
}

func countSubject(rec *events.Recorder, subject string) int {
	n := 0
	for _, s := range rec.Subjects() {
		if s == subject {
			n++
		}
	}
	return n
}

// lapsingLocker hands out a lock that lapses after a delay on the first
// acquire only.
type lapsingLocker struct {
	inner *LocalLocker
	after time.Duration
	once  sync.Once
}

func (l *lapsingLocker) Lock(ctx context.Context, id string) (func(), <-chan struct{}, error) {
	unlock, _, err := l.inner.Lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var lost <-chan struct{}
	l.once.Do(func() {
		ch := make(chan struct{})
		time.AfterFunc(l.after, func() { close(ch) })
		lost = ch
	})
	return unlock, lost, nil
}

func TestAdvance_LostLockLeavesTaskForNextOwner(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockManager(capability.Calendar)
	mock.Delay = time.Second
	locker := &lapsingLocker{inner: NewLocalLocker(), after: 30 * time.Millisecond}
	h := newHarness(t, mock, WithLocker(locker))
	inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

	start := time.Now()
	_, err := h.exec.Advance(ctx, inst.ID)
	require.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "step must stop when the lock lapses")

	got := h.load(t, inst.ID)
	assert.Equal(t, workflow.StatusActive, got.Status)
	assert.Equal(t, workflow.TaskStatusActive, got.Task("schedule").Status)
	assert.NotContains(t, h.rec.Subjects(), workflow.TaskFailed.Pattern)

	mock.Delay = 0
	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, res.Status)

	calls := mock.Calls(workflow.ActionScheduleMeeting)
	require.Len(t, calls, 2)
	var first, second capability.ScheduleMeetingRequest
	require.NoError(t, json.Unmarshal(calls[0].Payload, &first))
	require.NoError(t, json.Unmarshal(calls[1].Payload, &second))
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
}

func TestAdvance_FatalProviderError(t *testing.T) {
	mock := testutil.NewMockManager(capability.Calendar)
	mock.Handle(workflow.ActionScheduleMeeting, testutil.Failing(capability.NewFatalError(errors.New("403 forbidden"))))
	h := newHarness(t, mock)
	inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

	res, err := h.exec.Advance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.False(t, res.Retryable)
	assert.Contains(t, res.Error, "403 forbidden")
}

func TestAdvance_Stalled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewMockManager())
	now := time.Now()
	inst := &workflow.Instance{
		ID:         "wf-stalled",
		TemplateID: "manual",
		Status:     workflow.StatusActive,
		Context:    workflow.Context{},
		Tasks: []workflow.Task{
			{ID: "a", Type: workflow.TaskTypeDecision, Status: workflow.TaskStatusSkipped},
			{ID: "b", Type: workflow.TaskTypeDecision, Status: workflow.TaskStatusPending, DependsOn: []string{"a"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.Create(ctx, inst))

	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "stalled")
	assert.Equal(t, workflow.StatusFailed, h.load(t, inst.ID).Status)
}

func TestAdvance_NotFound(t *testing.T) {
	h := newHarness(t, testutil.NewMockManager())
	_, err := h.exec.Advance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvance_ConcurrentBooksOnce(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockManager(capability.Calendar)
	mock.Delay = 50 * time.Millisecond
	h := newHarness(t, mock)
	inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

	const n = 5
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []StepResult
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.exec.Advance(ctx, inst.ID)
			if err != nil {
				assert.ErrorIs(t, err, ErrBusy)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mock.CallCount(workflow.ActionScheduleMeeting))
	for _, res := range results {
		assert.Equal(t, workflow.StatusCompleted, res.Status)
	}
	assert.Equal(t, workflow.StatusCompleted, h.load(t, inst.ID).Status)
}

func TestAdvance_BusyWhenLockWaitExpires(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockManager(capability.Calendar)
	mock.Delay = 200 * time.Millisecond
	h := newHarness(t, mock, WithLockWait(10*time.Millisecond))
	inst := h.start(t, bookOnlyPlan, meetingContext("a@x.com"))

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, err := h.exec.Advance(ctx, inst.ID)
		assert.NoError(t, err)
	}()
	<-started

	require.Eventually(t, func() bool {
		return mock.TotalCalls() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := h.exec.Advance(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrBusy)
	<-done
	assert.Equal(t, 1, mock.CallCount(workflow.ActionScheduleMeeting))
}

func TestAdvance_StaleVersionIsBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewMockManager())
	inst := h.start(t, bookingPlan, meetingContext("a@x.com"))

	// a claim against an outdated snapshot loses
	stale := h.load(t, inst.ID)
	require.NoError(t, h.store.MergeContext(ctx, inst.ID, workflow.Context{"note": workflow.StringValue("x")}))

	_, err := h.exec.step(ctx, stale)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, workflow.TaskStatusPending, h.load(t, inst.ID).Task("gather").Status)
}

func TestValidate_Rules(t *testing.T) {
	ctx := context.Background()
	plan := `
id: rules
name: Rules
tasks:
  - id: window
    title: Window
    type: validate
    rule: meeting_window
`

	t.Run("end before start fails", func(t *testing.T) {
		h := newHarness(t, testutil.NewMockManager())
		inst := h.start(t, plan, workflow.Context{
			workflow.KeyStartTime: workflow.StringValue("2025-01-01T11:00:00Z"),
			workflow.KeyEndTime:   workflow.StringValue("2025-01-01T10:00:00Z"),
		})
		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, KindValidation, res.ErrorKind)
		assert.Contains(t, res.Error, "endTime")
	})

	t.Run("valid window passes", func(t *testing.T) {
		h := newHarness(t, testutil.NewMockManager())
		inst := h.start(t, plan, meetingContext())
		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Done())
	})

	t.Run("custom rule and template validator", func(t *testing.T) {
		noWeekends := func(_ context.Context, inst *workflow.Instance, _ *workflow.Task) error {
			return errors.New("no weekend meetings")
		}
		h := newHarness(t, testutil.NewMockManager(), WithRule(RuleMeetingWindow, noWeekends))
		inst := h.start(t, plan, meetingContext())
		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "no weekend meetings", res.Error)

		unnamed := `
id: unnamed
name: Unnamed
tasks:
  - id: v
    title: V
    type: validate
`
		h = newHarness(t, testutil.NewMockManager(), WithTemplateValidator("unnamed", noWeekends))
		inst = h.start(t, unnamed, nil)
		res, err = h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Failed())
	})

	t.Run("unknown rule passes", func(t *testing.T) {
		h := newHarness(t, testutil.NewMockManager())
		inst := h.start(t, `
id: unknown
name: Unknown
tasks:
  - id: v
    title: V
    type: validate
    rule: not_registered
`, nil)
		res, err := h.exec.Advance(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, res.Done())
	})
}

func TestDecision_MergesFacts(t *testing.T) {
	ctx := context.Background()
	decide := func(_ context.Context, inst *workflow.Instance, _ *workflow.Task) (workflow.Context, error) {
		if inst.Context.Has("vip") {
			return workflow.Context{"priority": workflow.StringValue("high")}, nil
		}
		return workflow.Context{"priority": workflow.StringValue("normal")}, nil
	}
	h := newHarness(t, testutil.NewMockManager(), WithDecision("triage", decide))
	inst := h.start(t, `
id: triage
name: Triage
tasks:
  - id: route
    title: Route
    type: decision
`, workflow.Context{"vip": workflow.BoolValue(true)})

	_, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "high", h.load(t, inst.ID).Context.String("priority"))
}

func TestExecute_MessagingActions(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockManager(capability.Chat, capability.Email)
	h := newHarness(t, mock)
	inst := h.start(t, `
id: messaging
name: Messaging
schema:
  attendees: list
  title: string
tasks:
  - id: chat
    title: Post update
    type: execute
    action:
      kind: send_chat_message
      channel: "#ops"
      body: "Planning {{.title}}"
  - id: mail
    title: Mail attendees
    type: execute
    depends_on: [chat]
    action:
      kind: send_email
      subject: "About {{.title}}"
      body: "See you at {{.title}}{{.missing}}"
  - id: notify
    title: Wrap up
    type: notify
    depends_on: [mail]
`, workflow.Context{
		workflow.KeyTitle:     workflow.StringValue("Retro"),
		workflow.KeyAttendees: workflow.StringValue("a@x.com, b@x.com"),
	})

	res, steps, err := h.exec.Drive(ctx, inst.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
	assert.True(t, res.Done())

	chats := mock.Calls(workflow.ActionSendChatMessage)
	require.Len(t, chats, 2)
	var chat capability.ChatMessageRequest
	require.NoError(t, json.Unmarshal(chats[0].Payload, &chat))
	assert.Equal(t, "#ops", chat.Channel)
	assert.Equal(t, "Planning Retro", chat.Text)

	var mail capability.EmailRequest
	require.NoError(t, json.Unmarshal(mock.Calls(workflow.ActionSendEmail)[0].Payload, &mail))
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, mail.To)
	assert.Equal(t, "About Retro", mail.Subject)
	assert.Equal(t, "See you at Retro", mail.Body)
}

func TestExecute_UpdateAndCancelNeedEvent(t *testing.T) {
	ctx := context.Background()
	plan := `
id: cancel
name: Cancel
tasks:
  - id: cancel
    title: Cancel
    type: execute
    action:
      kind: cancel_meeting
`
	mock := testutil.NewMockManager(capability.Calendar)
	h := newHarness(t, mock)

	inst := h.start(t, plan, nil)
	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, KindValidation, res.ErrorKind)
	assert.Zero(t, mock.TotalCalls())

	inst = h.start(t, plan, workflow.Context{workflow.KeyEventID: workflow.StringValue("evt-9")})
	res, err = h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Done())
	var req capability.CancelMeetingRequest
	require.NoError(t, json.Unmarshal(mock.Calls(workflow.ActionCancelMeeting)[0].Payload, &req))
	assert.Equal(t, "evt-9", req.EventID)

	update := `
id: update
name: Update
tasks:
  - id: update
    title: Move it
    type: execute
    action:
      kind: update_meeting
`
	initial := meetingContext()
	initial[workflow.KeyEventID] = workflow.StringValue("evt-9")
	inst = h.start(t, update, initial)
	res, err = h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Done())
	var upd capability.UpdateMeetingRequest
	require.NoError(t, json.Unmarshal(mock.Calls(workflow.ActionUpdateMeeting)[0].Payload, &upd))
	assert.Equal(t, "evt-9", upd.EventID)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), upd.StartTime.UTC())
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewMockManager(capability.Calendar))
	inst := h.start(t, bookingPlan, nil)

	got, err := h.exec.Cancel(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, h.rec.Subjects(), workflow.WorkflowCancelled.Pattern)

	res, err := h.exec.Advance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, workflow.StatusCancelled, res.Status)
	assert.Zero(t, h.caps.TotalCalls())

	// cancelling again is a no-op
	again, err := h.exec.Cancel(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)

	_, err = h.exec.ProvideInput(ctx, inst.ID, meetingContext())
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestProvideInput(t *testing.T) {
	ctx := context.Background()
	catalog := workflow.NewCatalog()
	h := newHarness(t, testutil.NewMockManager(), WithCatalog(catalog))
	tmpl, ok := catalog.Get(workflow.ScheduleMeetingTemplateID)
	require.True(t, ok)
	inst, err := h.exec.Create(ctx, tmpl, "conv-1", workflow.Context{
		workflow.KeyTitle: workflow.StringValue("Kickoff"),
	})
	require.NoError(t, err)

	got, err := h.exec.ProvideInput(ctx, inst.ID, workflow.Context{
		workflow.KeyTitle:    workflow.StringValue(""),
		workflow.KeyDuration: workflow.StringValue("30"),
	})
	require.NoError(t, err)
	// a blank value never erases a gathered fact
	assert.Equal(t, "Kickoff", got.Context.String(workflow.KeyTitle))
	assert.Equal(t, "30", got.Context.String(workflow.KeyDuration))

	_, err = h.exec.ProvideInput(ctx, inst.ID, workflow.Context{
		workflow.KeyDuration: workflow.StringValue("half an hour"),
	})
	var verr *workflow.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.exec.ProvideInput(ctx, "missing", workflow.Context{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDrive_StopsAtMaxSteps(t *testing.T) {
	h := newHarness(t, testutil.NewMockManager(capability.Calendar))
	inst := h.start(t, bookingPlan, meetingContext("a@x.com"))

	res, steps, err := h.exec.Drive(context.Background(), inst.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, steps)
	assert.Equal(t, "check", res.TaskID)
	assert.False(t, res.Done())
}
