package capability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalendar struct {
	mu        sync.Mutex
	conflicts []Conflict
	err       error
	delay     time.Duration
	booked    []ScheduleMeetingRequest
}

func (f *fakeCalendar) Name() string { return "fake-calendar" }

func (f *fakeCalendar) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return nil
	}
}

func (f *fakeCalendar) CheckAvailability(ctx context.Context, _ CheckAvailabilityRequest) (AvailabilityResponse, error) {
	if err := f.wait(ctx); err != nil {
		return AvailabilityResponse{}, err
	}
	return AvailabilityResponse{Conflicts: f.conflicts}, f.err
}

func (f *fakeCalendar) ScheduleMeeting(ctx context.Context, req ScheduleMeetingRequest) (ScheduleMeetingResponse, error) {
	if err := f.wait(ctx); err != nil {
		return ScheduleMeetingResponse{}, err
	}
	if f.err != nil {
		return ScheduleMeetingResponse{}, f.err
	}
	f.mu.Lock()
	f.booked = append(f.booked, req)
	f.mu.Unlock()
	if len(f.conflicts) > 0 {
		return ScheduleMeetingResponse{Conflicts: f.conflicts}, nil
	}
	return ScheduleMeetingResponse{Success: true, EventID: "e1", EventLink: "cal://1"}, nil
}

func (f *fakeCalendar) CancelMeeting(context.Context, CancelMeetingRequest) error { return f.err }

func (f *fakeCalendar) UpdateMeeting(context.Context, UpdateMeetingRequest) (ScheduleMeetingResponse, error) {
	return ScheduleMeetingResponse{Success: true, EventID: "e1"}, f.err
}

type fakeMailer struct{ sent []EmailRequest }

func (f *fakeMailer) Name() string { return "fake-mailer" }

func (f *fakeMailer) SendEmail(_ context.Context, req EmailRequest) error {
	f.sent = append(f.sent, req)
	return nil
}

func mustAction(t *testing.T, kind workflow.ActionKind, payload any) Action {
	t.Helper()
	a, err := NewAction(kind, payload)
	require.NoError(t, err)
	return a
}

func TestRegistry_HasCapability(t *testing.T) {
	r := NewRegistry(WithCalendar(&fakeCalendar{}))
	assert.True(t, r.HasCapability(Calendar))
	assert.False(t, r.HasCapability(Chat))
	assert.False(t, r.HasCapability(Email))
}

func TestRegistry_UnavailableCapability(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), mustAction(t, workflow.ActionSendEmail, EmailRequest{To: []string{"a@x.com"}}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, IsTransient(err))
}

func TestRegistry_ScheduleMeeting(t *testing.T) {
	cal := &fakeCalendar{}
	r := NewRegistry(WithCalendar(cal))

	res, err := r.Execute(context.Background(), mustAction(t, workflow.ActionScheduleMeeting, ScheduleMeetingRequest{
		Title:     "Sync",
		Attendees: []string{"a@x.com"},
	}))
	require.NoError(t, err)
	assert.True(t, res.Success)

	var resp ScheduleMeetingResponse
	require.NoError(t, res.Decode(&resp))
	assert.Equal(t, "cal://1", resp.EventLink)
	require.Len(t, cal.booked, 1)
	assert.Equal(t, "Sync", cal.booked[0].Title)
}

func TestRegistry_BookingConflictIsBusinessFailure(t *testing.T) {
	cal := &fakeCalendar{conflicts: []Conflict{{Title: "Standup"}}}
	r := NewRegistry(WithCalendar(cal))

	res, err := r.Execute(context.Background(), mustAction(t, workflow.ActionScheduleMeeting, ScheduleMeetingRequest{}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Standup")
}

func TestRegistry_TimeoutIsTransient(t *testing.T) {
	cal := &fakeCalendar{delay: time.Second}
	r := NewRegistry(WithCalendar(cal), WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := r.Execute(context.Background(), mustAction(t, workflow.ActionCheckAvailability, CheckAvailabilityRequest{}))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegistry_CircuitOpensAfterTransientFailures(t *testing.T) {
	cal := &fakeCalendar{err: NewTransientError(errors.New("503"))}
	r := NewRegistry(WithCalendar(cal), WithHealthConfig(HealthConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	}))
	action := mustAction(t, workflow.ActionCheckAvailability, CheckAvailabilityRequest{})

	for i := 0; i < 2; i++ {
		_, err := r.Execute(context.Background(), action)
		require.Error(t, err)
	}
	_, err := r.Execute(context.Background(), action)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, IsTransient(err))

	h := r.Health()["fake-calendar"]
	assert.True(t, h.CircuitOpen)
	assert.Equal(t, 2, h.FailureCount)
}

func TestRegistry_FatalErrorsDoNotTripCircuit(t *testing.T) {
	cal := &fakeCalendar{err: NewFatalError(errors.New("400 bad request"))}
	r := NewRegistry(WithCalendar(cal), WithHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}))
	action := mustAction(t, workflow.ActionCheckAvailability, CheckAvailabilityRequest{})

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), action)
		assert.True(t, IsFatal(err))
	}
}

func TestRegistry_BadPayloadIsFatal(t *testing.T) {
	r := NewRegistry(WithMailer(&fakeMailer{}))
	_, err := r.Execute(context.Background(), Action{Type: workflow.ActionSendEmail, Payload: []byte(`{"to":`)})
	assert.True(t, IsFatal(err))
}

func TestHealthTracker_HalfOpen(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var changes []bool
	h := NewHealthTracker(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenRequests: 1},
		func(_ string, open bool) { changes = append(changes, open) })
	h.now = func() time.Time { return now }

	h.MarkFailure("p", errors.New("boom"))
	assert.False(t, h.Allow("p"))

	now = now.Add(2 * time.Minute)
	assert.True(t, h.Allow("p"), "trial call after recovery timeout")
	assert.False(t, h.Allow("p"), "only one trial call")

	h.MarkSuccess("p")
	assert.True(t, h.Allow("p"))
	assert.Equal(t, []bool{true, false}, changes)
}

func TestClassifyHTTPStatus(t *testing.T) {
	base := errors.New("upstream")
	assert.True(t, IsTransient(ClassifyHTTPStatus(503, base)))
	assert.True(t, IsTransient(ClassifyHTTPStatus(429, base)))
	assert.True(t, IsFatal(ClassifyHTTPStatus(404, base)))
	assert.True(t, errors.Is(ClassifyHTTPStatus(400, base), base))
}
