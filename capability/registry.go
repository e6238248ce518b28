package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/workflow"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 10 * time.Second

// Registry is a Manager that routes actions to optional providers, bounding
// each call with a timeout and guarding each provider with a circuit breaker.
type Registry struct {
	calendar  CalendarProvider
	messenger Messenger
	mailer    Mailer

	timeout time.Duration
	health  *HealthTracker
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithCalendar sets the calendar provider.
func WithCalendar(p CalendarProvider) Option {
	return func(r *Registry) { r.calendar = p }
}

// WithMessenger sets the chat provider.
func WithMessenger(p Messenger) Option {
	return func(r *Registry) { r.messenger = p }
}

// WithMailer sets the email provider.
func WithMailer(p Mailer) Option {
	return func(r *Registry) { r.mailer = p }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithHealthConfig sets the circuit breaker configuration.
func WithHealthConfig(cfg HealthConfig) Option {
	return func(r *Registry) { r.health = NewHealthTracker(cfg, metrics.SetCircuitOpen) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry. Providers left unset make their
// capability unavailable.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		timeout: DefaultTimeout,
		health:  NewHealthTracker(DefaultHealthConfig(), metrics.SetCircuitOpen),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasCapability reports whether a provider is configured for name.
func (r *Registry) HasCapability(name Capability) bool {
	return r.providerName(name) != ""
}

// Health returns the health of every provider called so far.
func (r *Registry) Health() map[string]ProviderHealth {
	return r.health.Snapshot()
}

func (r *Registry) providerName(name Capability) string {
	switch name {
	case Calendar:
		if r.calendar != nil {
			return r.calendar.Name()
		}
	case Chat:
		if r.messenger != nil {
			return r.messenger.Name()
		}
	case Email:
		if r.mailer != nil {
			return r.mailer.Name()
		}
	}
	return ""
}

type callResult struct {
	res Result
	err error
}

// Execute routes action to its provider.
//
// A returned error means the call did not produce a provider verdict: the
// capability is not configured, the circuit is open, the call timed out or
// the provider failed. Business failures such as booking conflicts come
// back as a Result with Success=false.
func (r *Registry) Execute(ctx context.Context, action Action) (Result, error) {
	capName, ok := ForAction(action.Type)
	if !ok {
		return Result{}, NewFatalError(fmt.Errorf("%w: %s", ErrUnknownAction, action.Type))
	}
	provider := r.providerName(capName)
	if provider == "" {
		metrics.RecordCapabilityCall("none", string(action.Type), "unavailable", 0)
		return Result{}, NewFatalError(fmt.Errorf("%w: %s", ErrUnavailable, capName))
	}
	if !r.health.Allow(provider) {
		metrics.RecordCapabilityCall(provider, string(action.Type), "unavailable", 0)
		return Result{}, NewTransientError(fmt.Errorf("%s: %w", provider, ErrCircuitOpen))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		res, err := r.dispatch(callCtx, action)
		done <- callResult{res, err}
	}()

	var out callResult
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}
	elapsed := time.Since(start)

	if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
		out.err = NewTransientError(fmt.Errorf("%s %s timed out after %s", provider, action.Type, r.timeout))
	}

	switch {
	case out.err == nil:
		r.health.MarkSuccess(provider)
		outcome := "success"
		if !out.res.Success {
			outcome = "failure"
		}
		metrics.RecordCapabilityCall(provider, string(action.Type), outcome, elapsed.Seconds())
	case IsFatal(out.err):
		metrics.RecordCapabilityCall(provider, string(action.Type), "failure", elapsed.Seconds())
	default:
		r.health.MarkFailure(provider, out.err)
		metrics.RecordCapabilityCall(provider, string(action.Type), "transient", elapsed.Seconds())
	}

	if out.err != nil {
		r.logger.Warn("Capability call failed",
			"provider", provider,
			"action", action.Type,
			"duration", elapsed,
			"transient", IsTransient(out.err),
			"error", out.err)
	} else {
		r.logger.Debug("Capability call finished",
			"provider", provider,
			"action", action.Type,
			"duration", elapsed,
			"success", out.res.Success)
	}
	return out.res, out.err
}

func (r *Registry) dispatch(ctx context.Context, action Action) (Result, error) {
	switch action.Type {
	case workflow.ActionCheckAvailability:
		var req CheckAvailabilityRequest
		if err := decodePayload(action, &req); err != nil {
			return Result{}, err
		}
		resp, err := r.calendar.CheckAvailability(ctx, req)
		if err != nil {
			return Result{}, err
		}
		return encodeResult(true, "", resp)

	case workflow.ActionScheduleMeeting:
		var req ScheduleMeetingRequest
		if err := decodePayload(action, &req); err != nil {
			return Result{}, err
		}
		resp, err := r.calendar.ScheduleMeeting(ctx, req)
		if err != nil {
			return Result{}, err
		}
		return bookingResult(resp)

	case workflow.ActionUpdateMeeting:
		var req UpdateMeetingRequest
		if err := decodePayload(action, &req); err != nil {
			return Result{}, err
		}
		resp, err := r.calendar.UpdateMeeting(ctx, req)
		if err != nil {
			return Result{}, err
		}
		return bookingResult(resp)

	case workflow.ActionCancelMeeting:
		var req CancelMeetingRequest
		if err := decodePayload(action, &req); err != nil {
			return Result{}, err
		}
		if err := r.calendar.CancelMeeting(ctx, req); err != nil {
			return Result{}, err
		}
		return Result{Success: true}, nil

	case workflow.ActionSendChatMessage:
		var req ChatMessageRequest
		if err := decodePayload(action, &req); err != nil {
			return Result{}, err
		}
		if err := r.messenger.SendMessage(ctx, req); err != nil {
			return Result{}, err
		}
		return Result{Success: true}, nil

	case workflow.ActionSendEmail:
		var req EmailRequest
		if err := decodePayload(action, &req); err != nil {
			return Result{}, err
		}
		if err := r.mailer.SendEmail(ctx, req); err != nil {
			return Result{}, err
		}
		return Result{Success: true}, nil

	default:
		return Result{}, NewFatalError(fmt.Errorf("%w: %s", ErrUnknownAction, action.Type))
	}
}

func bookingResult(resp ScheduleMeetingResponse) (Result, error) {
	switch {
	case len(resp.Conflicts) > 0:
		return encodeResult(false, "conflicts with "+DescribeConflicts(resp.Conflicts), resp)
	case !resp.Success:
		return encodeResult(false, "provider declined the booking", resp)
	default:
		return encodeResult(true, "", resp)
	}
}

func decodePayload(action Action, v any) error {
	if err := json.Unmarshal(action.Payload, v); err != nil {
		return NewFatalError(fmt.Errorf("decode %s payload: %w", action.Type, err))
	}
	return nil
}

func encodeResult(success bool, msg string, data any) (Result, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{}, NewFatalError(fmt.Errorf("encode result: %w", err))
	}
	return Result{Success: success, Data: raw, Error: msg}, nil
}
