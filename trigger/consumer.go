// Package trigger drives workflows from advance requests published on a
// JetStream subject. Each message merges the facts from one chat turn into
// a workflow and drives it until it needs input, fails or finishes.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/executor"
	"github.com/c360studio/semflow/workflow"
)

// Advancer is the subset of the executor the consumer needs.
type Advancer interface {
	ProvideInput(ctx context.Context, id string, partial workflow.Context) (*workflow.Instance, error)
	Drive(ctx context.Context, id string, maxSteps int) (executor.StepResult, int, error)
}

// Config configures the consumer.
type Config struct {
	Stream   string
	Subject  string
	Consumer string
	MaxSteps int

	// AckWait bounds one Drive; it must cover the slowest provider call
	// times the step count.
	AckWait    time.Duration
	MaxDeliver int
	// RetryDelay is the redelivery delay for busy or held workflows.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = workflow.AdvanceSubject
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = executor.DefaultMaxSteps
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Stats counts handled messages.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// Consumer pulls advance requests from JetStream.
type Consumer struct {
	js     jetstream.JetStream
	adv    Advancer
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	consumer jetstream.Consumer
	cancel   context.CancelFunc
	done     chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a Consumer. Call Start to begin consuming.
func New(js jetstream.JetStream, adv Advancer, cfg Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		js:     js,
		adv:    adv,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Start ensures the stream and durable consumer exist and starts the
// consume loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("trigger consumer already running")
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", c.cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.Consumer,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.consumeLoop(loopCtx)

	c.logger.Info("trigger consumer started",
		"stream", c.cfg.Stream,
		"consumer", c.cfg.Consumer,
		"subject", c.cfg.Subject)
	return nil
}

// Stop ends the consume loop and waits for the in-flight message.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("trigger consumer stopped")
}

// Stats returns message counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
	}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			c.logger.Warn("Message fetch error", "error", err)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	p, err := workflow.ParseAdvancePayload(msg.Data())
	if err != nil {
		c.failed.Add(1)
		c.logger.Error("Malformed advance request", "error", err)
		// malformed data is never retryable
		_ = msg.Term()
		return
	}
	log := c.logger.With("workflow_id", p.WorkflowID, "request_id", p.RequestID)

	if len(p.Context) > 0 {
		if _, err := c.adv.ProvideInput(ctx, p.WorkflowID, p.Context); err != nil {
			c.settleError(msg, log, "merge context", err)
			return
		}
	}

	maxSteps := c.cfg.MaxSteps
	if p.MaxSteps > 0 {
		maxSteps = min(p.MaxSteps, c.cfg.MaxSteps)
	}
	res, steps, err := c.adv.Drive(ctx, p.WorkflowID, maxSteps)
	if err != nil {
		c.settleError(msg, log, "drive", err)
		return
	}

	log.Info("Advance request processed",
		"steps", steps,
		"status", res.Status,
		"requires_input", res.RequiresInput,
		"missing", res.MissingData,
		"error", res.Error)

	// redelivering a held step would spin until MaxDeliver and strand the
	// workflow; the next advance request resumes it instead
	if res.Retryable && !res.Done() {
		log.Warn("Workflow held after transient failure; left for the next advance request",
			"task_id", res.TaskID)
	}

	c.processed.Add(1)
	if err := msg.Ack(); err != nil {
		log.Warn("Failed to ACK message", "error", err)
	}
}

// settleError acks, naks or terminates msg depending on err.
func (c *Consumer) settleError(msg jetstream.Msg, log *slog.Logger, op string, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.Is(err, executor.ErrBusy):
		c.retried.Add(1)
		log.Debug("Workflow busy, redelivering", "op", op)
		if nakErr := msg.NakWithDelay(c.cfg.RetryDelay); nakErr != nil {
			log.Warn("Failed to NAK message", "error", nakErr)
		}
	case errors.Is(err, executor.ErrNotFound),
		errors.Is(err, executor.ErrTerminal),
		errors.As(err, &verr):
		c.failed.Add(1)
		log.Warn("Advance request rejected", "op", op, "error", err)
		_ = msg.Term()
	default:
		c.failed.Add(1)
		log.Error("Advance request failed", "op", op, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			log.Warn("Failed to NAK message", "error", nakErr)
		}
	}
}

// Send publishes an advance request and waits for the stream ack.
func Send(ctx context.Context, js jetstream.JetStream, subject string, p workflow.AdvancePayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if subject == "" {
		subject = workflow.AdvanceSubject
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal advance payload: %w", err)
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish advance request: %w", err)
	}
	return nil
}
