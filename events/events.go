// Package events publishes workflow transition events on NATS subjects
// under "workflow.events.<entity>.<action>".
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semflow/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream capturing workflow events.
const StreamName = "SEMFLOW_EVENTS"

// Publisher delivers encoded events to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Publish encodes payload and publishes it on subj.
func Publish[T any](ctx context.Context, p Publisher, subj workflow.Subject[T], payload T) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subj.Pattern, err)
	}
	return p.Publish(ctx, subj.Pattern, data)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, []byte) error { return nil }

// NATSPublisher publishes events to a JetStream stream so late subscribers
// can replay a workflow's history.
type NATSPublisher struct {
	js      jetstream.JetStream
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSPublisher ensures the events stream exists and returns a publisher.
func NewNATSPublisher(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Semflow workflow transition events",
		Subjects:    []string{workflow.EventsPrefix + ".>"},
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create events stream: %w", err)
	}
	return &NATSPublisher{js: js, timeout: 5 * time.Second, logger: logger}, nil
}

// Publish implements Publisher. It waits for the stream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.logger.Warn("Event publish failed", "subject", subject, "error", err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Message is an event captured by Recorder.
type Message struct {
	Subject string
	Data    []byte
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// Messages returns recorded events in publish order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Subjects returns the subjects of recorded events in publish order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Subject
	}
	return out
}
