package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/c360studio/semflow/capability"
	"github.com/nats-io/nats.go"
)

// SlackWebhook posts chat messages to a Slack incoming webhook.
type SlackWebhook struct {
	url    string
	client *http.Client
}

// NewSlackWebhook creates a messenger. A nil client uses a 5s timeout client.
func NewSlackWebhook(webhookURL string, client *http.Client) *SlackWebhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SlackWebhook{url: webhookURL, client: client}
}

// Name implements capability.Messenger.
func (s *SlackWebhook) Name() string { return "slack" }

// SendMessage implements capability.Messenger.
func (s *SlackWebhook) SendMessage(ctx context.Context, req capability.ChatMessageRequest) error {
	payload := map[string]string{"text": req.Text}
	if req.Channel != "" {
		payload["channel"] = req.Channel
	}
	if err := doJSON(ctx, s.client, http.MethodPost, s.url, payload, nil); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// ChatMessage is the payload NATSChat publishes.
type ChatMessage struct {
	Channel string    `json:"channel,omitempty"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sent_at"`
}

// NATSChat publishes chat-ops messages on a NATS subject for a bridge to deliver.
type NATSChat struct {
	conn    *nats.Conn
	subject string
}

// NewNATSChat creates a messenger publishing to subject.
func NewNATSChat(conn *nats.Conn, subject string) *NATSChat {
	if subject == "" {
		subject = "chatops.messages"
	}
	return &NATSChat{conn: conn, subject: subject}
}

// Name implements capability.Messenger.
func (n *NATSChat) Name() string { return "nats-chat" }

// SendMessage implements capability.Messenger. The publish is flushed so
// the call only succeeds once the server has the message.
func (n *NATSChat) SendMessage(ctx context.Context, req capability.ChatMessageRequest) error {
	data, err := json.Marshal(ChatMessage{Channel: req.Channel, Text: req.Text, SentAt: time.Now().UTC()})
	if err != nil {
		return capability.NewFatalError(err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return capability.NewTransientError(fmt.Errorf("publish chat message: %w", err))
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return capability.NewTransientError(fmt.Errorf("flush chat message: %w", err))
	}
	return nil
}
