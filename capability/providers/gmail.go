package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semflow/capability"
)

// Gmail serves the email capability through the Gmail API.
type Gmail struct {
	client  *http.Client
	baseURL string
	sender  string
	now     func() time.Time
}

// NewGmail creates a mailer. sender defaults to the authorized account.
func NewGmail(client *http.Client, sender, baseURL string) *Gmail {
	if baseURL == "" {
		baseURL = gmailBaseURL
	}
	if sender == "" {
		sender = "me"
	}
	return &Gmail{client: client, baseURL: baseURL, sender: sender, now: time.Now}
}

// Name implements capability.Mailer.
func (g *Gmail) Name() string { return "gmail" }

// SendEmail implements capability.Mailer.
func (g *Gmail) SendEmail(ctx context.Context, req capability.EmailRequest) error {
	if len(req.To) == 0 {
		return capability.NewFatalError(fmt.Errorf("email has no recipients"))
	}
	raw := buildRFC2822(g.sender, req.To, req.Subject, req.Body, g.now())
	payload := map[string]string{
		"raw": base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(raw)),
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := doJSON(ctx, g.client, http.MethodPost, g.baseURL+"/users/me/messages/send", payload, &out); err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	return nil
}

// buildRFC2822 renders a plain-text message.
func buildRFC2822(from string, to []string, subject, body string, date time.Time) string {
	var sb strings.Builder
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&sb, "Date: %s\r\n", date.UTC().Format(time.RFC1123Z))
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
