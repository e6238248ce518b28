package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/c360studio/semflow/capability"
	"golang.org/x/oauth2"
)

// Google endpoints. Overridable in GoogleConfig for tests.
const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	calendarBaseURL   = "https://www.googleapis.com/calendar/v3"
	gmailBaseURL      = "https://gmail.googleapis.com/gmail/v1"
	scopeCalendar     = "https://www.googleapis.com/auth/calendar"
	scopeGmailSend    = "https://www.googleapis.com/auth/gmail.send"
	maxErrorBodyBytes = 500
)

// GoogleConfig holds OAuth credentials shared by the Google providers.
// A refresh token is exchanged for access tokens as needed.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// TokenURL overrides the OAuth token endpoint.
	TokenURL string
}

// HTTPClient returns an http.Client that authorizes requests with tokens
// refreshed from the configured refresh token.
func (c GoogleConfig) HTTPClient(ctx context.Context) *http.Client {
	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   googleAuthURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{scopeCalendar, scopeGmailSend},
	}
	return conf.Client(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
}

// doJSON sends a JSON request and decodes a JSON response into out. Non-2xx
// statuses are returned as *apiError classified by capability.ClassifyHTTPStatus.
func doJSON(ctx context.Context, client *http.Client, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return capability.NewFatalError(fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return capability.NewFatalError(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return capability.NewTransientError(fmt.Errorf("%s %s: %w", method, url, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return capability.NewTransientError(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode, Body: truncate(string(respBody), maxErrorBodyBytes)}
		return capability.ClassifyHTTPStatus(resp.StatusCode, apiErr)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return capability.NewFatalError(fmt.Errorf("parse response: %w", err))
		}
	}
	return nil
}

// apiError is a non-2xx response from a Google API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("google API error %d: %s", e.Status, e.Body)
}

func statusOf(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
