package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PushoverSettings holds configuration for a Pushover notification channel.
type PushoverSettings struct {
	AppToken string `json:"appToken"`
	UserKey  string `json:"userKey"`
}

// Pushover sends notifications via the Pushover API.
type Pushover struct {
	appToken string
	userKey  string
	client   *http.Client
}

// NewPushover creates a Pushover notifier for the given application token and user key.
func NewPushover(appToken, userKey string) *Pushover {
	return &Pushover{
		appToken: appToken,
		userKey:  userKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (p *Pushover) Name() string { return "pushover" }

// Send posts a notification message to the Pushover API.
func (p *Pushover) Send(ctx context.Context, event Event) error {
	endpoint := "https://api.pushover.net/1/messages.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(p.form(event).Encode()))
	if err != nil {
		return fmt.Errorf("create pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send pushover request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pushover returned %s", resp.Status)
	}
	return nil
}

// form builds the message fields. Failures and serious findings go out
// as high priority so they bypass the user's quiet hours; the event
// time pins the notification timestamp when the send was delayed.
func (p *Pushover) form(event Event) url.Values {
	form := url.Values{
		"token":   {p.appToken},
		"user":    {p.userKey},
		"title":   {formatTitle(event.Type)},
		"message": {formatMessage(event)},
	}
	if event.Type == EventJobFailed || event.Type == EventCVESyncFailed ||
		severityRank(event.Severity) >= severityRank("high") {
		form.Set("priority", "1")
	}
	if !event.Timestamp.IsZero() {
		form.Set("timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	}
	return form
}
