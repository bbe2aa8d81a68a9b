package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackSettings holds configuration for a Slack webhook notification channel.
type SlackSettings struct {
	WebhookURL string `json:"webhookUrl"`
}

// Slack sends notifications to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack creates a Slack notifier for the given webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (s *Slack) Name() string { return "slack" }

// Send posts the event as an attachment whose color bar tracks what
// happened to the fleet: red for failures and serious findings, yellow
// for machines dropping out, green for recoveries.
func (s *Slack) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(slackPayload{
		Text: formatTitle(event.Type),
		Attachments: []slackAttachment{{
			Color: slackColor(event),
			Text:  formatMessage(event),
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned %s", resp.Status)
	}
	return nil
}

func slackColor(e Event) string {
	switch {
	case e.Type == EventJobFailed || e.Type == EventCVESyncFailed:
		return "danger"
	case severityRank(e.Severity) >= severityRank("high"):
		return "danger"
	case e.Type == EventMachineOnline || e.Type == EventJobCompleted:
		return "good"
	default:
		return "warning"
	}
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color string `json:"color,omitempty"`
	Text  string `json:"text"`
}
