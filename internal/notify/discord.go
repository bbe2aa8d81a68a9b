package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordSettings holds configuration for a Discord webhook notification channel.
type DiscordSettings struct {
	WebhookURL string `json:"webhookUrl"`
}

// Discord sends notifications to a Discord webhook.
type Discord struct {
	webhookURL string
	client     *http.Client
}

// NewDiscord creates a Discord notifier for the given webhook URL.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (d *Discord) Name() string { return "discord" }

// Send posts the event as an embed; the strip color carries the same
// severity signal as the Slack attachment bar.
func (d *Discord) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(discordPayload{
		Embeds: []discordEmbed{{
			Title:       formatTitle(event.Type),
			Description: formatMessage(event),
			Color:       discordColor(event),
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned %s", resp.Status)
	}
	return nil
}

const (
	discordRed   = 0xcc3333
	discordAmber = 0xe6b800
	discordGreen = 0x2eb886
)

func discordColor(e Event) int {
	switch {
	case e.Type == EventJobFailed || e.Type == EventCVESyncFailed:
		return discordRed
	case severityRank(e.Severity) >= severityRank("high"):
		return discordRed
	case e.Type == EventMachineOnline || e.Type == EventJobCompleted:
		return discordGreen
	default:
		return discordAmber
	}
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
}
