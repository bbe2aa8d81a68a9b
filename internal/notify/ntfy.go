package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NtfySettings holds configuration for an ntfy notification channel.
type NtfySettings struct {
	Server   string `json:"server"`
	Topic    string `json:"topic"`
	Priority int    `json:"priority"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Ntfy publishes to an ntfy topic.
type Ntfy struct {
	server   string
	topic    string
	priority int
	token    string
	username string
	password string
	client   *http.Client
}

// NewNtfy creates an ntfy notifier. Server is the base URL (e.g.
// "https://ntfy.sh"). Priority 1-5 pins every message to that ntfy
// level; 0 lets the event severity pick it.
func NewNtfy(server, topic string, priority int, token, username, password string) *Ntfy {
	return &Ntfy{
		server:   strings.TrimRight(server, "/"),
		topic:    topic,
		priority: priority,
		token:    token,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (n *Ntfy) Name() string { return "ntfy" }

// Send posts the event to the ntfy topic.
func (n *Ntfy) Send(ctx context.Context, event Event) error {
	endpoint := n.server + "/" + n.topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(formatMessage(event)))
	if err != nil {
		return fmt.Errorf("create ntfy request: %w", err)
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	} else if n.username != "" {
		req.SetBasicAuth(n.username, n.password)
	}
	req.Header.Set("X-Title", formatTitle(event.Type))
	req.Header.Set("X-Priority", strconv.Itoa(n.priorityFor(event)))
	if tags := ntfyTags(event); tags != "" {
		req.Header.Set("X-Tags", tags)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned %s", resp.Status)
	}
	return nil
}

// priorityFor maps events onto the 1-5 ntfy scale unless the channel
// pins one: urgent for failures and critical findings, high for high
// severity, default otherwise.
func (n *Ntfy) priorityFor(e Event) int {
	if n.priority > 0 {
		return n.priority
	}
	switch {
	case e.Type == EventJobFailed || e.Type == EventCVESyncFailed:
		return 5
	case severityRank(e.Severity) >= severityRank("critical"):
		return 5
	case severityRank(e.Severity) >= severityRank("high"):
		return 4
	default:
		return 3
	}
}

func ntfyTags(e Event) string {
	switch e.Type {
	case EventSecurityEvent:
		return "rotating_light"
	case EventJobFailed, EventCVESyncFailed:
		return "x"
	case EventMachineOffline:
		return "warning"
	default:
		return ""
	}
}
