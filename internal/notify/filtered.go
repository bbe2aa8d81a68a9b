package notify

import "context"

// severityRank orders severities for threshold filtering. Unrecognized
// values rank lowest so they are only delivered by unfiltered channels.
func severityRank(s string) int {
	switch s {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

// filteredNotifier wraps a Notifier and only forwards events whose type
// matches the allowed set and whose severity meets the floor. An empty
// allowed set passes all types; an empty floor passes all severities.
type filteredNotifier struct {
	inner       Notifier
	allowed     map[EventType]struct{}
	minSeverity string
}

// newFilteredNotifier creates a notifier that only forwards events matching
// the given event type strings and minimum severity.
func newFilteredNotifier(inner Notifier, events []string, minSeverity string) *filteredNotifier {
	allowed := make(map[EventType]struct{}, len(events))
	for _, e := range events {
		allowed[EventType(e)] = struct{}{}
	}
	return &filteredNotifier{inner: inner, allowed: allowed, minSeverity: minSeverity}
}

// Name returns the name of the wrapped notifier.
func (f *filteredNotifier) Name() string { return f.inner.Name() }

// Send forwards the event to the inner notifier only if it passes the
// type and severity filters.
func (f *filteredNotifier) Send(ctx context.Context, event Event) error {
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[event.Type]; !ok {
			return nil
		}
	}
	if f.minSeverity != "" && severityRank(event.Severity) < severityRank(f.minSeverity) {
		return nil
	}
	return f.inner.Send(ctx, event)
}
