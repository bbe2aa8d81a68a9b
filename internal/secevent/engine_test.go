package secevent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
	"github.com/Will-Luck/Fleet-Sentinel/internal/policy"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type auditSpy struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSpy) Record(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type notifySpy struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *notifySpy) Notify(_ context.Context, ev notify.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

func (n *notifySpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeClock, *notifySpy) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := newFakeClock()
	spy := &notifySpy{}
	eng := New(st, nil, policy.Default(), events.NewBus(), &auditSpy{}, spy, clk, logging.New(false, "error"))
	return eng, st, clk, spy
}

func openEvents(t *testing.T, st *store.Store, machineID string) []*fleet.SecurityEvent {
	t.Helper()
	evs, err := st.ListSecurityEvents(machineID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evs
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		ev   fleet.ReportedEvent
		want string
	}{
		{"failed auth keys on source ip", fleet.ReportedEvent{Type: "failed_auth", SourceIP: "10.0.0.5", Message: "x"}, "failed_auth:10.0.0.5"},
		{"integrity keys on path", fleet.ReportedEvent{Type: "integrity", Path: "/etc/passwd", Message: "changed"}, "integrity:/etc/passwd"},
		{"integrity falls back to target path", fleet.ReportedEvent{Type: "integrity", TargetPath: "/etc/shadow"}, "integrity:/etc/shadow"},
		{"drift prefers target path", fleet.ReportedEvent{Type: "drift", TargetPath: "/opt/app", Message: "m"}, "drift:/opt/app"},
		{"drift falls back to message", fleet.ReportedEvent{Type: "drift", Message: "config drift"}, "drift:config drift"},
		{"default is type plus message", fleet.ReportedEvent{Type: "port_change", Message: "22 closed"}, "port_change:22 closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.ev); got != tt.want {
				t.Errorf("Fingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDuplicateEventsFoldIntoOneRow(t *testing.T) {
	eng, st, clk, _ := newTestEngine(t)

	ev := fleet.ReportedEvent{Type: "failed_auth", SourceIP: "10.0.0.5", Message: "failed ssh login"}
	eng.HandleEvent("m1", ev)
	first := openEvents(t, st, "m1")
	if len(first) != 1 {
		t.Fatalf("events after first arrival = %d, want 1", len(first))
	}

	clk.Advance(time.Minute)
	eng.HandleEvent("m1", ev)

	rows := openEvents(t, st, "m1")
	if len(rows) != 1 {
		t.Fatalf("events after duplicate = %d, want 1", len(rows))
	}
	if rows[0].Count != 2 {
		t.Errorf("count = %d, want 2", rows[0].Count)
	}
	if rows[0].Status != fleet.EventOpen {
		t.Errorf("status = %s, want open", rows[0].Status)
	}
	if !rows[0].UpdatedAt.After(rows[0].CreatedAt) {
		t.Error("updatedAt did not advance past createdAt")
	}
}

func TestResolutionIsPreserved(t *testing.T) {
	eng, st, clk, _ := newTestEngine(t)

	ev := fleet.ReportedEvent{Type: "failed_auth", SourceIP: "10.0.0.5", Message: "failed ssh login"}
	eng.HandleEvent("m1", ev)

	if _, err := eng.ResolveAll("m1", audit.Entry{UserID: "u1"}); err != nil {
		t.Fatalf("resolve all: %v", err)
	}

	// The same fingerprint arriving again must not reopen the row.
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		eng.HandleEvent("m1", ev)
	}

	rows := openEvents(t, st, "m1")
	if len(rows) != 1 {
		t.Fatalf("events = %d, want 1", len(rows))
	}
	if rows[0].Status != fleet.EventResolved {
		t.Errorf("status = %s, want resolved", rows[0].Status)
	}
	if rows[0].ResolvedAt == nil {
		t.Error("resolvedAt was cleared")
	}
	if rows[0].Count != 4 {
		t.Errorf("count = %d, want 4", rows[0].Count)
	}
}

func TestIntegrityCooldownSuppressesRepeats(t *testing.T) {
	eng, st, clk, _ := newTestEngine(t)

	ev := fleet.ReportedEvent{Type: "integrity", Path: "/etc/nginx/nginx.conf", Message: "file changed"}
	eng.HandleEvent("m1", ev)

	// Within the direct-path window: suppressed.
	clk.Advance(10 * time.Minute)
	eng.HandleEvent("m1", ev)
	rows := openEvents(t, st, "m1")
	if rows[0].Count != 1 {
		t.Fatalf("count inside cooldown = %d, want 1", rows[0].Count)
	}

	// Past the window: folded in.
	clk.Advance(25 * time.Minute)
	eng.HandleEvent("m1", ev)
	rows = openEvents(t, st, "m1")
	if rows[0].Count != 2 {
		t.Errorf("count past cooldown = %d, want 2", rows[0].Count)
	}
}

func TestScanPathUsesShorterCooldown(t *testing.T) {
	eng, st, clk, _ := newTestEngine(t)

	ev := fleet.ReportedEvent{Type: "integrity", Path: "/etc/hosts", Message: "file changed"}
	eng.HandleScanFindings("m1", []fleet.ReportedEvent{ev})

	// 20 minutes is inside the direct window but past the scan window.
	clk.Advance(20 * time.Minute)
	eng.HandleScanFindings("m1", []fleet.ReportedEvent{ev})

	rows := openEvents(t, st, "m1")
	if rows[0].Count != 2 {
		t.Errorf("count = %d, want 2 (scan cooldown is 15m)", rows[0].Count)
	}
}

func TestDeniedIntegrityPathsAreDiscarded(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	eng.HandleEvent("m1", fleet.ReportedEvent{Type: "integrity", Path: "/var/log/syslog", Message: "churn"})
	eng.HandleEvent("m1", fleet.ReportedEvent{Type: "integrity", Path: "/var/lib/docker/containers/abc/x.log"})

	if rows := openEvents(t, st, "m1"); len(rows) != 0 {
		t.Errorf("denied paths produced %d rows, want 0", len(rows))
	}
}

func TestIntegritySeverityFollowsPath(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	eng.HandleEvent("m1", fleet.ReportedEvent{Type: "integrity", Path: "/etc/passwd", Message: "changed"})
	eng.HandleEvent("m1", fleet.ReportedEvent{Type: "integrity", Path: "/srv/app/config", Message: "changed"})
	eng.HandleEvent("m1", fleet.ReportedEvent{Type: "integrity", Path: "/data/scratch/file", Message: "changed"})

	want := map[string]fleet.Severity{
		"/etc/passwd":     fleet.SeverityHigh,
		"/srv/app/config": fleet.SeverityMedium,
		"/data/scratch/file": fleet.SeverityLow,
	}
	for _, row := range openEvents(t, st, "m1") {
		if row.Severity != want[row.Path] {
			t.Errorf("severity for %s = %s, want %s", row.Path, row.Severity, want[row.Path])
		}
	}
}

func TestHighSeverityInsertNotifies(t *testing.T) {
	eng, _, clk, spy := newTestEngine(t)

	ev := fleet.ReportedEvent{Type: "integrity", Path: "/etc/shadow", Message: "changed"}
	eng.HandleEvent("m1", ev)
	if spy.count() != 1 {
		t.Fatalf("notifications after insert = %d, want 1", spy.count())
	}

	// Updates to the same row do not re-notify.
	clk.Advance(time.Hour)
	eng.HandleEvent("m1", ev)
	if spy.count() != 1 {
		t.Errorf("notifications after update = %d, want 1", spy.count())
	}
}

func TestVulnerabilitySummaryLifecycle(t *testing.T) {
	eng, st, clk, _ := newTestEngine(t)

	eng.RecordVulnerabilitySummary("m1", map[fleet.Severity]int{fleet.SeverityHigh: 2, fleet.SeverityLow: 1}, 3)
	rows := openEvents(t, st, "m1")
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Severity != fleet.SeverityHigh {
		t.Errorf("severity = %s, want high", rows[0].Severity)
	}
	id := rows[0].ID

	// Identity is kept across recomputes.
	clk.Advance(time.Hour)
	eng.RecordVulnerabilitySummary("m1", map[fleet.Severity]int{fleet.SeverityCritical: 1}, 1)
	rows = openEvents(t, st, "m1")
	if len(rows) != 1 || rows[0].ID != id {
		t.Fatalf("recompute changed row identity")
	}
	if rows[0].Severity != fleet.SeverityCritical {
		t.Errorf("severity = %s, want critical", rows[0].Severity)
	}

	// Zero matches resolve the open row.
	clk.Advance(time.Hour)
	eng.RecordVulnerabilitySummary("m1", nil, 0)
	rows = openEvents(t, st, "m1")
	if rows[0].Status != fleet.EventResolved {
		t.Errorf("status after zero matches = %s, want resolved", rows[0].Status)
	}
}

func TestResolvePartial(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	eng.HandleEvent("m1", fleet.ReportedEvent{Type: "failed_auth", SourceIP: "10.0.0.1", Message: "a"})
	eng.HandleEvent("m1", fleet.ReportedEvent{Type: "failed_auth", SourceIP: "10.0.0.2", Message: "b"})

	all := openEvents(t, st, "m1")
	if len(all) != 2 {
		t.Fatalf("rows = %d, want 2", len(all))
	}

	resolved, err := eng.Resolve("m1", []string{all[0].ID}, audit.Entry{UserID: "u1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d, want 1", len(resolved))
	}

	still, err := st.ListSecurityEvents("m1", fleet.EventOpen)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(still) != 1 {
		t.Errorf("open rows after partial resolve = %d, want 1", len(still))
	}
}
