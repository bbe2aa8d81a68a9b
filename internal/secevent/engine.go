// Package secevent deduplicates security findings reported by agents.
// Every finding collapses onto a fingerprint; repeated arrivals update
// the existing row instead of inserting a new one, integrity noise is
// cooled down and filtered, and a user's resolution is never silently
// reopened by a repeat of the same finding.
package secevent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
	"github.com/Will-Luck/Fleet-Sentinel/internal/policy"
)

const (
	// Integrity findings repeat on every sweep of an unchanged file.
	// Open rows younger than the window absorb the repeat silently;
	// the scan path uses the shorter window because scans batch many
	// findings at once.
	directCooldown = 30 * time.Minute
	scanCooldown   = 15 * time.Minute

	// VulnerabilityFingerprint keys the per-machine aggregate row the
	// CVE matcher maintains.
	VulnerabilityFingerprint = "vulnerability:summary"
)

// Store is the persistence surface the engine needs.
type Store interface {
	UpsertEventByFingerprint(machineID, eventType, fingerprint string, decide func(existing *fleet.SecurityEvent) (*fleet.SecurityEvent, bool)) (*fleet.SecurityEvent, bool, error)
	ResolveSecurityEvents(machineID string, ids []string, now time.Time) ([]string, error)
	ResolveAllSecurityEvents(machineID string, now time.Time) ([]string, error)
	OpenEventCounts(machineID string) (map[fleet.Severity]int, error)
}

// CountsSink receives the refreshed open-event tally per machine.
type CountsSink interface {
	SetOpenEvents(machineID string, counts map[fleet.Severity]int)
}

// Notifier forwards high-impact findings to external channels.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) bool
}

// Auditor records resolutions.
type Auditor interface {
	Record(e audit.Entry)
}

// Engine is the deduplication and cooldown pipeline.
type Engine struct {
	store  Store
	counts CountsSink
	policy *policy.Policy
	bus    *events.Bus
	audit  Auditor
	notify Notifier
	clk    clock.Clock
	log    *logging.Logger
}

func New(store Store, counts CountsSink, pol *policy.Policy, bus *events.Bus, rec Auditor, n Notifier, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{
		store:  store,
		counts: counts,
		policy: pol,
		bus:    bus,
		audit:  rec,
		notify: n,
		clk:    clk,
		log:    log,
	}
}

// Fingerprint derives the canonical identity of a finding, so repeats
// of the same underlying issue collapse onto one row.
func Fingerprint(ev fleet.ReportedEvent) string {
	switch ev.Type {
	case "failed_auth":
		return "failed_auth:" + ev.SourceIP
	case "integrity":
		return "integrity:" + eventPath(ev)
	case "drift":
		if ev.TargetPath != "" {
			return "drift:" + ev.TargetPath
		}
		return "drift:" + ev.Message
	default:
		return ev.Type + ":" + ev.Message
	}
}

func eventPath(ev fleet.ReportedEvent) string {
	if ev.Path != "" {
		return ev.Path
	}
	return ev.TargetPath
}

// HandleEvent ingests one finding from the direct path: an agent event
// frame or the HTTP fallback endpoint.
func (e *Engine) HandleEvent(machineID string, ev fleet.ReportedEvent) {
	e.process(machineID, ev, directCooldown)
}

// HandleScanFindings ingests the findings embedded in a scan report.
func (e *Engine) HandleScanFindings(machineID string, findings []fleet.ReportedEvent) {
	for _, ev := range findings {
		e.process(machineID, ev, scanCooldown)
	}
}

func (e *Engine) process(machineID string, ev fleet.ReportedEvent, cooldown time.Duration) {
	if ev.Type == "" || ev.Type == "integrity" && eventPath(ev) == "" && ev.Message == "" {
		e.log.Debug("dropping empty security event", "machine", machineID)
		return
	}
	if ev.Type == "integrity" && e.policy.DeniedIntegrityPath(eventPath(ev)) {
		e.log.Debug("integrity path denied", "machine", machineID, "path", eventPath(ev))
		return
	}

	severity := e.classify(ev)
	fingerprint := Fingerprint(ev)
	now := e.clk.Now().UTC()

	saved, inserted, err := e.store.UpsertEventByFingerprint(machineID, ev.Type, fingerprint,
		func(existing *fleet.SecurityEvent) (*fleet.SecurityEvent, bool) {
			if existing == nil {
				return &fleet.SecurityEvent{
					ID:          uuid.NewString(),
					MachineID:   machineID,
					Type:        ev.Type,
					Severity:    severity,
					Message:     ev.Message,
					Fingerprint: fingerprint,
					Path:        eventPath(ev),
					SourceIP:    ev.SourceIP,
					Details:     ev.Details,
					Status:      fleet.EventOpen,
					Count:       1,
					CreatedAt:   now,
					UpdatedAt:   now,
				}, true
			}

			if ev.Type == "integrity" && existing.Status == fleet.EventOpen &&
				now.Sub(existing.UpdatedAt) < cooldown {
				return nil, false
			}

			// Status is preserved whatever it is: a resolved or acked row
			// records the repeat but stays where the user put it.
			row := *existing
			row.Severity = severity
			row.Message = ev.Message
			row.Path = eventPath(ev)
			row.SourceIP = ev.SourceIP
			if ev.Details != nil {
				row.Details = ev.Details
			}
			row.Count++
			row.UpdatedAt = now
			return &row, true
		})
	if err != nil {
		e.log.Error("security event upsert failed", "machine", machineID, "type", ev.Type, "error", err)
		return
	}
	if saved == nil || saved.UpdatedAt != now {
		// Cooldown suppressed the arrival.
		return
	}

	metrics.SecurityEvents.WithLabelValues(saved.Type).Inc()
	e.broadcast(saved)
	e.refreshCounts(machineID)

	if inserted && (saved.Severity == fleet.SeverityHigh || saved.Severity == fleet.SeverityCritical) && e.notify != nil {
		e.notify.Notify(context.Background(), notify.Event{
			Type:      notify.EventSecurityEvent,
			MachineID: machineID,
			Severity:  string(saved.Severity),
			Message:   fmt.Sprintf("%s: %s", saved.Type, saved.Message),
			Timestamp: now,
		})
	}
}

// classify grades a finding. Integrity severity comes from where the
// change happened; everything else trusts the agent's grade when it
// parses and falls back per type.
func (e *Engine) classify(ev fleet.ReportedEvent) fleet.Severity {
	if ev.Type == "integrity" {
		return e.policy.IntegritySeverity(eventPath(ev))
	}
	switch fleet.Severity(ev.Severity) {
	case fleet.SeverityCritical, fleet.SeverityHigh, fleet.SeverityMedium, fleet.SeverityLow:
		return fleet.Severity(ev.Severity)
	}
	if ev.Type == "failed_auth" {
		return fleet.SeverityMedium
	}
	return fleet.SeverityLow
}

// RecordVulnerabilitySummary maintains the per-machine aggregate row
// the CVE matcher emits after every recompute. An existing open row is
// updated in place; zero matches resolve it.
func (e *Engine) RecordVulnerabilitySummary(machineID string, counts map[fleet.Severity]int, total int) {
	now := e.clk.Now().UTC()
	severity := summarySeverity(counts)
	message := fmt.Sprintf("%d known vulnerabilities affect installed packages (critical %d, high %d, medium %d, low %d)",
		total,
		counts[fleet.SeverityCritical], counts[fleet.SeverityHigh],
		counts[fleet.SeverityMedium], counts[fleet.SeverityLow])

	saved, _, err := e.store.UpsertEventByFingerprint(machineID, "vulnerability", VulnerabilityFingerprint,
		func(existing *fleet.SecurityEvent) (*fleet.SecurityEvent, bool) {
			if total == 0 {
				if existing == nil || existing.Status == fleet.EventResolved {
					return nil, false
				}
				row := *existing
				row.Status = fleet.EventResolved
				row.UpdatedAt = now
				t := now
				row.ResolvedAt = &t
				return &row, true
			}

			if existing == nil {
				return &fleet.SecurityEvent{
					ID:          uuid.NewString(),
					MachineID:   machineID,
					Type:        "vulnerability",
					Severity:    severity,
					Message:     message,
					Fingerprint: VulnerabilityFingerprint,
					Details:     summaryDetails(counts, total),
					Status:      fleet.EventOpen,
					Count:       1,
					CreatedAt:   now,
					UpdatedAt:   now,
				}, true
			}
			row := *existing
			row.Severity = severity
			row.Message = message
			row.Details = summaryDetails(counts, total)
			row.Count++
			row.UpdatedAt = now
			if row.Status == fleet.EventResolved {
				// New matches after a resolution are a new situation.
				row.Status = fleet.EventOpen
				row.ResolvedAt = nil
			}
			return &row, true
		})
	if err != nil {
		e.log.Error("vulnerability summary upsert failed", "machine", machineID, "error", err)
		return
	}
	if saved == nil || saved.UpdatedAt != now {
		return
	}

	metrics.SecurityEvents.WithLabelValues("vulnerability").Inc()
	e.broadcast(saved)
	e.refreshCounts(machineID)
}

func summarySeverity(counts map[fleet.Severity]int) fleet.Severity {
	for _, sev := range []fleet.Severity{
		fleet.SeverityCritical, fleet.SeverityHigh,
		fleet.SeverityMedium, fleet.SeverityLow,
	} {
		if counts[sev] > 0 {
			return sev
		}
	}
	return fleet.SeverityLow
}

func summaryDetails(counts map[fleet.Severity]int, total int) map[string]any {
	return map[string]any{
		"critical": counts[fleet.SeverityCritical],
		"high":     counts[fleet.SeverityHigh],
		"medium":   counts[fleet.SeverityMedium],
		"low":      counts[fleet.SeverityLow],
		"total":    total,
	}
}

// ResolveAll flips every open and acked event on a machine to resolved.
func (e *Engine) ResolveAll(machineID string, actor audit.Entry) ([]string, error) {
	ids, err := e.store.ResolveAllSecurityEvents(machineID, e.clk.Now().UTC())
	if err != nil {
		return nil, err
	}
	e.finishResolve(machineID, ids, actor)
	return ids, nil
}

// Resolve flips the listed events to resolved; already-resolved ids
// are skipped.
func (e *Engine) Resolve(machineID string, ids []string, actor audit.Entry) ([]string, error) {
	resolved, err := e.store.ResolveSecurityEvents(machineID, ids, e.clk.Now().UTC())
	if err != nil {
		return nil, err
	}
	e.finishResolve(machineID, resolved, actor)
	return resolved, nil
}

func (e *Engine) finishResolve(machineID string, ids []string, actor audit.Entry) {
	if len(ids) == 0 {
		return
	}
	actor.Action = audit.ActionEventsResolved
	actor.MachineID = machineID
	actor.Details = map[string]any{"count": len(ids)}
	e.audit.Record(actor)

	e.bus.Publish(events.Message{
		Type:      fleet.FrameSecurityEventsResolved,
		MachineID: machineID,
		Payload: &fleet.SecurityEventsResolvedFrame{
			Type:      fleet.FrameSecurityEventsResolved,
			MachineID: machineID,
			EventIDs:  ids,
		},
	})
	e.refreshCounts(machineID)
}

func (e *Engine) broadcast(ev *fleet.SecurityEvent) {
	e.bus.Publish(events.Message{
		Type:      fleet.FrameSecurityEvent,
		MachineID: ev.MachineID,
		Payload:   &fleet.SecurityEventFrame{Type: fleet.FrameSecurityEvent, Event: ev},
	})
}

func (e *Engine) refreshCounts(machineID string) {
	if e.counts == nil {
		return
	}
	counts, err := e.store.OpenEventCounts(machineID)
	if err != nil {
		e.log.Warn("open event counts", "machine", machineID, "error", err)
		return
	}
	e.counts.SetOpenEvents(machineID, counts)
}
