// Package cve mirrors OSV advisory data for the ecosystems present in
// the fleet and recomputes per-machine vulnerability matches. The
// mirror runs on a timer (or cron schedule) with at-most-one sync in
// flight; the matcher is also invoked directly after each package scan.
package cve

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
)

// Mirror states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateError   = "error"
)

// Store is the persistence surface the mirror needs.
type Store interface {
	PackageManagers() ([]string, error)
	ListPackages(machineID string) ([]*fleet.Package, error)
	GetCVE(ecosystem, id string) (*fleet.CVE, error)
	UpsertCVEs(cves []*fleet.CVE) error
	ListCVEs(ecosystem string) ([]*fleet.CVE, error)
	CountCVEs() (int, error)
	ReplaceMatches(machineID string, matches []*fleet.VulnerabilityMatch) error
}

// SummarySink receives the aggregate vulnerability tally per machine;
// the security-event engine implements it.
type SummarySink interface {
	RecordVulnerabilitySummary(machineID string, counts map[fleet.Severity]int, total int)
}

// Auditor records sync outcomes.
type Auditor interface {
	Record(e audit.Entry)
}

// Notifier reports failed syncs.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) bool
}

// Config tunes the mirror schedule.
type Config struct {
	BaseURL    string
	Interval   time.Duration
	StartDelay time.Duration
	Schedule   string // optional cron expression overriding Interval
}

// Mirror is the CVE sync and match engine.
type Mirror struct {
	cfg     Config
	client  *Client
	store   Store
	cache   *state.Cache
	summary SummarySink
	audit   Auditor
	notify  Notifier
	clk     clock.Clock
	log     *logging.Logger

	sched   cron.Schedule // nil when no cron override
	trigger chan struct{}

	mu      sync.Mutex
	status  string
	lastRun time.Time
	lastErr string
}

func New(cfg Config, st Store, cache *state.Cache, summary SummarySink, rec Auditor, n Notifier, clk clock.Clock, log *logging.Logger) (*Mirror, error) {
	m := &Mirror{
		cfg:     cfg,
		client:  NewClient(cfg.BaseURL, log),
		store:   st,
		cache:   cache,
		summary: summary,
		audit:   rec,
		notify:  n,
		clk:     clk,
		log:     log,
		trigger: make(chan struct{}, 1),
		status:  StateIdle,
	}
	if cfg.Schedule != "" {
		sched, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fleet.Wrap(fleet.KindMessageMalformed, err, "parse cve sync schedule %q", cfg.Schedule)
		}
		m.sched = sched
	}
	return m, nil
}

// Run drives the sync loop until ctx is done: start delay, then one
// sync per interval tick or manual trigger.
func (m *Mirror) Run(ctx context.Context) {
	if m.cfg.StartDelay > 0 {
		if err := clock.Sleep(ctx, m.clk, m.cfg.StartDelay); err != nil {
			return
		}
	}
	if err := m.Sync(ctx); err != nil {
		m.log.Warn("initial cve sync", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(m.untilNext()):
			if err := m.Sync(ctx); err != nil {
				m.log.Warn("scheduled cve sync", "error", err)
			}
		case <-m.trigger:
			if err := m.Sync(ctx); err != nil {
				m.log.Warn("triggered cve sync", "error", err)
			}
		}
	}
}

func (m *Mirror) untilNext() time.Duration {
	if m.sched != nil {
		now := m.clk.Now()
		return m.sched.Next(now).Sub(now)
	}
	return m.cfg.Interval
}

// Trigger requests an immediate sync. Returns AlreadyRunning when a
// sync is in flight or one is already queued.
func (m *Mirror) Trigger() error {
	m.mu.Lock()
	running := m.status == StateRunning
	m.mu.Unlock()
	if running {
		return fleet.E(fleet.KindAlreadyRunning, "cve sync already running")
	}
	select {
	case m.trigger <- struct{}{}:
		return nil
	default:
		return fleet.E(fleet.KindAlreadyRunning, "cve sync already queued")
	}
}

// Status is the mirror's observable state.
type Status struct {
	State      string    `json:"state"`
	LastRun    time.Time `json:"lastRun,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
	Advisories int       `json:"advisories"`
}

func (m *Mirror) Status() Status {
	m.mu.Lock()
	st := Status{State: m.status, LastRun: m.lastRun, LastError: m.lastErr}
	m.mu.Unlock()
	if n, err := m.store.CountCVEs(); err == nil {
		st.Advisories = n
	}
	return st
}

// Sync runs one mirror pass: ingest advisories for every active
// ecosystem, then recompute matches for every machine. At most one
// sync runs at a time.
func (m *Mirror) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StateRunning {
		m.mu.Unlock()
		return fleet.E(fleet.KindAlreadyRunning, "cve sync already running")
	}
	m.status = StateRunning
	m.mu.Unlock()

	start := m.clk.Now()
	ingested, err := m.sync(ctx)
	elapsed := m.clk.Since(start)
	metrics.CVESyncDuration.Observe(elapsed.Seconds())

	m.mu.Lock()
	m.lastRun = m.clk.Now().UTC()
	if err != nil {
		m.status = StateError
		m.lastErr = err.Error()
	} else {
		m.status = StateIdle
		m.lastErr = ""
	}
	m.mu.Unlock()

	if err != nil {
		metrics.CVESyncs.WithLabelValues("error").Inc()
		m.audit.Record(audit.Entry{
			Action:   audit.ActionCVESyncFailed,
			Severity: fleet.AuditWarning,
			Details:  map[string]any{"error": err.Error()},
		})
		if m.notify != nil {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			m.notify.Notify(nctx, notify.Event{
				Type:      notify.EventCVESyncFailed,
				Severity:  "high",
				Message:   "CVE mirror sync failed",
				Error:     err.Error(),
				Timestamp: m.clk.Now().UTC(),
			})
		}
		return err
	}

	if n, cerr := m.store.CountCVEs(); cerr == nil {
		metrics.CVEAdvisories.Set(float64(n))
	}
	metrics.CVESyncs.WithLabelValues("ok").Inc()
	m.audit.Record(audit.Entry{
		Action:  audit.ActionCVESynced,
		Details: map[string]any{"newAdvisories": ingested, "duration": elapsed.String()},
	})
	m.log.Info("cve sync complete", "new", ingested, "elapsed", elapsed)
	return nil
}

func (m *Mirror) sync(ctx context.Context) (int, error) {
	tuples, err := m.activeTuples()
	if err != nil {
		return 0, err
	}

	ingested := 0
	for eco, names := range tuples {
		queries := make([]PackageQuery, 0, len(names))
		for name := range names {
			queries = append(queries, PackageQuery{Ecosystem: eco, Name: name})
		}
		ids, err := m.client.QueryBatch(ctx, queries)
		if err != nil {
			return ingested, err
		}

		var batch []*fleet.CVE
		for id := range ids {
			if _, err := m.store.GetCVE(eco, id); err == nil {
				continue // already mirrored
			}
			adv, err := m.client.GetVuln(ctx, id, eco)
			if err != nil {
				return ingested, err
			}
			batch = append(batch, adv)
		}
		if len(batch) > 0 {
			if err := m.store.UpsertCVEs(batch); err != nil {
				return ingested, fleet.Wrap(fleet.KindStoreUnavailable, err, "persist advisories")
			}
			ingested += len(batch)
		}
	}

	for _, st := range m.cache.List() {
		if err := m.RecomputeMachine(st.Machine.ID); err != nil {
			m.log.Warn("recompute matches", "machine", st.Machine.ID, "error", err)
		}
	}
	return ingested, nil
}

// activeTuples collects the distinct (ecosystem, package) pairs
// installed anywhere in the fleet.
func (m *Mirror) activeTuples() (map[string]map[string]struct{}, error) {
	tuples := make(map[string]map[string]struct{})
	for _, st := range m.cache.List() {
		pkgs, err := m.store.ListPackages(st.Machine.ID)
		if err != nil {
			return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "list packages for %s", st.Machine.ID)
		}
		for _, pkg := range pkgs {
			eco := EcosystemFor(pkg.Manager)
			if eco == "" {
				continue
			}
			set := tuples[eco]
			if set == nil {
				set = make(map[string]struct{})
				tuples[eco] = set
			}
			set[pkg.Name] = struct{}{}
		}
	}
	return tuples, nil
}

// RecomputeMachine rebuilds one machine's vulnerability matches from
// its installed packages and the mirrored advisories, then feeds the
// aggregate tally to the security-event engine.
func (m *Mirror) RecomputeMachine(machineID string) error {
	pkgs, err := m.store.ListPackages(machineID)
	if err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "list packages for %s", machineID)
	}

	advisories := make(map[string][]*fleet.CVE)
	for _, pkg := range pkgs {
		eco := EcosystemFor(pkg.Manager)
		if eco == "" {
			continue
		}
		if _, loaded := advisories[eco]; loaded {
			continue
		}
		cves, err := m.store.ListCVEs(eco)
		if err != nil {
			return fleet.Wrap(fleet.KindStoreUnavailable, err, "list advisories for %s", eco)
		}
		advisories[eco] = cves
	}

	matches := Match(pkgs, advisories, m.clk.Now().UTC())
	if err := m.store.ReplaceMatches(machineID, matches); err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "replace matches for %s", machineID)
	}
	if m.summary != nil {
		m.summary.RecordVulnerabilitySummary(machineID, SeverityCounts(matches), len(matches))
	}
	return nil
}
