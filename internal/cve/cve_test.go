package cve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
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

type auditSpy struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSpy) Record(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type summarySpy struct {
	mu     sync.Mutex
	counts map[fleet.Severity]int
	total  int
	calls  int
}

func (s *summarySpy) RecordVulnerabilitySummary(machineID string, counts map[fleet.Severity]int, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = counts
	s.total = total
	s.calls++
}

func TestCompare(t *testing.T) {
	tests := []struct {
		eco  string
		a, b string
		want int
	}{
		// SemVer (npm, Go, crates.io)
		{EcoNPM, "1.2.3", "1.2.10", -1},
		{EcoNPM, "2.0.0", "2.0.0", 0},
		{EcoNPM, "v1.4.0", "1.4.0", 0},
		{EcoNPM, "1.0.0-alpha", "1.0.0", -1},
		{EcoNPM, "1.0.0-alpha.1", "1.0.0-alpha.beta", -1},
		{EcoGo, "1.0.0+build.7", "1.0.0", 0},
		{EcoCrates, "0.9.1", "0.10.0", -1},

		// Debian
		{EcoDebian, "1:1.0", "2.0", 1},
		{EcoDebian, "1.0~rc1", "1.0", -1},
		{EcoDebian, "1.0~~", "1.0~", -1},
		{EcoDebian, "1.2.3-4ubuntu5", "1.2.3-4ubuntu10", -1},
		{EcoDebian, "2.0-1", "2.0-2", -1},
		{EcoDebian, "007", "7", 0},
		{EcoAlpine, "1.1.1q-r0", "1.1.1q-r1", -1},

		// PEP 440
		{EcoPyPI, "1.0a1", "1.0", -1},
		{EcoPyPI, "1.0.dev1", "1.0a1", -1},
		{EcoPyPI, "1.0.post1", "1.0", 1},
		{EcoPyPI, "1!1.0", "2.0", 1},
		{EcoPyPI, "1.0+local.2", "1.0", 0},
		{EcoPyPI, "2.0.0rc1", "2.0.0", -1},

		// Maven
		{EcoMaven, "1.0-alpha-1", "1.0", -1},
		{EcoMaven, "1.0-SNAPSHOT", "1.0", -1},
		{EcoMaven, "1.0-sp", "1.0", 1},
		{EcoMaven, "1.0", "1.0.0", 0},
		{EcoMaven, "1.0-beta", "1.0-alpha", 1},

		// Fallback
		{EcoNuGet, "1.9", "1.10", -1},
		{"", "3.2.1", "3.2.1", 0},
	}
	for _, tt := range tests {
		if got := Compare(tt.eco, tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%s, %q, %q) = %d, want %d", tt.eco, tt.a, tt.b, got, tt.want)
		}
		if tt.want != 0 {
			if got := Compare(tt.eco, tt.b, tt.a); got != -tt.want {
				t.Errorf("Compare(%s, %q, %q) = %d, want %d (antisymmetry)", tt.eco, tt.b, tt.a, got, -tt.want)
			}
		}
	}
}

func TestEcosystemFor(t *testing.T) {
	tests := map[string]string{
		"apt":      EcoDebian,
		"dpkg":     EcoDebian,
		"APK":      EcoAlpine,
		"npm":      EcoNPM,
		"pip":      EcoPyPI,
		"cargo":    EcoCrates,
		"composer": EcoPackagist,
		"gem":      EcoRubyGems,
		"pacman":   "",
	}
	for mgr, want := range tests {
		if got := EcosystemFor(mgr); got != want {
			t.Errorf("EcosystemFor(%q) = %q, want %q", mgr, got, want)
		}
	}
}

func TestAffects(t *testing.T) {
	adv := &fleet.CVE{
		ID:        "OSV-2025-1",
		Ecosystem: EcoNPM,
		Affected: []fleet.AffectedPackage{
			{
				Name:   "left-pad",
				Ranges: []fleet.VersionRange{{Introduced: "1.0.0", Fixed: "1.3.0"}},
			},
			{
				Name:     "tiny-lib",
				Versions: []string{"0.4.2"},
			},
		},
	}

	tests := []struct {
		name     string
		pkg      string
		version  string
		affected bool
		fixed    string
	}{
		{"inside range", "left-pad", "1.2.0", true, "1.3.0"},
		{"below introduced", "left-pad", "0.9.9", false, ""},
		{"at fixed boundary", "left-pad", "1.3.0", false, ""},
		{"at introduced boundary", "left-pad", "1.0.0", true, "1.3.0"},
		{"explicit version", "tiny-lib", "0.4.2", true, ""},
		{"other version", "tiny-lib", "0.4.3", false, ""},
		{"other package", "right-pad", "1.2.0", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixed, affected := Affects(adv, EcoNPM, tt.pkg, tt.version)
			if affected != tt.affected || fixed != tt.fixed {
				t.Errorf("Affects(%s %s) = (%q, %v), want (%q, %v)", tt.pkg, tt.version, fixed, affected, tt.fixed, tt.affected)
			}
		})
	}
}

func TestOpenRangeMatchesEverythingAboveIntroduced(t *testing.T) {
	adv := &fleet.CVE{
		ID:        "OSV-2025-2",
		Ecosystem: EcoDebian,
		Affected: []fleet.AffectedPackage{
			{Name: "openssl", Ranges: []fleet.VersionRange{{Introduced: "0"}}},
		},
	}
	if _, ok := Affects(adv, EcoDebian, "openssl", "99.0"); !ok {
		t.Error("open range should affect every version")
	}
}

func TestQueryBatchPagination(t *testing.T) {
	var calls int
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/querybatch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req querybatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		calls++
		for _, q := range req.Queries {
			tokens = append(tokens, q.PageToken)
		}

		var body struct {
			Results []map[string]any `json:"results"`
		}
		for _, q := range req.Queries {
			if q.PageToken == "" {
				body.Results = append(body.Results, map[string]any{
					"vulns":           []map[string]any{{"id": "OSV-A"}},
					"next_page_token": "page-2",
				})
			} else {
				body.Results = append(body.Results, map[string]any{
					"vulns": []map[string]any{{"id": "OSV-B"}},
				})
			}
		}
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, logging.New(false, "error"))
	ids, err := client.QueryBatch(context.Background(), []PackageQuery{{Ecosystem: EcoNPM, Name: "left-pad"}})
	if err != nil {
		t.Fatalf("QueryBatch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want OSV-A and OSV-B", ids)
	}
	if calls != 2 {
		t.Errorf("querybatch calls = %d, want 2", calls)
	}
	if len(tokens) != 2 || tokens[0] != "" || tokens[1] != "page-2" {
		t.Errorf("page tokens = %v", tokens)
	}
}

type mirrorRig struct {
	mirror  *Mirror
	store   *store.Store
	cache   *state.Cache
	clk     *fakeClock
	summary *summarySpy
	audit   *auditSpy
}

func newMirrorRig(t *testing.T, baseURL string) *mirrorRig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.New(false, "error")
	rig := &mirrorRig{
		store:   st,
		cache:   state.New(st, log),
		clk:     newFakeClock(),
		summary: &summarySpy{},
		audit:   &auditSpy{},
	}
	m, err := New(Config{BaseURL: baseURL, Interval: 2 * time.Hour}, st, rig.cache, rig.summary, rig.audit, nil, rig.clk, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.mirror = m
	return rig
}

func (r *mirrorRig) seedMachine(t *testing.T, machineID string, pkgs ...*fleet.Package) {
	t.Helper()
	if err := r.cache.Upsert(&fleet.Machine{ID: machineID, Hostname: "host-" + machineID, Status: fleet.MachineOnline}); err != nil {
		t.Fatalf("upsert machine: %v", err)
	}
	scan := &fleet.PackageScan{ID: "scan-1", MachineID: machineID, Total: len(pkgs), StartedAt: r.clk.Now(), FinishedAt: r.clk.Now()}
	if err := r.store.ApplyScan(scan, pkgs); err != nil {
		t.Fatalf("apply scan: %v", err)
	}
}

func osvStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/querybatch":
			var req querybatchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode querybatch: %v", err)
			}
			var body struct {
				Results []map[string]any `json:"results"`
			}
			for _, q := range req.Queries {
				if q.Package.Name == "openssl" {
					body.Results = append(body.Results, map[string]any{
						"vulns": []map[string]any{{"id": "OSV-2025-99"}},
					})
					continue
				}
				body.Results = append(body.Results, map[string]any{})
			}
			json.NewEncoder(w).Encode(body)
		case "/v1/vulns/OSV-2025-99":
			json.NewEncoder(w).Encode(map[string]any{
				"id":        "OSV-2025-99",
				"summary":   "openssl buffer overread",
				"published": "2025-03-01T00:00:00Z",
				"database_specific": map[string]any{
					"severity": "HIGH",
				},
				"affected": []map[string]any{{
					"package": map[string]any{"name": "openssl", "ecosystem": "Debian"},
					"ranges": []map[string]any{{
						"type": "ECOSYSTEM",
						"events": []map[string]any{
							{"introduced": "0"},
							{"fixed": "3.0.0"},
						},
					}},
				}},
				"references": []map[string]any{{"type": "ADVISORY", "url": "https://example.test/advisory"}},
			})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
}

func TestSyncIngestsAndMatches(t *testing.T) {
	srv := osvStub(t)
	defer srv.Close()
	rig := newMirrorRig(t, srv.URL)
	rig.seedMachine(t, "m0",
		&fleet.Package{MachineID: "m0", Name: "openssl", Version: "1.1.1f-1ubuntu2", Manager: "apt", Status: fleet.PackageCurrent, ScanID: "scan-1"},
		&fleet.Package{MachineID: "m0", Name: "curl", Version: "7.81.0-1", Manager: "apt", Status: fleet.PackageCurrent, ScanID: "scan-1"},
	)

	if err := rig.mirror.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	adv, err := rig.store.GetCVE(EcoDebian, "OSV-2025-99")
	if err != nil {
		t.Fatalf("advisory not mirrored: %v", err)
	}
	if adv.Severity != fleet.SeverityHigh || adv.Source != "https://example.test/advisory" {
		t.Errorf("advisory = %+v", adv)
	}

	matches, err := rig.store.ListMatches("m0")
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	m := matches[0]
	if m.PackageName != "openssl" || m.CVEID != "OSV-2025-99" || m.FixedVersion != "3.0.0" || m.Severity != fleet.SeverityHigh {
		t.Errorf("match = %+v", m)
	}

	if rig.summary.total != 1 || rig.summary.counts[fleet.SeverityHigh] != 1 {
		t.Errorf("summary = %d %v", rig.summary.total, rig.summary.counts)
	}
	if st := rig.mirror.Status(); st.State != StateIdle || st.Advisories != 1 || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestConcurrentSyncReturnsAlreadyRunning(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		var req querybatchRequest
		json.NewDecoder(r.Body).Decode(&req)
		var body struct {
			Results []map[string]any `json:"results"`
		}
		for range req.Queries {
			body.Results = append(body.Results, map[string]any{})
		}
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	rig := newMirrorRig(t, srv.URL)
	rig.seedMachine(t, "m0",
		&fleet.Package{MachineID: "m0", Name: "openssl", Version: "1.0", Manager: "apt", ScanID: "scan-1"},
	)

	errCh := make(chan error, 1)
	go func() { errCh <- rig.mirror.Sync(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rig.mirror.Status().State == StateRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if st := rig.mirror.Status(); st.State != StateRunning {
		t.Fatalf("mirror never entered running state: %+v", st)
	}

	if err := rig.mirror.Sync(context.Background()); !errors.Is(err, fleet.E(fleet.KindAlreadyRunning, "")) {
		t.Errorf("second sync = %v, want already_running", err)
	}
	if err := rig.mirror.Trigger(); !errors.Is(err, fleet.E(fleet.KindAlreadyRunning, "")) {
		t.Errorf("trigger during sync = %v, want already_running", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if st := rig.mirror.Status(); st.State != StateIdle {
		t.Errorf("state after sync = %s, want idle", st.State)
	}
}

func TestSyncRecordsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	rig := newMirrorRig(t, srv.URL)
	rig.seedMachine(t, "m0",
		&fleet.Package{MachineID: "m0", Name: "openssl", Version: "1.0", Manager: "apt", ScanID: "scan-1"},
	)

	err := rig.mirror.Sync(context.Background())
	if !errors.Is(err, fleet.E(fleet.KindUpstreamUnavailable, "")) {
		t.Fatalf("Sync = %v, want upstream_unavailable", err)
	}
	if st := rig.mirror.Status(); st.State != StateError || st.LastError == "" {
		t.Errorf("status = %+v, want error state", st)
	}

	rig.audit.mu.Lock()
	defer rig.audit.mu.Unlock()
	var failed bool
	for _, e := range rig.audit.entries {
		if e.Action == audit.ActionCVESyncFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("failed sync was not audited")
	}
}

func TestBadCronScheduleRejected(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	log := logging.New(false, "error")
	_, err = New(Config{BaseURL: "http://osv.test", Interval: time.Hour, Schedule: "not a cron"}, st, state.New(st, log), nil, &auditSpy{}, nil, newFakeClock(), log)
	if err == nil {
		t.Fatal("New accepted an invalid cron schedule")
	}
}
