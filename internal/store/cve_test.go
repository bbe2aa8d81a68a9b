package store

import (
	"errors"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func testCVE(ecosystem, id string, severity fleet.Severity) *fleet.CVE {
	return &fleet.CVE{
		ID:          id,
		Ecosystem:   ecosystem,
		Severity:    severity,
		PublishedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Affected: []fleet.AffectedPackage{{
			Name:   "openssl",
			Ranges: []fleet.VersionRange{{Introduced: "3.0.0", Fixed: "3.0.12"}},
		}},
		FixedIn: []string{"3.0.12"},
	}
}

func TestUpsertCVEsBatch(t *testing.T) {
	s := testStore(t)

	batch := []*fleet.CVE{
		testCVE("Debian", "CVE-2024-0001", fleet.SeverityHigh),
		testCVE("Debian", "CVE-2024-0002", fleet.SeverityLow),
		testCVE("npm", "GHSA-aaaa-bbbb", fleet.SeverityCritical),
	}
	if err := s.UpsertCVEs(batch); err != nil {
		t.Fatalf("UpsertCVEs: %v", err)
	}

	got, err := s.GetCVE("Debian", "CVE-2024-0001")
	if err != nil {
		t.Fatalf("GetCVE: %v", err)
	}
	if got.Severity != fleet.SeverityHigh {
		t.Errorf("severity = %q", got.Severity)
	}

	deb, err := s.ListCVEs("Debian")
	if err != nil {
		t.Fatal(err)
	}
	if len(deb) != 2 {
		t.Errorf("got %d Debian advisories, want 2", len(deb))
	}

	n, err := s.CountCVEs()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountCVEs = %d, want 3", n)
	}
}

func TestUpsertCVEsRefreshInPlace(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertCVEs([]*fleet.CVE{testCVE("Debian", "CVE-2024-0001", fleet.SeverityLow)}); err != nil {
		t.Fatal(err)
	}
	// A later sync upgrades the severity; the count must not grow.
	if err := s.UpsertCVEs([]*fleet.CVE{testCVE("Debian", "CVE-2024-0001", fleet.SeverityCritical)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCVE("Debian", "CVE-2024-0001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Severity != fleet.SeverityCritical {
		t.Errorf("severity = %q, want critical after refresh", got.Severity)
	}
	n, err := s.CountCVEs()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountCVEs = %d, want 1", n)
	}
}

func TestGetCVEMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.GetCVE("Debian", "CVE-0000-0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReplaceMatches(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := []*fleet.VulnerabilityMatch{
		{MachineID: "m1", PackageName: "openssl", InstalledVersion: "3.0.5", CVEID: "CVE-2024-0001", Severity: fleet.SeverityHigh, MatchedAt: now},
		{MachineID: "m1", PackageName: "curl", InstalledVersion: "8.0.0", CVEID: "CVE-2024-0002", Severity: fleet.SeverityMedium, MatchedAt: now},
	}
	if err := s.ReplaceMatches("m1", first); err != nil {
		t.Fatalf("ReplaceMatches: %v", err)
	}
	// Other machines keep their own match sets.
	if err := s.ReplaceMatches("m2", []*fleet.VulnerabilityMatch{
		{MachineID: "m2", PackageName: "nginx", InstalledVersion: "1.20.0", CVEID: "CVE-2024-0003", Severity: fleet.SeverityLow, MatchedAt: now},
	}); err != nil {
		t.Fatal(err)
	}

	// A rematch after patching openssl replaces m1's set wholesale.
	second := []*fleet.VulnerabilityMatch{
		{MachineID: "m1", PackageName: "curl", InstalledVersion: "8.0.0", CVEID: "CVE-2024-0002", Severity: fleet.SeverityMedium, MatchedAt: now.Add(time.Hour)},
	}
	if err := s.ReplaceMatches("m1", second); err != nil {
		t.Fatal(err)
	}

	m1, err := s.ListMatches("m1")
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	if len(m1) != 1 || m1[0].PackageName != "curl" {
		t.Errorf("m1 matches = %+v, want just curl", m1)
	}
	m2, err := s.ListMatches("m2")
	if err != nil {
		t.Fatal(err)
	}
	if len(m2) != 1 {
		t.Errorf("m2 matches disturbed: %+v", m2)
	}
}

func TestReplaceMatchesEmptyClears(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.ReplaceMatches("m1", []*fleet.VulnerabilityMatch{
		{MachineID: "m1", PackageName: "openssl", InstalledVersion: "3.0.5", CVEID: "CVE-2024-0001", Severity: fleet.SeverityHigh, MatchedAt: now},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceMatches("m1", nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListMatches("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("matches = %+v, want none after clean rematch", got)
	}
}
