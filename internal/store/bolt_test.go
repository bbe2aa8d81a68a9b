package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMachine(id, hostname string) *fleet.Machine {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &fleet.Machine{
		ID:             id,
		Hostname:       hostname,
		IP:             "10.0.0.1",
		OSInfo:         "Debian GNU/Linux 12",
		Status:         fleet.MachineOffline,
		PackageManager: "apt",
		CreatedAt:      now,
		LastSeen:       now,
	}
}

func TestMachineRoundTrip(t *testing.T) {
	s := testStore(t)

	m := testMachine("m1", "web-01")
	if err := s.SaveMachine(m); err != nil {
		t.Fatalf("SaveMachine: %v", err)
	}

	got, err := s.GetMachine("m1")
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if got.Hostname != "web-01" {
		t.Errorf("hostname = %q, want %q", got.Hostname, "web-01")
	}
	if got.Status != fleet.MachineOffline {
		t.Errorf("status = %q, want %q", got.Status, fleet.MachineOffline)
	}
}

func TestMachineMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.GetMachine("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMachine(nope) err = %v, want ErrNotFound", err)
	}
}

func TestListMachinesSorted(t *testing.T) {
	s := testStore(t)

	for _, m := range []*fleet.Machine{
		testMachine("m3", "zeta"),
		testMachine("m1", "alpha"),
		testMachine("m2", "mid"),
	} {
		if err := s.SaveMachine(m); err != nil {
			t.Fatal(err)
		}
	}

	machines, err := s.ListMachines()
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != 3 {
		t.Fatalf("got %d machines, want 3", len(machines))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, m := range machines {
		if m.Hostname != want[i] {
			t.Errorf("machines[%d].Hostname = %q, want %q", i, m.Hostname, want[i])
		}
	}
}

func TestUpdateMachine(t *testing.T) {
	s := testStore(t)

	if err := s.SaveMachine(testMachine("m1", "web-01")); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateMachine("m1", func(m *fleet.Machine) error {
		m.Status = fleet.MachineOnline
		m.AgentVersion = "1.4.0"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateMachine: %v", err)
	}

	got, err := s.GetMachine("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != fleet.MachineOnline || got.AgentVersion != "1.4.0" {
		t.Errorf("got status=%q version=%q after update", got.Status, got.AgentVersion)
	}
}

func TestUpdateMachineMissing(t *testing.T) {
	s := testStore(t)

	err := s.UpdateMachine("ghost", func(m *fleet.Machine) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMachineCascades(t *testing.T) {
	s := testStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveMachine(testMachine("m1", "web-01")); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMetric(&fleet.Metric{MachineID: "m1", Timestamp: now, CPUPercent: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCommand(&fleet.Command{ID: "c1", MachineID: "m1", Command: "uptime", Status: fleet.RunPending, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	scan := &fleet.PackageScan{ID: "s1", MachineID: "m1", Total: 1, StartedAt: now, FinishedAt: now}
	pkgs := []*fleet.Package{{MachineID: "m1", Name: "curl", Version: "8.5.0", Manager: "apt", Status: fleet.PackageCurrent, LastSeen: now, ScanID: "s1"}}
	if err := s.ApplyScan(scan, pkgs); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSecurityEvent(&fleet.SecurityEvent{ID: "e1", MachineID: "m1", Type: "failed_auth", Fingerprint: "failed_auth:1.2.3.4", Status: fleet.EventOpen, Count: 1, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteMachine("m1"); err != nil {
		t.Fatalf("DeleteMachine: %v", err)
	}

	if _, err := s.GetMachine("m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("machine survived delete: %v", err)
	}
	if m, _ := s.LatestMetric("m1"); m != nil {
		t.Error("metric survived delete")
	}
	if _, err := s.GetCommand("m1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Error("command survived delete")
	}
	if pkgs, _ := s.ListPackages("m1"); len(pkgs) != 0 {
		t.Errorf("got %d packages after delete, want 0", len(pkgs))
	}
	if evs, _ := s.ListSecurityEvents("m1"); len(evs) != 0 {
		t.Errorf("got %d events after delete, want 0", len(evs))
	}
}

func TestMetricsListAndLatest(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m := &fleet.Metric{MachineID: "m1", Timestamp: base.Add(time.Duration(i) * time.Minute), CPUPercent: float64(i)}
		if err := s.AppendMetric(m); err != nil {
			t.Fatalf("AppendMetric: %v", err)
		}
	}
	// A second machine's samples must not leak into m1 listings.
	if err := s.AppendMetric(&fleet.Metric{MachineID: "m2", Timestamp: base.Add(time.Hour), CPUPercent: 99}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListMetrics("m1", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListMetrics: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d metrics, want 5", len(got))
	}
	for i, m := range got {
		if m.CPUPercent != float64(i) {
			t.Errorf("metrics[%d].CPUPercent = %v, want %v (oldest first)", i, m.CPUPercent, float64(i))
		}
	}

	since, err := s.ListMetrics("m1", base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 3 {
		t.Errorf("got %d metrics since t+2m, want 3", len(since))
	}

	latest, err := s.LatestMetric("m1")
	if err != nil {
		t.Fatalf("LatestMetric: %v", err)
	}
	if latest.CPUPercent != 4 {
		t.Errorf("latest CPUPercent = %v, want 4", latest.CPUPercent)
	}
}

func TestLatestMetricMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.LatestMetric("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestMetric(nope) err = %v, want ErrNotFound", err)
	}
}

func TestPruneMetrics(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		if err := s.AppendMetric(&fleet.Metric{MachineID: "m1", Timestamp: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneMetrics(base.Add(90 * time.Minute))
	if err != nil {
		t.Fatalf("PruneMetrics: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	left, err := s.ListMetrics("m1", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Errorf("got %d metrics after prune, want 2", len(left))
	}
}
