package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func testScan(machineID, id string, finished time.Time, total int) *fleet.PackageScan {
	return &fleet.PackageScan{
		ID:         id,
		MachineID:  machineID,
		Total:      total,
		StartedAt:  finished.Add(-30 * time.Second),
		FinishedAt: finished,
	}
}

func testPackage(machineID, name, version string) *fleet.Package {
	return &fleet.Package{
		MachineID: machineID,
		Name:      name,
		Version:   version,
		Manager:   "apt",
		Status:    fleet.PackageCurrent,
		LastSeen:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestApplyScanUpsertsAndCollects(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := []*fleet.Package{
		testPackage("m1", "curl", "8.5.0"),
		testPackage("m1", "openssl", "3.0.11"),
		testPackage("m1", "vim", "9.0"),
	}
	if err := s.ApplyScan(testScan("m1", "s1", base, 3), first); err != nil {
		t.Fatalf("ApplyScan: %v", err)
	}

	// Second scan drops vim and bumps curl. vim must be collected, curl
	// updated in place, openssl untouched.
	second := []*fleet.Package{
		testPackage("m1", "curl", "8.6.0"),
		testPackage("m1", "openssl", "3.0.11"),
	}
	if err := s.ApplyScan(testScan("m1", "s2", base.Add(time.Hour), 2), second); err != nil {
		t.Fatalf("ApplyScan: %v", err)
	}

	pkgs, err := s.ListPackages("m1")
	if err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("got %d packages, want 2", len(pkgs))
	}
	byName := map[string]string{}
	for _, p := range pkgs {
		byName[p.Name] = p.Version
	}
	if byName["curl"] != "8.6.0" {
		t.Errorf("curl version = %q, want 8.6.0", byName["curl"])
	}
	if _, ok := byName["vim"]; ok {
		t.Error("vim survived a scan that no longer reports it")
	}
}

func TestApplyScanEmptyReportKeepsPackages(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.ApplyScan(testScan("m1", "s1", base, 1), []*fleet.Package{testPackage("m1", "curl", "8.5.0")}); err != nil {
		t.Fatal(err)
	}
	// An empty report records the scan but never wipes the inventory.
	if err := s.ApplyScan(testScan("m1", "s2", base.Add(time.Hour), 0), nil); err != nil {
		t.Fatalf("ApplyScan(empty): %v", err)
	}

	pkgs, err := s.ListPackages("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 1 {
		t.Errorf("got %d packages after empty scan, want 1", len(pkgs))
	}
	latest, err := s.LatestScan("m1")
	if err != nil {
		t.Fatalf("LatestScan: %v", err)
	}
	if latest.ID != "s2" {
		t.Errorf("latest scan = %q, want s2", latest.ID)
	}
}

func TestApplyScanIsolatesMachines(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.ApplyScan(testScan("m1", "s1", base, 1), []*fleet.Package{testPackage("m1", "curl", "8.5.0")}); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyScan(testScan("m2", "s2", base, 1), []*fleet.Package{testPackage("m2", "nginx", "1.25.3")}); err != nil {
		t.Fatal(err)
	}

	pkgs, err := s.ListPackages("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "curl" {
		t.Errorf("m1 packages = %+v, want just curl", pkgs)
	}
}

func TestPackageManagers(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	apt := testPackage("m1", "curl", "8.5.0")
	npmPkg := testPackage("m2", "express", "4.19.2")
	npmPkg.Manager = "npm"
	if err := s.ApplyScan(testScan("m1", "s1", base, 1), []*fleet.Package{apt}); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyScan(testScan("m2", "s2", base, 1), []*fleet.Package{npmPkg}); err != nil {
		t.Fatal(err)
	}

	managers, err := s.PackageManagers()
	if err != nil {
		t.Fatalf("PackageManagers: %v", err)
	}
	if len(managers) != 2 || managers[0] != "apt" || managers[1] != "npm" {
		t.Errorf("managers = %v, want [apt npm]", managers)
	}
}

func TestListScansNewestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		scan := testScan("m1", fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Hour), i)
		if err := s.ApplyScan(scan, nil); err != nil {
			t.Fatal(err)
		}
	}

	scans, err := s.ListScans("m1", 2)
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(scans) != 2 {
		t.Fatalf("got %d scans, want 2", len(scans))
	}
	if scans[0].ID != "s3" || scans[1].ID != "s2" {
		t.Errorf("scan order = [%s %s], want [s3 s2]", scans[0].ID, scans[1].ID)
	}
}

func TestLatestScanMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.LatestScan("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestScan(nope) err = %v, want ErrNotFound", err)
	}
}
