package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func TestParseDpkgQuery(t *testing.T) {
	out := "openssl\t3.0.13-1\nbash\t5.2.21-2\n\n"
	pkgs := parseDpkgQuery(out)
	if len(pkgs) != 2 {
		t.Fatalf("packages = %d, want 2", len(pkgs))
	}
	if pkgs[0].Name != "openssl" || pkgs[0].Version != "3.0.13-1" || pkgs[0].Manager != "apt" {
		t.Fatalf("first package = %+v", pkgs[0])
	}
}

func TestParseApkInfo(t *testing.T) {
	out := "musl-1.2.4-r2\nbusybox-1.36.1-r15\nnot_a_package\n"
	pkgs := parseApkInfo(out)
	if len(pkgs) != 2 {
		t.Fatalf("packages = %d, want 2: %+v", len(pkgs), pkgs)
	}
	if pkgs[0].Name != "musl" || pkgs[0].Version != "1.2.4-r2" {
		t.Fatalf("first package = %+v", pkgs[0])
	}
	if pkgs[1].Name != "busybox" || pkgs[1].Version != "1.36.1-r15" {
		t.Fatalf("second package = %+v", pkgs[1])
	}
}

func TestParseAptUpgradable(t *testing.T) {
	out := `Listing... Done
openssl/noble-security 3.0.13-2 amd64 [upgradable from: 3.0.13-1]
curl/noble-updates 8.5.0-2 amd64 [upgradable from: 8.5.0-1]
`
	updates, security := parseAptUpgradable(out)
	if updates["openssl"] != "3.0.13-2" {
		t.Fatalf("openssl update = %q", updates["openssl"])
	}
	if !security["openssl"] {
		t.Fatal("security suite not flagged")
	}
	if security["curl"] {
		t.Fatal("non-security suite flagged")
	}
}

func TestScannerMergesUpdates(t *testing.T) {
	s := &Scanner{manager: "apt", run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		switch name {
		case "dpkg-query":
			return []byte("openssl\t3.0.13-1\nbash\t5.2.21-2\n"), nil
		case "apt":
			return []byte("openssl/noble-security 3.0.13-2 amd64 [upgradable from: 3.0.13-1]\n"), nil
		}
		return nil, fmt.Errorf("unexpected command %s", name)
	}}

	var stages []string
	frame, err := s.Scan(context.Background(), func(stage string, _ int) {
		stages = append(stages, stage)
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if frame.Type != fleet.FrameScan || len(frame.Packages) != 2 {
		t.Fatalf("frame = %+v", frame)
	}

	byName := map[string]fleet.ReportedPackage{}
	for _, p := range frame.Packages {
		byName[p.Name] = p
	}
	if got := byName["openssl"]; got.Status != string(fleet.PackageSecurityUpdate) || got.AvailableVersion != "3.0.13-2" {
		t.Fatalf("openssl = %+v", got)
	}
	if got := byName["bash"]; got.Status != string(fleet.PackageCurrent) {
		t.Fatalf("bash = %+v", got)
	}
	if len(stages) == 0 || stages[len(stages)-1] != "done" {
		t.Fatalf("stages = %v", stages)
	}
}

func TestScannerUpdateProbeFailureDegrades(t *testing.T) {
	s := &Scanner{manager: "apt", run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name == "dpkg-query" {
			return []byte("bash\t5.2.21-2\n"), nil
		}
		return nil, fmt.Errorf("apt broke")
	}}

	frame, err := s.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frame.Packages) != 1 || frame.Packages[0].Status != string(fleet.PackageCurrent) {
		t.Fatalf("packages = %+v", frame.Packages)
	}
}
