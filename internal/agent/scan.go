package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// commandOutput runs a program and returns its stdout. Swappable in
// tests.
type commandOutput func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Scanner produces package scan reports by shelling out to the host's
// package manager. apt and apk are fully supported; other managers
// report the installed set without update information.
type Scanner struct {
	manager string
	run     commandOutput
}

func NewScanner(manager string) *Scanner {
	return &Scanner{manager: manager, run: execOutput}
}

// Scan builds a full scan frame. progress, when non-nil, receives
// coarse stage updates for relay to the dashboard.
func (s *Scanner) Scan(ctx context.Context, progress func(stage string, percent int)) (*fleet.ScanFrame, error) {
	report := func(stage string, pct int) {
		if progress != nil {
			progress(stage, pct)
		}
	}
	started := time.Now().UnixMilli()

	report("listing packages", 10)
	installed, err := s.installed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}

	report("checking updates", 60)
	updates, security := s.updates(ctx)
	for i := range installed {
		if avail, ok := updates[installed[i].Name]; ok {
			installed[i].AvailableVersion = avail
			installed[i].Status = string(fleet.PackageUpdateAvailable)
			if security[installed[i].Name] {
				installed[i].Status = string(fleet.PackageSecurityUpdate)
			}
		}
	}

	report("done", 100)
	return &fleet.ScanFrame{
		Type:      fleet.FrameScan,
		Packages:  installed,
		StartedAt: started,
	}, nil
}

func (s *Scanner) installed(ctx context.Context) ([]fleet.ReportedPackage, error) {
	switch s.manager {
	case "apt":
		out, err := s.run(ctx, "dpkg-query", "-W", "-f", "${Package}\t${Version}\n")
		if err != nil {
			return nil, err
		}
		return parseDpkgQuery(string(out)), nil
	case "apk":
		out, err := s.run(ctx, "apk", "info", "-v")
		if err != nil {
			return nil, err
		}
		return parseApkInfo(string(out)), nil
	case "dnf", "yum":
		out, err := s.run(ctx, "rpm", "-qa", "--qf", "%{NAME}\t%{VERSION}-%{RELEASE}\n")
		if err != nil {
			return nil, err
		}
		return parseRPMList(string(out), s.manager), nil
	default:
		return nil, nil
	}
}

// updates returns available-version and security-flag maps keyed by
// package name. Best effort: a failing update probe degrades the scan
// to installed-only instead of failing it.
func (s *Scanner) updates(ctx context.Context) (map[string]string, map[string]bool) {
	switch s.manager {
	case "apt":
		out, err := s.run(ctx, "apt", "list", "--upgradable")
		if err != nil {
			return nil, nil
		}
		return parseAptUpgradable(string(out))
	case "apk":
		out, err := s.run(ctx, "apk", "version", "-l", "<")
		if err != nil {
			return nil, nil
		}
		return parseApkUpgradable(string(out)), nil
	default:
		return nil, nil
	}
}

// parseDpkgQuery reads "name\tversion" lines.
func parseDpkgQuery(out string) []fleet.ReportedPackage {
	var pkgs []fleet.ReportedPackage
	for _, line := range strings.Split(out, "\n") {
		name, version, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || name == "" {
			continue
		}
		pkgs = append(pkgs, fleet.ReportedPackage{
			Name:    name,
			Version: version,
			Manager: "apt",
			Status:  string(fleet.PackageCurrent),
		})
	}
	return pkgs
}

// parseApkInfo reads "name-version-rN" lines; the version starts at the
// second-to-last dash.
func parseApkInfo(out string) []fleet.ReportedPackage {
	var pkgs []fleet.ReportedPackage
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, version := splitApkPackage(line)
		if name == "" {
			continue
		}
		pkgs = append(pkgs, fleet.ReportedPackage{
			Name:    name,
			Version: version,
			Manager: "apk",
			Status:  string(fleet.PackageCurrent),
		})
	}
	return pkgs
}

func splitApkPackage(s string) (name, version string) {
	last := strings.LastIndex(s, "-")
	if last <= 0 {
		return "", ""
	}
	second := strings.LastIndex(s[:last], "-")
	if second <= 0 {
		return "", ""
	}
	return s[:second], s[second+1:]
}

func parseRPMList(out, manager string) []fleet.ReportedPackage {
	var pkgs []fleet.ReportedPackage
	for _, line := range strings.Split(out, "\n") {
		name, version, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || name == "" {
			continue
		}
		pkgs = append(pkgs, fleet.ReportedPackage{
			Name:    name,
			Version: version,
			Manager: manager,
			Status:  string(fleet.PackageCurrent),
		})
	}
	return pkgs
}

// parseAptUpgradable reads "name/suite version arch [upgradable from:
// old]" lines. Suites containing "security" flag the update.
func parseAptUpgradable(out string) (map[string]string, map[string]bool) {
	updates := make(map[string]string)
	security := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Listing") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, suite, ok := strings.Cut(fields[0], "/")
		if !ok {
			continue
		}
		updates[name] = fields[1]
		if strings.Contains(suite, "security") {
			security[name] = true
		}
	}
	return updates, security
}

// parseApkUpgradable reads "name-version-rN < new-version" lines.
func parseApkUpgradable(out string) map[string]string {
	updates := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		installed, avail, ok := strings.Cut(line, "<")
		if !ok {
			continue
		}
		name, _ := splitApkPackage(strings.TrimSpace(installed))
		if name == "" {
			continue
		}
		updates[name] = strings.TrimSpace(avail)
	}
	return updates
}
