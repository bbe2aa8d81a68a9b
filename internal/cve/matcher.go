package cve

import (
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// Match intersects a machine's installed packages with the mirrored
// advisories of their ecosystems. advisories maps ecosystem name to
// that ecosystem's CVE list.
func Match(packages []*fleet.Package, advisories map[string][]*fleet.CVE, now time.Time) []*fleet.VulnerabilityMatch {
	var out []*fleet.VulnerabilityMatch
	for _, pkg := range packages {
		eco := EcosystemFor(pkg.Manager)
		if eco == "" {
			continue
		}
		for _, adv := range advisories[eco] {
			fixedIn, affected := Affects(adv, eco, pkg.Name, pkg.Version)
			if !affected {
				continue
			}
			out = append(out, &fleet.VulnerabilityMatch{
				MachineID:        pkg.MachineID,
				PackageName:      pkg.Name,
				InstalledVersion: pkg.Version,
				CVEID:            adv.ID,
				Severity:         adv.Severity,
				FixedVersion:     fixedIn,
				MatchedAt:        now,
			})
		}
	}
	return out
}

// Affects reports whether the installed version of the named package
// falls inside any of the advisory's affected ranges or its explicit
// version list. The returned string is the fixed version of the
// matching range, when one exists.
func Affects(adv *fleet.CVE, ecosystem, name, version string) (string, bool) {
	for _, aff := range adv.Affected {
		if aff.Name != name {
			continue
		}
		for _, v := range aff.Versions {
			if Compare(ecosystem, version, v) == 0 {
				return firstFix(aff.Ranges), true
			}
		}
		for _, r := range aff.Ranges {
			if inRange(ecosystem, version, r) {
				return r.Fixed, true
			}
		}
	}
	return "", false
}

// inRange applies the OSV event semantics: affected from introduced
// (inclusive, "0" or empty meaning the beginning of time) up to fixed
// (exclusive); an absent fixed leaves the range open.
func inRange(ecosystem, version string, r fleet.VersionRange) bool {
	intro := r.Introduced
	if intro != "" && intro != "0" {
		if Compare(ecosystem, version, intro) < 0 {
			return false
		}
	}
	if r.Fixed != "" {
		return Compare(ecosystem, version, r.Fixed) < 0
	}
	return true
}

func firstFix(ranges []fleet.VersionRange) string {
	for _, r := range ranges {
		if r.Fixed != "" {
			return r.Fixed
		}
	}
	return ""
}

// SeverityCounts tallies matches by severity for the aggregate
// vulnerability event.
func SeverityCounts(matches []*fleet.VulnerabilityMatch) map[fleet.Severity]int {
	counts := make(map[fleet.Severity]int)
	for _, m := range matches {
		counts[m.Severity]++
	}
	return counts
}
