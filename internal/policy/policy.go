// Package policy holds the server-maintained command and path rules:
// which commands count as critical and need step-up re-auth, which
// commands are expected to drop the agent connection, and how file
// integrity findings are filtered and graded. Built-in defaults cover
// the common cases; a YAML file can extend them per deployment.
package policy

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// criticalDefaults match commands that can take a host down or lock
// operators out. Anything matching requires a fresh re-auth token.
var criticalDefaults = []string{
	`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf]`,
	`\bmkfs(\.\w+)?\b`,
	`\bdd\s+.*\bof=/dev/`,
	`\bchmod\s+(-[a-zA-Z]+\s+)*-R\b`,
	`\bchown\s+(-[a-zA-Z]+\s+)*-R\b`,
	`\biptables\s+(-F|--flush)`,
	`\bnft\s+flush\b`,
	`\bufw\s+disable\b`,
	`\buserdel\b`,
	`\bpasswd\s+root\b`,
	`\b(apt|apt-get)\s+(\S+\s+)*purge\b`,
	`\bdpkg\s+(-P|--purge)\b`,
	`\bsystemctl\s+(disable|mask)\b`,
	`\b(reboot|shutdown|poweroff|halt)\b`,
	`\binit\s+[06]\b`,
}

// disconnectDefaults match commands after which the agent socket is
// expected to drop. Dispatch of one of these opens a reconnect grace
// window instead of failing the execution on disconnect.
var disconnectDefaults = []string{
	`\b(reboot|shutdown|poweroff|halt)\b`,
	`\binit\s+[06]\b`,
	`\bsystemctl\s+(reboot|poweroff|halt)\b`,
	`agent update`,
	`install-agent\.sh`,
}

// denyPathDefaults name path fragments whose integrity findings are
// pure churn (logs, package caches, container scratch space). Events
// under them are dropped before dedup.
var denyPathDefaults = []string{
	"var/log",
	"var/lib/docker/containers",
	"var/cache/apt",
	"var/lib/apt",
	"var/lib/dpkg",
	"var/tmp",
	"root/.pm2/logs",
}

// Path classes for integrity severity. Patterns are absolute path
// prefixes; single elements may use shell-style wildcards.
var (
	highPathDefaults = []string{
		"/etc", "/root/.ssh", "/usr/bin", "/usr/sbin",
		"/sbin", "/bin", "/boot", "/lib",
	}
	mediumPathDefaults = []string{
		"/opt", "/srv", "/var/www", "/home/*/bin",
	}
)

// File is the YAML override shape. Every list extends the built-in
// defaults of the same name.
type File struct {
	CriticalCommands    []string `yaml:"critical_commands"`
	ExpectedDisconnect  []string `yaml:"expected_disconnect"`
	IntegrityDenyPaths  []string `yaml:"integrity_deny_paths"`
	HighSeverityPaths   []string `yaml:"high_severity_paths"`
	MediumSeverityPaths []string `yaml:"medium_severity_paths"`
}

// Policy is an immutable compiled rule set. Construct via Default or
// Load; safe for concurrent use.
type Policy struct {
	critical   []*regexp.Regexp
	disconnect []*regexp.Regexp
	denyPaths  []string
	highPaths  []string
	midPaths   []string
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := build(File{})
	if err != nil {
		// Built-in patterns are constants; a compile failure here is
		// a programming error.
		panic(fmt.Sprintf("policy: compile defaults: %v", err))
	}
	return p
}

// Load reads a YAML override file and returns the built-ins extended
// by its entries. An empty path returns Default().
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	p, err := build(f)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

func build(f File) (*Policy, error) {
	p := &Policy{
		denyPaths: append(append([]string{}, denyPathDefaults...), f.IntegrityDenyPaths...),
		highPaths: append(append([]string{}, highPathDefaults...), f.HighSeverityPaths...),
		midPaths:  append(append([]string{}, mediumPathDefaults...), f.MediumSeverityPaths...),
	}
	var err error
	if p.critical, err = compile(criticalDefaults, f.CriticalCommands); err != nil {
		return nil, fmt.Errorf("critical_commands: %w", err)
	}
	if p.disconnect, err = compile(disconnectDefaults, f.ExpectedDisconnect); err != nil {
		return nil, fmt.Errorf("expected_disconnect: %w", err)
	}
	return p, nil
}

func compile(defaults, extra []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(defaults)+len(extra))
	for _, expr := range append(append([]string{}, defaults...), extra...) {
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// IsCritical reports whether command matches any critical pattern.
func (p *Policy) IsCritical(command string) bool {
	return matchAny(p.critical, command)
}

// ExpectsDisconnect reports whether command is expected to drop the
// agent connection after dispatch.
func (p *Policy) ExpectsDisconnect(command string) bool {
	return matchAny(p.disconnect, command)
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// DeniedIntegrityPath reports whether an integrity finding for the
// given path should be discarded outright.
func (p *Policy) DeniedIntegrityPath(target string) bool {
	for _, deny := range p.denyPaths {
		if strings.Contains(target, deny) {
			return true
		}
	}
	return false
}

// IntegritySeverity grades an integrity finding by where it happened.
func (p *Policy) IntegritySeverity(target string) fleet.Severity {
	for _, pat := range p.highPaths {
		if underPath(target, pat) {
			return fleet.SeverityHigh
		}
	}
	for _, pat := range p.midPaths {
		if underPath(target, pat) {
			return fleet.SeverityMedium
		}
	}
	return fleet.SeverityLow
}

// underPath reports whether target lies at or below pattern. Pattern
// elements may contain path.Match wildcards ("/home/*/bin").
func underPath(target, pattern string) bool {
	tp := splitPath(target)
	pp := splitPath(pattern)
	if len(tp) < len(pp) {
		return false
	}
	for i, seg := range pp {
		ok, err := path.Match(seg, tp[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(path.Clean("/"+p), "/"), "/")
}
