// Package fleet defines the domain types shared across the control plane:
// machines, metrics, commands, scans, packages, CVE data, security events,
// bulk jobs, users, and the wire frames exchanged with agents and browsers.
package fleet

import "time"

// MachineStatus is the connectivity state of a managed host.
type MachineStatus string

const (
	MachineOnline  MachineStatus = "online"
	MachineOffline MachineStatus = "offline"
)

// Machine is a managed Linux host. Created on first-seen registration and
// never deleted implicitly; status is driven by the agent connection manager.
type Machine struct {
	ID              string        `json:"id"`       // opaque identifier, agent-chosen or server-minted
	Hostname        string        `json:"hostname"`
	IP              string        `json:"ip"`
	OSInfo          string        `json:"osInfo"`
	Status          MachineStatus `json:"status"`
	SecretEncrypted string        `json:"secretEncrypted"` // AES-GCM blob, base64, nonce embedded
	SecretHash      string        `json:"secretHash"`      // SHA-256 hex of the 64-hex normalized secret
	AgentVersion    string        `json:"agentVersion,omitempty"`
	PackageManager  string        `json:"packageManager,omitempty"` // apt, apk, npm, ...
	CreatedAt       time.Time     `json:"createdAt"`
	LastSeen        time.Time     `json:"lastSeen"`
}

// Redacted returns a copy with the agent secret material stripped, safe
// to hand to web clients.
func (m Machine) Redacted() Machine {
	m.SecretEncrypted = ""
	m.SecretHash = ""
	return m
}

// Metric is one timestamped resource snapshot for a machine. Append-only.
type Metric struct {
	MachineID     string    `json:"machineId"`
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpuPercent"`
	RAMPercent    float64   `json:"ramPercent"`
	RAMTotal      uint64    `json:"ramTotal"` // bytes
	RAMUsed       uint64    `json:"ramUsed"`
	DiskPercent   float64   `json:"diskPercent"`
	DiskTotal     uint64    `json:"diskTotal"`
	DiskUsed      uint64    `json:"diskUsed"`
	UptimeSeconds uint64    `json:"uptimeSeconds"`
}

// RunStatus is the lifecycle state shared by commands, executions, and jobs.
// Transitions are monotonic: pending -> running -> terminal; no regression.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunAborted RunStatus = "aborted"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunAborted
}

// Command is a single shell command dispatched to one machine, either ad hoc
// or on behalf of a bulk-job execution. Owned by the issuing machine row.
type Command struct {
	ID          string     `json:"id"`
	MachineID   string     `json:"machineId"`
	JobID       string     `json:"jobId,omitempty"` // set when dispatched by the orchestrator
	Command     string     `json:"command"`
	Status      RunStatus  `json:"status"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Output      string     `json:"output,omitempty"`
	RequestedBy string     `json:"requestedBy,omitempty"` // user id or system principal
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// PackageScan summarizes one agent package scan.
type PackageScan struct {
	ID              string    `json:"id"`
	MachineID       string    `json:"machineId"`
	Total           int       `json:"total"`
	Updates         int       `json:"updates"`
	SecurityUpdates int       `json:"securityUpdates"`
	Paths           []string  `json:"paths,omitempty"` // filesystem paths covered by integrity checks
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
}

// PackageStatus classifies an installed package against available updates.
type PackageStatus string

const (
	PackageCurrent         PackageStatus = "current"
	PackageUpdateAvailable PackageStatus = "update_available"
	PackageSecurityUpdate  PackageStatus = "security_update"
)

// Package is one installed package on a machine; (machineId, name) is unique.
// Packages not seen in a non-empty scan are garbage-collected.
type Package struct {
	MachineID        string        `json:"machineId"`
	Name             string        `json:"name"`
	Version          string        `json:"version"`
	Manager          string        `json:"manager"` // apt, apk, npm, pip, ...
	Status           PackageStatus `json:"status"`
	AvailableVersion string        `json:"availableVersion,omitempty"`
	LastSeen         time.Time     `json:"lastSeen"`
	ScanID           string        `json:"scanId"`
}

// Severity grades vulnerability and security-event impact.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// VersionRange is one introduced/fixed window from an OSV affected range.
// An empty Fixed means the range is still open.
type VersionRange struct {
	Introduced string `json:"introduced,omitempty"`
	Fixed      string `json:"fixed,omitempty"`
}

// AffectedPackage names one package an advisory applies to, with the
// version ranges and explicit versions it affects.
type AffectedPackage struct {
	Name     string         `json:"name"`
	Ranges   []VersionRange `json:"ranges,omitempty"`
	Versions []string       `json:"versions,omitempty"` // explicit affected versions
}

// CVE is one mirrored advisory, scoped to a single ecosystem.
type CVE struct {
	ID          string            `json:"id"` // CVE-..., GHSA-..., or native OSV id
	Ecosystem   string            `json:"ecosystem"`
	Severity    Severity          `json:"severity"`
	PublishedAt time.Time         `json:"publishedAt"`
	Affected    []AffectedPackage `json:"affected"`
	FixedIn     []string          `json:"fixedIn,omitempty"` // union of fixed versions across ranges
	Summary     string            `json:"summary,omitempty"`
	Source      string            `json:"source,omitempty"` // advisory URL
}

// VulnerabilityMatch joins an installed package to an advisory that affects
// its installed version. Recomputed per machine after each scan and sync.
type VulnerabilityMatch struct {
	MachineID        string    `json:"machineId"`
	PackageName      string    `json:"packageName"`
	InstalledVersion string    `json:"installedVersion"`
	CVEID            string    `json:"cveId"`
	Severity         Severity  `json:"severity"`
	FixedVersion     string    `json:"fixedVersion,omitempty"`
	MatchedAt        time.Time `json:"matchedAt"`
}

// EventStatus is the triage state of a security event.
type EventStatus string

const (
	EventOpen     EventStatus = "open"
	EventAck      EventStatus = "ack"
	EventResolved EventStatus = "resolved"
)

// SecurityEvent is one deduplicated security finding on a machine.
// Invariant: at most one non-resolved row per (machineId, type, fingerprint).
type SecurityEvent struct {
	ID          string         `json:"id"`
	MachineID   string         `json:"machineId"`
	Type        string         `json:"type"` // failed_auth, integrity, drift, vulnerability, ...
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Fingerprint string         `json:"fingerprint"`
	Path        string         `json:"path,omitempty"`     // integrity events
	SourceIP    string         `json:"sourceIp,omitempty"` // failed_auth events
	Details     map[string]any `json:"details,omitempty"`
	Status      EventStatus    `json:"status"`
	Count       int            `json:"count"` // occurrences folded into this row
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
}

// JobMode selects the bulk-job dispatch strategy.
type JobMode string

const (
	JobParallel JobMode = "parallel"
	JobRolling  JobMode = "rolling"
)

// TargetMode selects how a bulk job resolves its target machines.
type TargetMode string

const (
	TargetAdhoc   TargetMode = "adhoc"   // explicit machine ids
	TargetGroup   TargetMode = "group"   // named group membership
	TargetDynamic TargetMode = "dynamic" // structured query over machine fields
)

// DynamicQuery is a conjunctive filter over machine fields.
type DynamicQuery struct {
	HostnameContains string        `json:"hostnameContains,omitempty"`
	OSContains       string        `json:"osContains,omitempty"`
	Status           MachineStatus `json:"status,omitempty"`
	PackageManager   string        `json:"packageManager,omitempty"`
}

// TargetSpec names the machines a bulk job runs on.
type TargetSpec struct {
	Mode       TargetMode    `json:"mode"`
	MachineIDs []string      `json:"machineIds,omitempty"` // adhoc
	Group      string        `json:"group,omitempty"`      // group
	Query      *DynamicQuery `json:"query,omitempty"`      // dynamic
}

// Strategy tunes bulk-job dispatch.
type Strategy struct {
	Concurrency          int `json:"concurrency,omitempty"`          // parallel: max in-flight
	BatchSize            int `json:"batchSize,omitempty"`            // rolling: wave size
	WaitSeconds          int `json:"waitSeconds,omitempty"`          // rolling: pause between waves
	StopOnFailurePercent int `json:"stopOnFailurePercent,omitempty"` // 0 disables the threshold
}

// JobTotals is the live execution accounting for a job.
type JobTotals struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`
}

// Job is one bulk command run across a resolved set of machines.
type Job struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	Mode       JobMode    `json:"mode"`
	Target     TargetSpec `json:"target"`
	Strategy   Strategy   `json:"strategy"`
	Status     RunStatus  `json:"status"`
	Totals     JobTotals  `json:"totals"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Execution is the per-machine child of a job.
type Execution struct {
	JobID      string     `json:"jobId"`
	MachineID  string     `json:"machineId"`
	Hostname   string     `json:"hostname,omitempty"`
	Status     RunStatus  `json:"status"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Role is a user's coarse authorization level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// User is a control-plane account.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"passwordHash"`
	Role         Role       `json:"role"`
	Active       bool       `json:"active"`
	TOTPSecret   string     `json:"totpSecret,omitempty"` // encrypted at rest
	TOTPEnabled  bool       `json:"totpEnabled"`
	OIDCSubject  string     `json:"oidcSubject,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// Redacted returns a copy with credential material stripped, safe to
// serialize to clients.
func (u User) Redacted() *User {
	u.PasswordHash = ""
	u.TOTPSecret = ""
	return &u
}

// MachineGroup is a named cohort of machines, used by group targeting.
type MachineGroup struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	MachineIDs  []string  `json:"machineIds"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Capability is one action a terminal session token may authorize.
type Capability string

const (
	CapOpenTerminal   Capability = "open_terminal"
	CapTerminalInput  Capability = "terminal_input"
	CapTerminalResize Capability = "terminal_resize"
	CapExecuteCommand Capability = "execute_command"
)

// TerminalSession is a capability token for privileged machine messaging.
// Stored for revocation; the signature also allows stateless verification.
type TerminalSession struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	MachineID    string       `json:"machineId"`
	Capabilities []Capability `json:"capabilities"`
	IssuedAt     time.Time    `json:"issuedAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	Signature    string       `json:"signature"` // HMAC-SHA-256 by the server secret, hex
}

// Can reports whether the session grants the capability.
func (s *TerminalSession) Can(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AuditLevel grades audit entries.
type AuditLevel string

const (
	AuditDebug    AuditLevel = "debug"
	AuditInfo     AuditLevel = "info"
	AuditWarning  AuditLevel = "warning"
	AuditCritical AuditLevel = "critical"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	UserID    string         `json:"userId,omitempty"`
	Username  string         `json:"username,omitempty"`
	MachineID string         `json:"machineId,omitempty"`
	Severity  AuditLevel     `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
