package fleet

import (
	"encoding/json"
	"time"
)

// Frame type discriminators. Every WebSocket frame is a UTF-8 JSON object
// carrying one of these in its "type" field.
const (
	// Agent -> server.
	FrameRegister               = "register"
	FrameHeartbeat              = "heartbeat"
	FrameMetric                 = "metric"
	FrameScan                   = "scan"
	FrameScanProgress           = "scan_progress"
	FrameEvent                  = "event"
	FrameCommandOutput          = "command_output"
	FrameCommandCompleted       = "command_completed"
	FrameTerminalOutput         = "terminal_output"
	FrameTerminalSessionCreated = "terminal_session_created"

	// Server -> agent, always inside the signed envelope.
	FrameExecuteCommand = "execute_command"
	FrameCancelCommand  = "cancel_command"
	FrameSpawnTerminal  = "spawn_terminal"
	FrameTerminalInput  = "terminal_input"
	FrameTerminalResize = "terminal_resize"

	// Server -> web client.
	FrameNewMachine             = "new_machine"
	FrameMachineStatusChanged   = "machine_status_changed"
	FrameMachineHeartbeat       = "machine_heartbeat"
	FrameMachineMetrics         = "machine_metrics"
	FrameSecurityEvent          = "security_event"
	FrameSecurityEventsResolved = "security_events_resolved"
	FrameScanCompleted          = "scan_completed"
	FrameJobUpdated             = "job_updated"
	FrameJobExecutionUpdated    = "job_execution_updated"
	FrameJobExecutionOutput     = "job_execution_output"
	FrameAuditLog               = "audit_log"

	// Web client -> server (plus spawn_terminal, terminal_input,
	// terminal_resize, which reuse the agent-bound names).
	FrameTriggerScan = "trigger_scan"
)

// Envelope is the secure message wrapper for every privileged server<->agent
// frame. The HMAC covers the canonical serialization of the first six fields
// with the payload included verbatim; Payload stays a json.RawMessage end to
// end so no party ever re-serializes it.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	MachineID string          `json:"machineId"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	HMAC      string          `json:"hmac"`      // hex
}

// RegisterFrame is the first frame an agent must send after connecting.
type RegisterFrame struct {
	Type           string `json:"type"`
	MachineID      string `json:"machineId,omitempty"` // server mints one when empty
	Hostname       string `json:"hostname"`
	IP             string `json:"ip,omitempty"`
	OSInfo         string `json:"osInfo,omitempty"`
	SecretKey      string `json:"secretKey"`
	AgentVersion   string `json:"agentVersion,omitempty"`
	PackageManager string `json:"packageManager,omitempty"`
}

// HeartbeatFrame keeps the liveness window open.
type HeartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds, informational
}

// MetricFrame carries one resource snapshot.
type MetricFrame struct {
	Type          string  `json:"type"`
	CPUPercent    float64 `json:"cpuPercent"`
	RAMPercent    float64 `json:"ramPercent"`
	RAMTotal      uint64  `json:"ramTotal"`
	RAMUsed       uint64  `json:"ramUsed"`
	DiskPercent   float64 `json:"diskPercent"`
	DiskTotal     uint64  `json:"diskTotal"`
	DiskUsed      uint64  `json:"diskUsed"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
}

// ReportedPackage is one installed package in a scan report.
type ReportedPackage struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	Manager          string `json:"manager"`
	Status           string `json:"status,omitempty"` // current, update_available, security_update
	AvailableVersion string `json:"availableVersion,omitempty"`
}

// ReportedEvent is a raw security finding from an agent, either a standalone
// event frame or one embedded in a scan report.
type ReportedEvent struct {
	Type       string         `json:"type"` // failed_auth, integrity, drift, ...
	Severity   string         `json:"severity,omitempty"`
	Message    string         `json:"message"`
	SourceIP   string         `json:"sourceIp,omitempty"`
	Path       string         `json:"path,omitempty"`
	TargetPath string         `json:"targetPath,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// ScanFrame is a full package scan report, optionally with embedded findings.
type ScanFrame struct {
	Type      string            `json:"type"`
	Packages  []ReportedPackage `json:"packages"`
	Paths     []string          `json:"paths,omitempty"`
	Findings  []ReportedEvent   `json:"findings,omitempty"`
	StartedAt int64             `json:"startedAt,omitempty"` // unix milliseconds
}

// ScanProgressFrame reports scan stage updates, relayed to web clients.
type ScanProgressFrame struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId,omitempty"` // filled by the server on relay
	Stage     string `json:"stage"`
	Percent   int    `json:"percent"`
}

// EventFrame is a standalone security finding.
type EventFrame struct {
	Type  string        `json:"type"`
	Event ReportedEvent `json:"event"`
}

// CommandOutputFrame streams a chunk of command output.
type CommandOutputFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Output    string `json:"output"`
}

// CommandCompletedFrame finishes a dispatched command.
type CommandCompletedFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	ExitCode  int    `json:"exitCode"`
	Error     string `json:"error,omitempty"`
}

// TerminalOutputFrame carries terminal bytes from agent to browser.
type TerminalOutputFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId,omitempty"`
	Data      string `json:"data"`
}

// TerminalSessionCreatedFrame acknowledges a spawned terminal.
type TerminalSessionCreatedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId,omitempty"`
}

// ExecuteCommandPayload is the signed payload of an execute_command envelope.
// Session carries the capability token so the agent can honor its expiry and
// capability set; the envelope HMAC vouches for its authenticity.
type ExecuteCommandPayload struct {
	CommandID string           `json:"commandId"`
	Command   string           `json:"command"`
	TimeoutS  int              `json:"timeoutSeconds,omitempty"`
	Session   *TerminalSession `json:"session,omitempty"`
}

// CancelCommandPayload is the signed payload of a cancel_command envelope.
type CancelCommandPayload struct {
	CommandID string `json:"commandId"`
}

// SpawnTerminalPayload is the signed payload of a spawn_terminal envelope.
// The embedded session token introduces the session to the agent.
type SpawnTerminalPayload struct {
	Cols    int              `json:"cols,omitempty"`
	Rows    int              `json:"rows,omitempty"`
	Session *TerminalSession `json:"session,omitempty"`
}

// TerminalInputPayload is the signed payload of a terminal_input envelope.
type TerminalInputPayload struct {
	Data string `json:"data"`
}

// TerminalResizePayload is the signed payload of a terminal_resize envelope.
type TerminalResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ---------------------------------------------------------------------------
// Server -> web client frames
// ---------------------------------------------------------------------------

// MachineFrame broadcasts a machine row (new_machine, machine_status_changed).
type MachineFrame struct {
	Type    string   `json:"type"`
	Machine *Machine `json:"machine"`
}

// MachineHeartbeatFrame broadcasts liveness.
type MachineHeartbeatFrame struct {
	Type      string    `json:"type"`
	MachineID string    `json:"machineId"`
	LastSeen  time.Time `json:"lastSeen"`
}

// MachineMetricsFrame broadcasts the latest metric snapshot.
type MachineMetricsFrame struct {
	Type      string  `json:"type"`
	MachineID string  `json:"machineId"`
	Metric    *Metric `json:"metric"`
}

// SecurityEventFrame broadcasts an inserted or updated security event.
type SecurityEventFrame struct {
	Type  string         `json:"type"`
	Event *SecurityEvent `json:"event"`
}

// SecurityEventsResolvedFrame broadcasts a resolution.
type SecurityEventsResolvedFrame struct {
	Type      string   `json:"type"`
	MachineID string   `json:"machineId"`
	EventIDs  []string `json:"eventIds"`
}

// ScanCompletedFrame broadcasts a finished scan summary.
type ScanCompletedFrame struct {
	Type string       `json:"type"`
	Scan *PackageScan `json:"scan"`
}

// JobUpdatedFrame broadcasts job status changes.
type JobUpdatedFrame struct {
	Type string `json:"type"`
	Job  *Job   `json:"job"`
}

// JobExecutionUpdatedFrame broadcasts execution status changes.
type JobExecutionUpdatedFrame struct {
	Type      string     `json:"type"`
	Execution *Execution `json:"execution"`
}

// JobExecutionOutputFrame streams execution output to web clients.
type JobExecutionOutputFrame struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	MachineID string `json:"machineId"`
	Output    string `json:"output"`
}

// AuditLogFrame broadcasts a new audit entry.
type AuditLogFrame struct {
	Type  string      `json:"type"`
	Entry *AuditEntry `json:"entry"`
}

// ---------------------------------------------------------------------------
// Web client -> server frames
// ---------------------------------------------------------------------------

// SpawnTerminalRequest opens an interactive terminal on a machine.
type SpawnTerminalRequest struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// TerminalInputRequest forwards keystrokes into a terminal session.
type TerminalInputRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalResizeRequest resizes a terminal session.
type TerminalResizeRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TriggerScanRequest asks a machine to run a package scan now.
type TriggerScanRequest struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
}
