// Package audit appends security-relevant actions to the persistent
// audit trail. Writes never fail the operation that produced them:
// storage errors are logged and swallowed.
package audit

import (
	"strings"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
)

// Audit action names. One per distinct security-relevant occurrence so
// the trail can be filtered without parsing details.
const (
	ActionLoginSuccess    = "LOGIN_SUCCESS"
	ActionLoginFailed     = "LOGIN_FAILED"
	ActionLoginLockout    = "LOGIN_LOCKOUT"
	ActionTOTPVerified    = "TOTP_VERIFIED"
	ActionTOTPFailed      = "TOTP_FAILED"
	ActionReauthIssued    = "REAUTH_TOKEN_ISSUED"
	ActionOIDCLogin       = "OIDC_LOGIN"
	ActionWebAuthnLogin   = "WEBAUTHN_LOGIN"
	ActionWebAuthnEnroll  = "WEBAUTHN_CREDENTIAL_ADDED"
	ActionUserCreated     = "USER_CREATED"
	ActionUserUpdated     = "USER_UPDATED"
	ActionUserDeleted     = "USER_DELETED"
	ActionAccessUpdated   = "MACHINE_ACCESS_UPDATED"
	ActionAccessDenied    = "MACHINE_ACCESS_DENIED"
	ActionMachineDeleted  = "MACHINE_DELETED"
	ActionAgentRejected   = "AGENT_AUTH_REJECTED"
	ActionTerminalOpened  = "TERMINAL_SESSION_OPENED"
	ActionTerminalClosed  = "TERMINAL_SESSION_CLOSED"
	ActionEnvelopeOK      = "SECURE_MESSAGE_ACCEPTED"
	ActionJobCreated      = "BULK_JOB_CREATED"
	ActionJobAborted      = "BULK_JOB_ABORTED"
	ActionCriticalBlocked = "CRITICAL_COMMAND_BLOCKED"
	ActionEventsResolved  = "SECURITY_EVENTS_RESOLVED"
	ActionCVESynced       = "CVE_SYNC_COMPLETED"
	ActionCVESyncFailed   = "CVE_SYNC_FAILED"
	ActionSettingsUpdated = "SETTINGS_UPDATED"
)

// ActionForKind derives the audit action for a protocol or auth
// failure from its error kind, so every failure class lands in the
// trail under its own name.
func ActionForKind(k fleet.Kind) string {
	return strings.ToUpper(string(k))
}

// Store is the persistence surface the recorder needs.
type Store interface {
	AppendAudit(entry *fleet.AuditEntry) error
}

// Entry is one action to record. The recorder assigns id and time.
type Entry struct {
	Action    string
	Severity  fleet.AuditLevel
	UserID    string
	Username  string
	MachineID string
	Details   map[string]any
}

// Recorder persists audit entries and announces them to web clients.
type Recorder struct {
	store Store
	bus   *events.Bus
	clk   clock.Clock
	log   *logging.Logger
}

func New(store Store, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, clk: clk, log: log}
}

// Record appends one entry to the trail. Debug-severity entries are
// traced to the process log only; everything else is persisted and
// broadcast. Storage failures are logged, never returned.
func (r *Recorder) Record(e Entry) {
	if e.Severity == "" {
		e.Severity = fleet.AuditInfo
	}
	if e.Severity == fleet.AuditDebug {
		r.log.Debug("audit trace",
			"action", e.Action,
			"userId", e.UserID,
			"machineId", e.MachineID,
		)
		return
	}

	entry := &fleet.AuditEntry{
		ID:        uuid.NewString(),
		Action:    e.Action,
		UserID:    e.UserID,
		Username:  e.Username,
		MachineID: e.MachineID,
		Severity:  e.Severity,
		Details:   e.Details,
		CreatedAt: r.clk.Now().UTC(),
	}
	if err := r.store.AppendAudit(entry); err != nil {
		r.log.Error("audit write failed", "action", e.Action, "error", err)
		return
	}
	metrics.AuditEntries.Inc()
	if r.bus != nil {
		r.bus.Publish(events.Message{
			Type:      fleet.FrameAuditLog,
			MachineID: entry.MachineID,
			Payload:   &fleet.AuditLogFrame{Type: fleet.FrameAuditLog, Entry: entry},
		})
	}
}
