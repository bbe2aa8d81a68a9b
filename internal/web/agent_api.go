package web

import (
	"net/http"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
)

// The agent HTTP fallback lets agents deliver scan reports and security
// findings when the WebSocket is down. It authenticates with the same
// per-machine secret as the socket handshake; privileged server->agent
// traffic has no HTTP equivalent.

func (s *Server) authenticateAgent(r *http.Request) (*fleet.Machine, error) {
	machineID := r.Header.Get("x-machine-id")
	secret := r.Header.Get("x-agent-secret")
	if machineID == "" || secret == "" {
		return nil, fleet.E(fleet.KindMissingAgentSecret, "missing agent credentials")
	}
	m, err := s.deps.Store.GetMachine(machineID)
	if err != nil {
		return nil, fleet.E(fleet.KindInvalidAgentSecret, "unknown machine")
	}
	if !secrets.Equal(secrets.Hash(secrets.Normalize(secret)), m.SecretHash) {
		return nil, fleet.E(fleet.KindInvalidAgentSecret, "secret mismatch")
	}
	return m, nil
}

func (s *Server) handleAgentScan(w http.ResponseWriter, r *http.Request, m *fleet.Machine) {
	var frame fleet.ScanFrame
	if err := decodeLoose(r, &frame); err != nil {
		writeError(w, err)
		return
	}
	s.touchAgent(m.ID)
	s.deps.Scans.HandleScan(m.ID, &frame)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAgentScanProgress(w http.ResponseWriter, r *http.Request, m *fleet.Machine) {
	var frame fleet.ScanProgressFrame
	if err := decodeLoose(r, &frame); err != nil {
		writeError(w, err)
		return
	}
	frame.MachineID = m.ID
	frame.Type = fleet.FrameScanProgress
	s.deps.Bus.Publish(events.Message{
		Type:      fleet.FrameScanProgress,
		MachineID: m.ID,
		Payload:   &frame,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request, m *fleet.Machine) {
	var reported []fleet.ReportedEvent
	if err := decodeLoose(r, &reported); err != nil {
		writeError(w, err)
		return
	}
	s.touchAgent(m.ID)
	for _, ev := range reported {
		s.deps.Events.HandleEvent(m.ID, ev)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(reported)})
}

// handleAgentAudit lets agents push local audit records, for example
// blocked logins observed on the host itself.
func (s *Server) handleAgentAudit(w http.ResponseWriter, r *http.Request, m *fleet.Machine) {
	var entries []struct {
		Action   string           `json:"action"`
		Severity fleet.AuditLevel `json:"severity,omitempty"`
		Details  map[string]any   `json:"details,omitempty"`
	}
	if err := decodeLoose(r, &entries); err != nil {
		writeError(w, err)
		return
	}
	for _, e := range entries {
		if e.Action == "" {
			continue
		}
		s.deps.Audit.Record(audit.Entry{
			Action:    e.Action,
			Severity:  e.Severity,
			MachineID: m.ID,
			Details:   e.Details,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(entries)})
}

// touchAgent refreshes LastSeen; fallback deliveries prove the host is
// alive even when its socket is not.
func (s *Server) touchAgent(machineID string) {
	if err := s.deps.Cache.Touch(machineID, s.deps.Clock.Now().UTC()); err != nil {
		s.deps.Log.Warn("touch machine", "machine", machineID, "error", err)
	}
}
