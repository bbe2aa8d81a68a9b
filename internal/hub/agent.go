package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
)

// ServeAgent upgrades GET /ws/agent and runs the connection lifecycle:
// handshake, registration, frame dispatch, teardown.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.runAgent(ws, remoteIP(r))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Hub) runAgent(ws wsConn, remoteIP string) {
	reg, err := h.readRegister(ws)
	if err != nil {
		h.rejectAgent(ws, "", err)
		return
	}

	now := h.deps.Clock.Now().UTC()
	m, created, err := h.authenticateAgent(reg, remoteIP, now)
	if err != nil {
		h.rejectAgent(ws, reg.MachineID, err)
		return
	}

	if err := h.deps.Cache.Upsert(m); err != nil {
		h.log.Error("persist machine registration", "machine", m.ID, "error", err)
		writeClose(ws, websocket.CloseInternalServerErr, string(fleet.KindStoreUnavailable))
		_ = ws.Close()
		return
	}

	ac := &AgentConn{
		conn:        newConn(ws, agentSendBuffer),
		MachineID:   m.ID,
		Hostname:    m.Hostname,
		ConnectedAt: now,
	}
	if old := h.registry.RegisterAgent(ac); old != nil {
		old.CloseWithReason(websocket.ClosePolicyViolation, "superseded")
		h.log.Warn("agent connection superseded", "machine", m.ID)
	}

	frameType := fleet.FrameMachineStatusChanged
	if created {
		frameType = fleet.FrameNewMachine
	}
	h.broadcastMachine(frameType, m.ID)
	h.deps.Commands.AgentReconnected(m.ID)
	h.log.Info("agent connected",
		"machine", m.ID,
		"hostname", m.Hostname,
		"version", m.AgentVersion,
	)

	go ac.writePump()
	h.readAgentFrames(ac)
	h.teardownAgent(ac)
}

// readRegister reads the handshake frame under its own deadline. The
// first frame on an agent socket must be register.
func (h *Hub) readRegister(ws wsConn) (*fleet.RegisterFrame, error) {
	ws.SetReadLimit(agentReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(registerWait))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read register frame: %w", err)
	}

	var reg fleet.RegisterFrame
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fleet.Wrap(fleet.KindMessageMalformed, err, "decode register frame")
	}
	if reg.Type == "" {
		return nil, fleet.E(fleet.KindMessageMissingType, "register frame missing type")
	}
	if reg.Type != fleet.FrameRegister {
		return nil, fleet.E(fleet.KindMessageMalformed, "first frame must be register, got %q", reg.Type)
	}
	if reg.SecretKey == "" {
		return nil, fleet.E(fleet.KindMissingAgentSecret, "register frame missing secret")
	}
	if reg.Hostname == "" {
		return nil, fleet.E(fleet.KindMessageMalformed, "register frame missing hostname")
	}
	return &reg, nil
}

// authenticateAgent validates the handshake secret against the stored
// hash, creating the machine row on first contact.
func (h *Hub) authenticateAgent(reg *fleet.RegisterFrame, remoteIP string, now time.Time) (*fleet.Machine, bool, error) {
	normalized := secrets.Normalize(reg.SecretKey)

	if reg.MachineID != "" {
		if st, ok := h.deps.Cache.Get(reg.MachineID); ok {
			if !secrets.Equal(secrets.Hash(normalized), st.Machine.SecretHash) {
				return nil, false, fleet.E(fleet.KindInvalidAgentSecret, "secret mismatch for machine %s", reg.MachineID)
			}
			row := st.Machine
			applyRegistration(&row, reg, remoteIP, now)
			return &row, false, nil
		}
	}

	encrypted, err := h.deps.Secrets.Encrypt(normalized)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt machine secret: %w", err)
	}
	row := &fleet.Machine{
		ID:              reg.MachineID,
		SecretEncrypted: encrypted,
		SecretHash:      secrets.Hash(normalized),
		CreatedAt:       now,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	applyRegistration(row, reg, remoteIP, now)
	return row, true, nil
}

// applyRegistration merges handshake fields into the machine row and
// marks it online.
func applyRegistration(m *fleet.Machine, reg *fleet.RegisterFrame, remoteIP string, now time.Time) {
	m.Hostname = reg.Hostname
	m.IP = reg.IP
	if m.IP == "" {
		m.IP = remoteIP
	}
	if reg.OSInfo != "" {
		m.OSInfo = reg.OSInfo
	}
	if reg.AgentVersion != "" {
		m.AgentVersion = reg.AgentVersion
	}
	if reg.PackageManager != "" {
		m.PackageManager = reg.PackageManager
	}
	m.Status = fleet.MachineOnline
	m.LastSeen = now
}

// rejectAgent closes a handshake that never became a registered
// connection, auditing the failure class.
func (h *Hub) rejectAgent(ws wsConn, machineID string, err error) {
	defer func() { _ = ws.Close() }()

	kind, ok := fleet.KindOf(err)
	if !ok {
		// Socket-level failure before a well-formed handshake arrived;
		// nothing to audit.
		h.log.Debug("agent handshake aborted", "error", err)
		return
	}
	h.log.Warn("agent rejected", "machine", machineID, "kind", kind)
	h.deps.Audit.Record(audit.Entry{
		Action:    audit.ActionForKind(kind),
		Severity:  fleet.AuditWarning,
		MachineID: machineID,
		Details:   map[string]any{"reason": err.Error()},
	})
	writeClose(ws, websocket.ClosePolicyViolation, string(kind))
}

// writeClose pushes a close control frame on a socket that has no write
// pump yet.
func writeClose(ws wsConn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readAgentFrames is the connection's single reader: frames are
// processed in receive order until the socket dies or the agent
// commits a protocol violation.
func (h *Hub) readAgentFrames(ac *AgentConn) {
	ac.prepareRead(agentReadLimit)
	for {
		_, data, err := ac.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := h.dispatchAgentFrame(ac, data); err != nil {
			kind, _ := fleet.KindOf(err)
			h.deps.Audit.Record(audit.Entry{
				Action:    audit.ActionForKind(kind),
				Severity:  fleet.AuditWarning,
				MachineID: ac.MachineID,
				Details:   map[string]any{"reason": err.Error()},
			})
			ac.CloseWithReason(websocket.ClosePolicyViolation, string(kind))
			return
		}
	}
}

// dispatchAgentFrame routes one inbound frame. A returned error is a
// protocol violation and costs the agent its connection; handler
// failures past decoding are logged, not fatal.
func (h *Hub) dispatchAgentFrame(ac *AgentConn, data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "undecodable frame")
	}
	if head.Type == "" {
		return fleet.E(fleet.KindMessageMissingType, "frame missing type")
	}
	metrics.AgentFrames.WithLabelValues(head.Type).Inc()

	switch head.Type {
	case fleet.FrameHeartbeat:
		h.handleHeartbeat(ac)
		return nil
	case fleet.FrameMetric:
		return h.handleMetric(ac, data)
	case fleet.FrameScan:
		return h.handleScanFrame(ac, data)
	case fleet.FrameScanProgress:
		return h.handleScanProgress(ac, data)
	case fleet.FrameEvent:
		return h.handleEventFrame(ac, data)
	case fleet.FrameCommandOutput:
		return h.handleCommandOutput(ac, data)
	case fleet.FrameCommandCompleted:
		return h.handleCommandCompleted(ac, data)
	case fleet.FrameTerminalOutput:
		return h.handleTerminalOutput(ac, data)
	case fleet.FrameTerminalSessionCreated:
		return h.handleTerminalSessionCreated(ac, data)
	default:
		return fleet.E(fleet.KindMessageMalformed, "unknown frame type %q", head.Type)
	}
}

func (h *Hub) handleHeartbeat(ac *AgentConn) {
	now := h.deps.Clock.Now().UTC()
	changed, err := h.deps.Cache.SetStatus(ac.MachineID, fleet.MachineOnline, now)
	if err != nil {
		h.log.Warn("record heartbeat", "machine", ac.MachineID, "error", err)
		return
	}
	// The sweeper may have flipped the machine offline while the socket
	// stayed up; the next heartbeat heals it.
	if changed {
		h.broadcastMachine(fleet.FrameMachineStatusChanged, ac.MachineID)
	}
	h.deps.Bus.Publish(events.Message{
		Type:      fleet.FrameMachineHeartbeat,
		MachineID: ac.MachineID,
		Payload: &fleet.MachineHeartbeatFrame{
			Type:      fleet.FrameMachineHeartbeat,
			MachineID: ac.MachineID,
			LastSeen:  now,
		},
	})
}

func (h *Hub) handleMetric(ac *AgentConn, data []byte) error {
	var frame fleet.MetricFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode metric frame")
	}

	metric := &fleet.Metric{
		MachineID:     ac.MachineID,
		Timestamp:     h.deps.Clock.Now().UTC(),
		CPUPercent:    frame.CPUPercent,
		RAMPercent:    frame.RAMPercent,
		RAMTotal:      frame.RAMTotal,
		RAMUsed:       frame.RAMUsed,
		DiskPercent:   frame.DiskPercent,
		DiskTotal:     frame.DiskTotal,
		DiskUsed:      frame.DiskUsed,
		UptimeSeconds: frame.UptimeSeconds,
	}
	if err := h.deps.Metrics.AppendMetric(metric); err != nil {
		h.log.Warn("persist metric", "machine", ac.MachineID, "error", err)
	}
	h.deps.Cache.RecordMetric(metric)
	h.deps.Bus.Publish(events.Message{
		Type:      fleet.FrameMachineMetrics,
		MachineID: ac.MachineID,
		Payload: &fleet.MachineMetricsFrame{
			Type:      fleet.FrameMachineMetrics,
			MachineID: ac.MachineID,
			Metric:    metric,
		},
	})
	return nil
}

func (h *Hub) handleScanFrame(ac *AgentConn, data []byte) error {
	var frame fleet.ScanFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode scan frame")
	}
	h.deps.Scans.HandleScan(ac.MachineID, &frame)
	return nil
}

func (h *Hub) handleScanProgress(ac *AgentConn, data []byte) error {
	var frame fleet.ScanProgressFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode scan_progress frame")
	}
	frame.MachineID = ac.MachineID
	h.deps.Bus.Publish(events.Message{
		Type:      fleet.FrameScanProgress,
		MachineID: ac.MachineID,
		Payload:   &frame,
	})
	return nil
}

func (h *Hub) handleEventFrame(ac *AgentConn, data []byte) error {
	var frame fleet.EventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode event frame")
	}
	h.deps.Events.HandleEvent(ac.MachineID, frame.Event)
	return nil
}

func (h *Hub) handleCommandOutput(ac *AgentConn, data []byte) error {
	var frame fleet.CommandOutputFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode command_output frame")
	}
	h.deps.Commands.HandleOutput(ac.MachineID, frame.CommandID, frame.Output)
	return nil
}

func (h *Hub) handleCommandCompleted(ac *AgentConn, data []byte) error {
	var frame fleet.CommandCompletedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode command_completed frame")
	}
	h.deps.Commands.HandleCompleted(ac.MachineID, frame.CommandID, frame.ExitCode, frame.Error)
	return nil
}

func (h *Hub) handleTerminalOutput(ac *AgentConn, data []byte) error {
	var frame fleet.TerminalOutputFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode terminal_output frame")
	}
	frame.MachineID = ac.MachineID
	h.deps.Bus.Publish(events.Message{
		Type:      fleet.FrameTerminalOutput,
		MachineID: ac.MachineID,
		Payload:   &frame,
	})
	return nil
}

func (h *Hub) handleTerminalSessionCreated(ac *AgentConn, data []byte) error {
	var frame fleet.TerminalSessionCreatedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "decode terminal_session_created frame")
	}
	frame.MachineID = ac.MachineID
	h.deps.Bus.Publish(events.Message{
		Type:      fleet.FrameTerminalSessionCreated,
		MachineID: ac.MachineID,
		Payload:   &frame,
	})
	return nil
}

// teardownAgent runs after the read loop exits. Superseded connections
// skip the offline transition because their replacement owns the
// machine now.
func (h *Hub) teardownAgent(ac *AgentConn) {
	ac.Close()
	if !h.registry.UnregisterAgent(ac) {
		return
	}
	h.markOffline(ac.MachineID)
	h.log.Info("agent disconnected", "machine", ac.MachineID)
}
