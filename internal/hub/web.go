package hub

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// WebIdentity is the authenticated principal behind a browser socket.
// The caller validates the JWT before the upgrade.
type WebIdentity struct {
	UserID   string
	Username string
	Role     fleet.Role
}

// ServeWeb upgrades an authenticated GET /ws/web request and runs the
// client until it disconnects.
func (h *Hub) ServeWeb(w http.ResponseWriter, r *http.Request, id WebIdentity) {
	allowed, err := h.resolveAccess(id)
	if err != nil {
		h.log.Error("resolve machine access", "user", id.Username, "error", err)
		http.Error(w, "machine access unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("web upgrade failed", "user", id.Username, "error", err)
		return
	}

	wc := &WebConn{
		conn:     newConn(ws, webSendBuffer),
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		allowed:  allowed,
	}
	h.registry.AddWeb(wc)
	h.log.Info("web client connected", "user", id.Username)

	go wc.writePump()
	h.readWebFrames(wc)
	h.teardownWeb(wc)
}

// resolveAccess loads the user's machine visibility set. Admins see
// everything; other roles see their assigned machines plus unscoped
// frames.
func (h *Hub) resolveAccess(id WebIdentity) (map[string]struct{}, error) {
	if id.Role == fleet.RoleAdmin {
		return nil, nil
	}
	ids, err := h.deps.Access.GetMachineAccess(id.UserID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, mid := range ids {
		allowed[mid] = struct{}{}
	}
	return allowed, nil
}

func (h *Hub) readWebFrames(wc *WebConn) {
	wc.prepareRead(webReadLimit)
	for {
		_, data, err := wc.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := h.dispatchWebFrame(wc, data); err != nil {
			kind, _ := fleet.KindOf(err)
			wc.CloseWithReason(websocket.ClosePolicyViolation, string(kind))
			return
		}
	}
}

// dispatchWebFrame routes one client frame. A returned error closes
// the socket; every failure is audited where it is detected.
func (h *Hub) dispatchWebFrame(wc *WebConn, data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return h.denyWeb(wc, "", fleet.KindMessageMalformed, "undecodable frame")
	}

	switch head.Type {
	case "":
		return h.denyWeb(wc, "", fleet.KindMessageMissingType, "frame missing type")
	case fleet.FrameSpawnTerminal:
		return h.handleSpawnTerminal(wc, data)
	case fleet.FrameTerminalInput:
		return h.handleTerminalInput(wc, data)
	case fleet.FrameTerminalResize:
		return h.handleTerminalResize(wc, data)
	case fleet.FrameTriggerScan:
		return h.handleTriggerScan(wc, data)
	default:
		return h.denyWeb(wc, "", fleet.KindMessageMalformed, "unknown frame type %q", head.Type)
	}
}

func (h *Hub) handleSpawnTerminal(wc *WebConn, data []byte) error {
	var req fleet.SpawnTerminalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return h.denyWeb(wc, "", fleet.KindMessageMalformed, "undecodable spawn_terminal frame")
	}
	if wc.Role == fleet.RoleViewer {
		return h.denyWeb(wc, req.MachineID, fleet.KindForbiddenRole, "viewers cannot open terminals")
	}
	if !wc.CanSee(req.MachineID) {
		return h.denyWeb(wc, req.MachineID, fleet.KindMachineAccessDenied, "no access to machine %s", req.MachineID)
	}
	if !h.registry.AgentOnline(req.MachineID) {
		// Not a protocol violation; the client simply gets no session.
		h.log.Warn("spawn_terminal for offline machine", "machine", req.MachineID, "user", wc.Username)
		return nil
	}

	sess, err := h.deps.Terminal.OpenSession(wc.UserID, req.MachineID, nil)
	if err != nil {
		h.log.Error("open terminal session", "machine", req.MachineID, "error", err)
		return nil
	}
	payload := &fleet.SpawnTerminalPayload{Cols: req.Cols, Rows: req.Rows, Session: sess}
	if err := h.SendSigned(sess, fleet.FrameSpawnTerminal, payload); err != nil {
		h.log.Warn("dispatch spawn_terminal", "machine", req.MachineID, "error", err)
		h.deps.Terminal.CloseSession(sess.ID, wc.UserID, req.MachineID)
		return nil
	}
	wc.trackSession(sess.ID, req.MachineID)
	return nil
}

func (h *Hub) handleTerminalInput(wc *WebConn, data []byte) error {
	var req fleet.TerminalInputRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return h.denyWeb(wc, "", fleet.KindMessageMalformed, "undecodable terminal_input frame")
	}
	sess, err := h.deps.Terminal.Authorize(req.SessionID, wc.UserID, fleet.FrameTerminalInput)
	if err != nil {
		return err // audited by the terminal service
	}
	payload := &fleet.TerminalInputPayload{Data: req.Data}
	if err := h.SendSigned(sess, fleet.FrameTerminalInput, payload); err != nil {
		h.log.Warn("dispatch terminal_input", "machine", sess.MachineID, "error", err)
	}
	return nil
}

func (h *Hub) handleTerminalResize(wc *WebConn, data []byte) error {
	var req fleet.TerminalResizeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return h.denyWeb(wc, "", fleet.KindMessageMalformed, "undecodable terminal_resize frame")
	}
	sess, err := h.deps.Terminal.Authorize(req.SessionID, wc.UserID, fleet.FrameTerminalResize)
	if err != nil {
		return err
	}
	payload := &fleet.TerminalResizePayload{Cols: req.Cols, Rows: req.Rows}
	if err := h.SendSigned(sess, fleet.FrameTerminalResize, payload); err != nil {
		h.log.Warn("dispatch terminal_resize", "machine", sess.MachineID, "error", err)
	}
	return nil
}

func (h *Hub) handleTriggerScan(wc *WebConn, data []byte) error {
	var req fleet.TriggerScanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return h.denyWeb(wc, "", fleet.KindMessageMalformed, "undecodable trigger_scan frame")
	}
	if wc.Role == fleet.RoleViewer {
		return h.denyWeb(wc, req.MachineID, fleet.KindForbiddenRole, "viewers cannot trigger scans")
	}
	if !wc.CanSee(req.MachineID) {
		return h.denyWeb(wc, req.MachineID, fleet.KindMachineAccessDenied, "no access to machine %s", req.MachineID)
	}

	frame := &fleet.TriggerScanRequest{Type: fleet.FrameTriggerScan, MachineID: req.MachineID}
	if err := h.registry.SendToAgent(req.MachineID, frame); err != nil {
		h.log.Warn("dispatch trigger_scan", "machine", req.MachineID, "error", err)
	}
	return nil
}

// denyWeb audits a client-frame failure and returns the kinded error.
func (h *Hub) denyWeb(wc *WebConn, machineID string, kind fleet.Kind, format string, args ...any) error {
	err := fleet.E(kind, format, args...)
	h.deps.Audit.Record(audit.Entry{
		Action:    audit.ActionForKind(kind),
		Severity:  fleet.AuditWarning,
		UserID:    wc.UserID,
		Username:  wc.Username,
		MachineID: machineID,
		Details:   map[string]any{"reason": err.Message},
	})
	return err
}

// teardownWeb closes the socket and revokes the terminal sessions it
// spawned.
func (h *Hub) teardownWeb(wc *WebConn) {
	h.registry.RemoveWeb(wc)
	wc.Close()
	for sessionID, machineID := range wc.takeSessions() {
		h.deps.Terminal.CloseSession(sessionID, wc.UserID, machineID)
	}
	h.log.Info("web client disconnected", "user", wc.Username)
}
