package web

import (
	"net/http"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/auth"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
)

func redactState(st state.MachineState) state.MachineState {
	st.Machine = st.Machine.Redacted()
	return st
}

func (s *Server) handleListMachines(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	visible, err := s.deps.Auth.VisibleMachines(user)
	if err != nil {
		writeError(w, err)
		return
	}
	all := s.deps.Cache.List()
	out := make([]state.MachineState, 0, len(all))
	for _, st := range all {
		if visible != nil && !visible[st.Machine.ID] {
			continue
		}
		out = append(out, redactState(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, _ *http.Request, _ *fleet.User, id string) {
	st, ok := s.deps.Cache.Get(id)
	if !ok {
		writeError(w, fleet.E(fleet.KindMachineNotFound, "machine %s", id))
		return
	}
	writeJSON(w, http.StatusOK, redactState(st))
}

func (s *Server) handleMachineMetrics(w http.ResponseWriter, r *http.Request, _ *fleet.User, id string) {
	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 1000)
	since := s.deps.Clock.Now().Add(-time.Duration(hours) * time.Hour)
	metrics, err := s.deps.Store.ListMetrics(id, since, limit)
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "list metrics"))
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleMachinePackages(w http.ResponseWriter, _ *http.Request, _ *fleet.User, id string) {
	packages, err := s.deps.Store.ListPackages(id)
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "list packages"))
		return
	}
	scan, err := s.deps.Store.LatestScan(id)
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "latest scan"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"packages": packages,
		"lastScan": scan,
	})
}

func (s *Server) handleMachineSecurity(w http.ResponseWriter, r *http.Request, _ *fleet.User, id string) {
	statuses := []fleet.EventStatus{fleet.EventOpen}
	switch r.URL.Query().Get("status") {
	case "resolved":
		statuses = []fleet.EventStatus{fleet.EventResolved}
	case "all":
		statuses = nil
	}
	events, err := s.deps.Store.ListSecurityEvents(id, statuses...)
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "list security events"))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleMachineCommands(w http.ResponseWriter, r *http.Request, _ *fleet.User, id string) {
	limit := queryInt(r, "limit", 50)
	commands, err := s.deps.Store.ListCommands(id, limit)
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "list commands"))
		return
	}
	writeJSON(w, http.StatusOK, commands)
}

func (s *Server) handleMachineVulnerabilities(w http.ResponseWriter, _ *http.Request, _ *fleet.User, id string) {
	matches, err := s.deps.Store.ListMatches(id)
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "list matches"))
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleExecuteCommand runs one ad-hoc command on a machine. Commands
// matching the critical policy additionally require a fresh re-auth
// token in the X-Reauth-Token header.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request, user *fleet.User, id string) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Command == "" {
		writeError(w, fleet.E(fleet.KindMessageMalformed, "empty command"))
		return
	}
	if err := s.requireReauthForCritical(r, user, req.Command, id); err != nil {
		writeError(w, err)
		return
	}
	cmd, err := s.deps.Jobs.ExecuteCommand(user.ID, id, req.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

// requireReauthForCritical gates destructive commands behind a fresh
// password or TOTP proof.
func (s *Server) requireReauthForCritical(r *http.Request, user *fleet.User, command, machineID string) error {
	if !s.deps.Policy.IsCritical(command) {
		return nil
	}
	token := r.Header.Get("X-Reauth-Token")
	if token == "" {
		s.auditCriticalBlocked(user, command, machineID, "missing reauth token")
		return fleet.E(fleet.KindReauthRequired, "critical command requires re-authentication")
	}
	if err := s.deps.Auth.VerifyReauth(token, user.ID); err != nil {
		s.auditCriticalBlocked(user, command, machineID, "invalid reauth token")
		return err
	}
	return nil
}

func (s *Server) auditCriticalBlocked(user *fleet.User, command, machineID, reason string) {
	s.deps.Audit.Record(audit.Entry{
		Action:    audit.ActionCriticalBlocked,
		Severity:  fleet.AuditWarning,
		UserID:    user.ID,
		Username:  user.Username,
		MachineID: machineID,
		Details:   map[string]any{"command": command, "reason": reason},
	})
}

// handleDeleteMachine removes a machine and its cached state. Admin
// only; historical data under other buckets is pruned by retention.
func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	st, ok := s.deps.Cache.Get(id)
	if !ok {
		writeError(w, fleet.E(fleet.KindMachineNotFound, "machine %s", id))
		return
	}
	if err := s.deps.Cache.Remove(id); err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "delete machine"))
		return
	}
	s.deps.Audit.Record(audit.Entry{
		Action:    audit.ActionMachineDeleted,
		Severity:  fleet.AuditWarning,
		UserID:    user.ID,
		Username:  user.Username,
		MachineID: id,
		Details:   map[string]any{"hostname": st.Machine.Hostname},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleResolveAll(w http.ResponseWriter, _ *http.Request, user *fleet.User, id string) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	resolved, err := s.deps.Resolver.ResolveAll(id, audit.Entry{
		UserID:   user.ID,
		Username: user.Username,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

func (s *Server) handleResolveSome(w http.ResponseWriter, r *http.Request, user *fleet.User, id string) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		EventIDs []string `json:"eventIds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.EventIDs) == 0 {
		writeError(w, fleet.E(fleet.KindMessageMalformed, "no event ids"))
		return
	}
	resolved, err := s.deps.Resolver.Resolve(id, req.EventIDs, audit.Entry{
		UserID:   user.ID,
		Username: user.Username,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}
