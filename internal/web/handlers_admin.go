package web

import (
	"net/http"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/auth"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
)

// ---------------------------------------------------------------------------
// Machine groups
// ---------------------------------------------------------------------------

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request, _ *fleet.User) {
	groups, err := s.deps.Store.ListGroups()
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "list groups"))
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleSaveGroup(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	var group fleet.MachineGroup
	if err := decode(r, &group); err != nil {
		writeError(w, err)
		return
	}
	if group.Name == "" {
		writeError(w, fleet.E(fleet.KindMessageMalformed, "group name required"))
		return
	}
	// Unknown machine ids are dropped rather than rejected; a group may
	// legitimately reference a machine that was since deleted.
	kept := group.MachineIDs[:0]
	for _, id := range group.MachineIDs {
		if _, ok := s.deps.Cache.Get(id); ok {
			kept = append(kept, id)
		}
	}
	group.MachineIDs = kept
	if group.CreatedAt.IsZero() {
		group.CreatedAt = s.deps.Clock.Now().UTC()
	}
	if err := s.deps.Store.SaveGroup(&group); err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "save group"))
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeleteGroup(r.PathValue("name")); err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "delete group"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------------------------------------------------------------------------
// User management
// ---------------------------------------------------------------------------

// userView is the wire shape of an account; hashes and TOTP material
// never leave the server.
type userView struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Role        fleet.Role `json:"role"`
	Active      bool       `json:"active"`
	TOTPEnabled bool       `json:"totpEnabled"`
	SSOLinked   bool       `json:"ssoLinked"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

func toUserView(u *fleet.User) userView {
	return userView{
		ID:          u.ID,
		Username:    u.Username,
		Role:        u.Role,
		Active:      u.Active,
		TOTPEnabled: u.TOTPEnabled,
		SSOLinked:   u.OIDCSubject != "",
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	users, err := s.deps.Auth.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, toUserView(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Username string     `json:"username"`
		Password string     `json:"password"`
		Role     fleet.Role `json:"role"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.deps.Auth.CreateUser(user, req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserView(created))
}

// handleUpdateUser applies a partial account update: role, active flag,
// or password, in any combination.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Role     *fleet.Role `json:"role,omitempty"`
		Active   *bool       `json:"active,omitempty"`
		Password *string     `json:"password,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if req.Role != nil {
		if err := s.deps.Auth.UpdateUserRole(user, id, *req.Role); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Active != nil {
		if err := s.deps.Auth.SetUserActive(user, id, *req.Active); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Password != nil {
		if err := s.deps.Auth.SetPassword(user, id, *req.Password); err != nil {
			writeError(w, err)
			return
		}
	}
	updated, err := s.deps.Auth.GetUser(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(updated))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Auth.DeleteUser(user, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetMachineAccess(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		MachineIDs []string `json:"machineIds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Auth.SetMachineAccess(user, r.PathValue("id"), req.MachineIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machineIds": req.MachineIDs})
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 200)
	action := r.URL.Query().Get("action")
	machineID := r.URL.Query().Get("machine")
	entries, err := s.deps.Store.ListAudit(limit, action, machineID)
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "list audit"))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Notification settings
// ---------------------------------------------------------------------------

func (s *Server) handleGetNotifications(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	channels, err := s.deps.Store.GetNotificationChannels()
	if err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "load channels"))
		return
	}
	masked := make([]notify.Channel, 0, len(channels))
	for _, ch := range channels {
		masked = append(masked, notify.MaskSecrets(ch))
	}
	writeJSON(w, http.StatusOK, masked)
}

// handleSaveNotifications replaces the channel set. Every enabled
// channel must build, so malformed settings are rejected as a whole.
func (s *Server) handleSaveNotifications(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var channels []notify.Channel
	if err := decode(r, &channels); err != nil {
		writeError(w, err)
		return
	}
	var notifiers []notify.Notifier
	for i := range channels {
		if channels[i].ID == "" {
			channels[i].ID = notify.GenerateID()
		}
		if !channels[i].Enabled {
			continue
		}
		n, err := notify.BuildFilteredNotifier(channels[i])
		if err != nil {
			writeError(w, fleet.Wrap(fleet.KindMessageMalformed, err, "channel %s", channels[i].Name))
			return
		}
		notifiers = append(notifiers, n)
	}
	if err := s.deps.Store.SetNotificationChannels(channels); err != nil {
		writeError(w, fleet.Wrap(fleet.KindStoreUnavailable, err, "save channels"))
		return
	}
	s.deps.Notify.Reconfigure(notifiers...)
	s.deps.Audit.Record(audit.Entry{
		Action:   audit.ActionSettingsUpdated,
		Severity: fleet.AuditInfo,
		UserID:   user.ID,
		Username: user.Username,
		Details:  map[string]any{"channels": len(channels)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"channels": len(channels)})
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	delivered := s.deps.Notify.Notify(r.Context(), notify.Event{
		Type:      notify.EventSecurityEvent,
		Severity:  "info",
		Message:   "Test notification from Fleet Sentinel",
		Timestamp: s.deps.Clock.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}
