package auth

import (
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// CanManageUsers reports whether the role may create, update or delete
// accounts, groups and machine-access lists.
func CanManageUsers(role fleet.Role) bool {
	return role == fleet.RoleAdmin
}

// CanExecute reports whether the role may run commands, open terminals
// and create bulk jobs.
func CanExecute(role fleet.Role) bool {
	return role == fleet.RoleAdmin || role == fleet.RoleUser
}

// CanView reports whether the role may read fleet state at all.
func CanView(role fleet.Role) bool {
	switch role {
	case fleet.RoleAdmin, fleet.RoleUser, fleet.RoleViewer:
		return true
	}
	return false
}

// RequireRole returns forbidden_role unless the user holds one of the
// allowed roles.
func RequireRole(u *fleet.User, allowed ...fleet.Role) error {
	for _, r := range allowed {
		if u.Role == r {
			return nil
		}
	}
	return fleet.E(fleet.KindForbiddenRole, "role %s may not perform this action", u.Role)
}

// AuthorizeMachine enforces the machine-access list: admins see every
// machine; other users are restricted once a list is configured. An
// empty list means no restriction has been set up for that user.
func (s *Service) AuthorizeMachine(u *fleet.User, machineID string) error {
	if u.Role == fleet.RoleAdmin {
		return nil
	}
	ids, err := s.store.GetMachineAccess(u.ID)
	if err != nil {
		return fleet.Wrap(fleet.KindStoreUnavailable, err, "load machine access for %s", u.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if id == machineID {
			return nil
		}
	}
	return fleet.E(fleet.KindMachineAccessDenied, "user %s has no access to machine %s", u.Username, machineID)
}

// VisibleMachines filters a machine id set down to what the user may
// see. A nil filter result means unrestricted.
func (s *Service) VisibleMachines(u *fleet.User) (map[string]bool, error) {
	if u.Role == fleet.RoleAdmin {
		return nil, nil
	}
	ids, err := s.store.GetMachineAccess(u.ID)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "load machine access for %s", u.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
