package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// ErrUsernameTaken is returned when creating a user with an existing name.
var ErrUsernameTaken = errors.New("username already exists")

// ---- index key helpers ----

func usernameIndexKey(username string) []byte {
	return []byte("idx::username::" + username)
}

func oidcIndexKey(subject string) []byte {
	return []byte("idx::oidc::" + subject)
}

var userIndexPrefix = []byte("idx::")

func isUserIndexKey(k []byte) bool {
	return len(k) >= len(userIndexPrefix) && string(k[:len(userIndexPrefix)]) == string(userIndexPrefix)
}

// CreateUser persists a new user and its username index atomically.
func (s *Store) CreateUser(u *fleet.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if existing := b.Get(usernameIndexKey(u.Username)); existing != nil {
			return ErrUsernameTaken
		}
		if err := b.Put([]byte(u.ID), data); err != nil {
			return err
		}
		if err := b.Put(usernameIndexKey(u.Username), []byte(u.ID)); err != nil {
			return err
		}
		if u.OIDCSubject != "" {
			return b.Put(oidcIndexKey(u.OIDCSubject), []byte(u.ID))
		}
		return nil
	})
}

// GetUser retrieves a user by id. Returns ErrNotFound when absent.
func (s *Store) GetUser(id string) (*fleet.User, error) {
	var u fleet.User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername retrieves a user through the username index.
func (s *Store) GetUserByUsername(username string) (*fleet.User, error) {
	var u fleet.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		id := b.Get(usernameIndexKey(username))
		if id == nil {
			return ErrNotFound
		}
		v := b.Get(id)
		if v == nil {
			return fmt.Errorf("username index orphan for %q", username)
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByOIDCSubject retrieves a user through the OIDC subject index.
func (s *Store) GetUserByOIDCSubject(subject string) (*fleet.User, error) {
	var u fleet.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		id := b.Get(oidcIndexKey(subject))
		if id == nil {
			return ErrNotFound
		}
		v := b.Get(id)
		if v == nil {
			return fmt.Errorf("oidc index orphan for subject %q", subject)
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUser rewrites a user row, rotating indexes when username or OIDC
// subject changed.
func (s *Store) UpdateUser(u *fleet.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		existing := b.Get([]byte(u.ID))
		if existing == nil {
			return ErrNotFound
		}
		var old fleet.User
		if err := json.Unmarshal(existing, &old); err != nil {
			return fmt.Errorf("unmarshal existing user: %w", err)
		}
		if old.Username != u.Username {
			if v := b.Get(usernameIndexKey(u.Username)); v != nil {
				return ErrUsernameTaken
			}
			if err := b.Delete(usernameIndexKey(old.Username)); err != nil {
				return err
			}
			if err := b.Put(usernameIndexKey(u.Username), []byte(u.ID)); err != nil {
				return err
			}
		}
		if old.OIDCSubject != u.OIDCSubject {
			if old.OIDCSubject != "" {
				if err := b.Delete(oidcIndexKey(old.OIDCSubject)); err != nil {
					return err
				}
			}
			if u.OIDCSubject != "" {
				if err := b.Put(oidcIndexKey(u.OIDCSubject), []byte(u.ID)); err != nil {
					return err
				}
			}
		}
		return b.Put([]byte(u.ID), data)
	})
}

// DeleteUser removes a user, its indexes, and its machine-access list.
func (s *Store) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var u fleet.User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}
		if err := b.Delete(usernameIndexKey(u.Username)); err != nil {
			return err
		}
		if u.OIDCSubject != "" {
			if err := b.Delete(oidcIndexKey(u.OIDCSubject)); err != nil {
				return err
			}
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketMachineAccess).Delete([]byte(id))
	})
}

// ListUsers returns all users sorted by username.
func (s *Store) ListUsers() ([]*fleet.User, error) {
	var users []*fleet.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			if isUserIndexKey(k) {
				return nil
			}
			var u fleet.User
			if err := json.Unmarshal(v, &u); err != nil {
				return nil
			}
			users = append(users, &u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// CountUsers returns the number of user rows, excluding index keys.
func (s *Store) CountUsers() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, _ []byte) error {
			if !isUserIndexKey(k) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// SetMachineAccess replaces a user's machine-access list.
func (s *Store) SetMachineAccess(userID string, machineIDs []string) error {
	data, err := json.Marshal(machineIDs)
	if err != nil {
		return fmt.Errorf("marshal machine access: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachineAccess).Put([]byte(userID), data)
	})
}

// GetMachineAccess returns a user's machine-access list. A missing entry
// means no access has been granted; admins bypass this check entirely.
func (s *Store) GetMachineAccess(userID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMachineAccess).Get([]byte(userID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &ids)
	})
	return ids, err
}

// SaveGroup upserts a machine group.
func (s *Store) SaveGroup(g *fleet.MachineGroup) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachineGroups).Put([]byte(g.Name), data)
	})
}

// GetGroup retrieves a machine group. Returns ErrNotFound when absent.
func (s *Store) GetGroup(name string) (*fleet.MachineGroup, error) {
	var g fleet.MachineGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMachineGroups).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// DeleteGroup removes a machine group.
func (s *Store) DeleteGroup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachineGroups).Delete([]byte(name))
	})
}

// ListGroups returns all machine groups sorted by name.
func (s *Store) ListGroups() ([]*fleet.MachineGroup, error) {
	var groups []*fleet.MachineGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachineGroups).ForEach(func(_, v []byte) error {
			var g fleet.MachineGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return nil
			}
			groups = append(groups, &g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}
