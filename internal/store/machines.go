package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// SaveMachine upserts a machine row.
func (s *Store) SaveMachine(m *fleet.Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal machine: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).Put([]byte(m.ID), data)
	})
}

// GetMachine retrieves a machine by id. Returns ErrNotFound when absent.
func (s *Store) GetMachine(id string) (*fleet.Machine, error) {
	var m fleet.Machine
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMachines).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMachines returns all machines sorted by hostname.
func (s *Store) ListMachines() ([]*fleet.Machine, error) {
	var machines []*fleet.Machine
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).ForEach(func(_, v []byte) error {
			var m fleet.Machine
			if err := json.Unmarshal(v, &m); err != nil {
				return nil // skip malformed rows
			}
			machines = append(machines, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(machines, func(i, j int) bool {
		if machines[i].Hostname == machines[j].Hostname {
			return machines[i].ID < machines[j].ID
		}
		return machines[i].Hostname < machines[j].Hostname
	})
	return machines, nil
}

// UpdateMachine applies fn to the stored row inside one transaction.
// fn receives the current row and mutates it in place.
func (s *Store) UpdateMachine(id string, fn func(*fleet.Machine) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachines)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var m fleet.Machine
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshal machine: %w", err)
		}
		if err := fn(&m); err != nil {
			return err
		}
		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("marshal machine: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// SetMachineStatus updates connectivity status and lastSeen together.
func (s *Store) SetMachineStatus(id string, status fleet.MachineStatus, lastSeen time.Time) error {
	return s.UpdateMachine(id, func(m *fleet.Machine) error {
		m.Status = status
		if !lastSeen.IsZero() {
			m.LastSeen = lastSeen
		}
		return nil
	})
}

// TouchMachine advances lastSeen without changing status.
func (s *Store) TouchMachine(id string, seen time.Time) error {
	return s.UpdateMachine(id, func(m *fleet.Machine) error {
		m.LastSeen = seen
		return nil
	})
}

// DeleteMachine removes a machine and all of its owned rows: metrics,
// commands, scans, packages, vulnerability matches, and security events.
// The audit trail is kept.
func (s *Store) DeleteMachine(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMachines).Get([]byte(id)); v == nil {
			return ErrNotFound
		}
		if err := tx.Bucket(bucketMachines).Delete([]byte(id)); err != nil {
			return err
		}
		prefix := []byte(id + keySep)
		for _, name := range [][]byte{
			bucketMetrics, bucketCommands, bucketScans, bucketPackages,
			bucketVulnMatches, bucketSecurityEvents,
		} {
			if err := deletePrefix(tx.Bucket(name), prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

// deletePrefix removes every key under prefix in one pass.
func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, copyBytes(k))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
