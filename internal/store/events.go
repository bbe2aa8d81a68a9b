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

func eventKey(machineID, id string) []byte {
	return []byte(machineID + keySep + id)
}

// UpsertEventByFingerprint runs the security-event dedup decision inside a
// single write transaction, which serializes upserts per fingerprint and
// keeps the at-most-one-non-resolved invariant. The existing row with the
// same (type, fingerprint) is located (non-resolved rows win over resolved
// ones), then decide produces the row to persist; returning write=false
// suppresses the arrival (cooldown). The returned bool reports insertion.
func (s *Store) UpsertEventByFingerprint(machineID, eventType, fingerprint string, decide func(existing *fleet.SecurityEvent) (*fleet.SecurityEvent, bool)) (*fleet.SecurityEvent, bool, error) {
	var (
		saved    *fleet.SecurityEvent
		inserted bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityEvents)

		var existing *fleet.SecurityEvent
		prefix := []byte(machineID + keySep)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev fleet.SecurityEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if ev.Type != eventType || ev.Fingerprint != fingerprint {
				continue
			}
			if existing == nil || (existing.Status == fleet.EventResolved && ev.Status != fleet.EventResolved) {
				copied := ev
				existing = &copied
			}
			if existing.Status != fleet.EventResolved {
				break
			}
		}

		row, write := decide(existing)
		if !write || row == nil {
			saved = existing
			return nil
		}

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal security event: %w", err)
		}
		if err := b.Put(eventKey(machineID, row.ID), data); err != nil {
			return err
		}
		saved = row
		inserted = existing == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return saved, inserted, nil
}

// SaveSecurityEvent writes an event row directly, bypassing dedup.
func (s *Store) SaveSecurityEvent(ev *fleet.SecurityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal security event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecurityEvents).Put(eventKey(ev.MachineID, ev.ID), data)
	})
}

// GetSecurityEvent retrieves one event. Returns ErrNotFound when absent.
func (s *Store) GetSecurityEvent(machineID, id string) (*fleet.SecurityEvent, error) {
	var ev fleet.SecurityEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSecurityEvents).Get(eventKey(machineID, id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListSecurityEvents returns a machine's events, newest update first.
// With statuses given, only matching rows are returned.
func (s *Store) ListSecurityEvents(machineID string, statuses ...fleet.EventStatus) ([]*fleet.SecurityEvent, error) {
	var events []*fleet.SecurityEvent
	prefix := []byte(machineID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSecurityEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev fleet.SecurityEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if len(statuses) > 0 && !statusIn(ev.Status, statuses) {
				continue
			}
			events = append(events, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].UpdatedAt.After(events[j].UpdatedAt) })
	return events, nil
}

// ResolveSecurityEvents flips the given open/ack events to resolved.
// Returns the ids actually transitioned; already-resolved ids are skipped.
func (s *Store) ResolveSecurityEvents(machineID string, ids []string, now time.Time) ([]string, error) {
	var resolved []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityEvents)
		for _, id := range ids {
			key := eventKey(machineID, id)
			v := b.Get(key)
			if v == nil {
				continue
			}
			var ev fleet.SecurityEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if ev.Status == fleet.EventResolved {
				continue
			}
			ev.Status = fleet.EventResolved
			ev.UpdatedAt = now
			t := now
			ev.ResolvedAt = &t
			data, err := json.Marshal(&ev)
			if err != nil {
				return fmt.Errorf("marshal security event: %w", err)
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			resolved = append(resolved, id)
		}
		return nil
	})
	return resolved, err
}

// ResolveAllSecurityEvents flips every open/ack event on a machine to
// resolved. Returns the ids transitioned.
func (s *Store) ResolveAllSecurityEvents(machineID string, now time.Time) ([]string, error) {
	open, err := s.ListSecurityEvents(machineID, fleet.EventOpen, fleet.EventAck)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(open))
	for _, ev := range open {
		ids = append(ids, ev.ID)
	}
	return s.ResolveSecurityEvents(machineID, ids, now)
}

// OpenEventCounts tallies a machine's non-resolved events by severity.
func (s *Store) OpenEventCounts(machineID string) (map[fleet.Severity]int, error) {
	counts := make(map[fleet.Severity]int)
	events, err := s.ListSecurityEvents(machineID, fleet.EventOpen, fleet.EventAck)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		counts[ev.Severity]++
	}
	return counts, nil
}

func statusIn(s fleet.EventStatus, set []fleet.EventStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
