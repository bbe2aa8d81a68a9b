package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// AppendAudit writes one audit entry.
// Key format: "{RFC3339Nano}::{id}" keeps the trail append-only and
// chronologically ordered for reverse scans.
func (s *Store) AppendAudit(entry *fleet.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := []byte(timeKey(entry.CreatedAt) + keySep + entry.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(key, data)
	})
}

// ListAudit returns the most recent audit entries, newest first, up to
// limit. Non-empty action or machineID narrow the result.
func (s *Store) ListAudit(limit int, action, machineID string) ([]*fleet.AuditEntry, error) {
	var entries []*fleet.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(entries) < limit); k, v = c.Prev() {
			var entry fleet.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if action != "" && entry.Action != action {
				continue
			}
			if machineID != "" && entry.MachineID != machineID {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// PruneAudit deletes audit entries older than cutoff.
// Returns the number of rows removed.
func (s *Store) PruneAudit(cutoff time.Time) (int, error) {
	removed := 0
	boundary := []byte(timeKey(cutoff))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()
		var stale [][]byte
		for k, _ := c.First(); k != nil && string(k) < string(boundary); k, _ = c.Next() {
			stale = append(stale, copyBytes(k))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
