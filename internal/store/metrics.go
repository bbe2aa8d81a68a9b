package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// AppendMetric stores one metric snapshot.
// Key format: "{machineId}::{RFC3339Nano}" for chronological ordering.
func (s *Store) AppendMetric(m *fleet.Metric) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}
	key := []byte(m.MachineID + keySep + timeKey(m.Timestamp))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(key, data)
	})
}

// ListMetrics returns a machine's metrics since the given time, oldest first,
// up to limit (0 means no limit).
func (s *Store) ListMetrics(machineID string, since time.Time, limit int) ([]*fleet.Metric, error) {
	var metrics []*fleet.Metric
	prefix := []byte(machineID + keySep)
	start := prefix
	if !since.IsZero() {
		start = []byte(machineID + keySep + timeKey(since))
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m fleet.Metric
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			metrics = append(metrics, &m)
			if limit > 0 && len(metrics) >= limit {
				return nil
			}
		}
		return nil
	})
	return metrics, err
}

// LatestMetric returns the newest metric for a machine, or ErrNotFound.
func (s *Store) LatestMetric(machineID string) (*fleet.Metric, error) {
	var m fleet.Metric
	prefix := []byte(machineID + keySep)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()

		// Seek just past the machine's key range, then step back one.
		// The range ends at machineId + "::;" (';' is one past ':' in ASCII).
		k, v := c.Seek([]byte(machineID + keySep + ";"))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PruneMetrics deletes metrics older than cutoff across all machines.
// Returns the number of rows removed.
func (s *Store) PruneMetrics(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m fleet.Metric
			if err := json.Unmarshal(v, &m); err != nil {
				stale = append(stale, copyBytes(k))
				continue
			}
			if m.Timestamp.Before(cutoff) {
				stale = append(stale, copyBytes(k))
			}
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
