package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func cveKey(ecosystem, id string) []byte {
	return []byte(ecosystem + keySep + id)
}

// UpsertCVEs writes a batch of advisories in one transaction.
func (s *Store) UpsertCVEs(cves []*fleet.CVE) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCVEs)
		for _, c := range cves {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal cve %s: %w", c.ID, err)
			}
			if err := b.Put(cveKey(c.Ecosystem, c.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCVE retrieves one advisory. Returns ErrNotFound when absent.
func (s *Store) GetCVE(ecosystem, id string) (*fleet.CVE, error) {
	var c fleet.CVE
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCVEs).Get(cveKey(ecosystem, id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCVEs returns all advisories for an ecosystem.
func (s *Store) ListCVEs(ecosystem string) ([]*fleet.CVE, error) {
	var cves []*fleet.CVE
	prefix := []byte(ecosystem + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCVEs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cve fleet.CVE
			if err := json.Unmarshal(v, &cve); err != nil {
				continue
			}
			cves = append(cves, &cve)
		}
		return nil
	})
	return cves, err
}

// CountCVEs returns the total number of mirrored advisories.
func (s *Store) CountCVEs() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketCVEs).Stats().KeyN
		return nil
	})
	return count, err
}

// ReplaceMatches swaps a machine's vulnerability matches atomically:
// the old prefix range is cleared and the new rows written in one
// transaction, so readers never observe a partial recompute.
func (s *Store) ReplaceMatches(machineID string, matches []*fleet.VulnerabilityMatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVulnMatches)
		if err := deletePrefix(b, []byte(machineID+keySep)); err != nil {
			return err
		}
		for _, m := range matches {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal match: %w", err)
			}
			key := []byte(machineID + keySep + m.PackageName + keySep + m.CVEID)
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMatches returns a machine's vulnerability matches.
func (s *Store) ListMatches(machineID string) ([]*fleet.VulnerabilityMatch, error) {
	var matches []*fleet.VulnerabilityMatch
	prefix := []byte(machineID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVulnMatches).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m fleet.VulnerabilityMatch
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			matches = append(matches, &m)
		}
		return nil
	})
	return matches, err
}
