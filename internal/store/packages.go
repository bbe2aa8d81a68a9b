package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

func packageKey(machineID, name string) []byte {
	return []byte(machineID + keySep + name)
}

// ApplyScan persists a scan result atomically: the scan summary row, an
// upsert of every reported package, and garbage collection of packages
// absent from the report. Deletions happen only after all upserts succeed
// and only when the report is non-empty; an empty report never deletes.
func (s *Store) ApplyScan(scan *fleet.PackageScan, packages []*fleet.Package) error {
	scanData, err := json.Marshal(scan)
	if err != nil {
		return fmt.Errorf("marshal scan: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPackages)

		seen := make(map[string]bool, len(packages))
		for _, p := range packages {
			seen[p.Name] = true
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal package %s: %w", p.Name, err)
			}
			if err := pb.Put(packageKey(scan.MachineID, p.Name), data); err != nil {
				return err
			}
		}

		if len(packages) > 0 {
			prefix := []byte(scan.MachineID + keySep)
			c := pb.Cursor()
			var stale [][]byte
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				name := string(k[len(prefix):])
				if !seen[name] {
					stale = append(stale, copyBytes(k))
				}
			}
			for _, k := range stale {
				if err := pb.Delete(k); err != nil {
					return err
				}
			}
		}

		key := []byte(scan.MachineID + keySep + timeKey(scan.FinishedAt))
		return tx.Bucket(bucketScans).Put(key, scanData)
	})
}

// ListPackages returns a machine's installed packages sorted by name.
func (s *Store) ListPackages(machineID string) ([]*fleet.Package, error) {
	var pkgs []*fleet.Package
	prefix := []byte(machineID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPackages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p fleet.Package
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			pkgs = append(pkgs, &p)
		}
		return nil
	})
	return pkgs, err
}

// PackageManagers returns the distinct package managers observed across all
// machines, used to pick the ecosystems the CVE mirror queries.
func (s *Store) PackageManagers() ([]string, error) {
	set := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPackages).ForEach(func(_, v []byte) error {
			var p fleet.Package
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if p.Manager != "" {
				set[p.Manager] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	managers := make([]string, 0, len(set))
	for m := range set {
		managers = append(managers, m)
	}
	sort.Strings(managers)
	return managers, nil
}

// LatestScan returns the newest scan for a machine, or ErrNotFound.
func (s *Store) LatestScan(machineID string) (*fleet.PackageScan, error) {
	var scan fleet.PackageScan
	prefix := []byte(machineID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScans).Cursor()
		k, v := c.Seek([]byte(machineID + keySep + ";"))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		return json.Unmarshal(v, &scan)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// ListScans returns a machine's scans, newest first, up to limit.
func (s *Store) ListScans(machineID string, limit int) ([]*fleet.PackageScan, error) {
	var scans []*fleet.PackageScan
	prefix := []byte(machineID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScans).Cursor()
		k, v := c.Seek([]byte(machineID + keySep + ";"))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var scan fleet.PackageScan
			if err := json.Unmarshal(v, &scan); err != nil {
				continue
			}
			scans = append(scans, &scan)
			if limit > 0 && len(scans) >= limit {
				return nil
			}
		}
		return nil
	})
	return scans, err
}
