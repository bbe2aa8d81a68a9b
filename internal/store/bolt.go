// Package store persists all Fleet-Sentinel state in a single BoltDB file:
// machines, metrics, commands, scans, packages, CVE data, vulnerability
// matches, security events, jobs, executions, users, groups, terminal
// sessions, the audit trail, and settings.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMachines         = []byte("machines")
	bucketMetrics          = []byte("metrics")
	bucketCommands         = []byte("commands")
	bucketScans            = []byte("scans")
	bucketPackages         = []byte("packages")
	bucketCVEs             = []byte("cves")
	bucketVulnMatches      = []byte("vuln_matches")
	bucketSecurityEvents   = []byte("security_events")
	bucketJobs             = []byte("jobs")
	bucketExecutions       = []byte("executions")
	bucketUsers            = []byte("users")
	bucketMachineAccess    = []byte("machine_access")
	bucketMachineGroups    = []byte("machine_groups")
	bucketTerminalSessions = []byte("terminal_sessions")
	bucketAudit            = []byte("audit")
	bucketSettings         = []byte("settings")
	bucketWebAuthnCreds    = []byte("webauthn_credentials")
	bucketWebAuthnCeremony = []byte("webauthn_ceremonies")
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// keySep joins composite key parts; RFC3339Nano suffixes keep prefix scans
// in chronological order.
const keySep = "::"

// Store wraps a BoltDB database for Fleet-Sentinel persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketMachines, bucketMetrics, bucketCommands, bucketScans,
			bucketPackages, bucketCVEs, bucketVulnMatches, bucketSecurityEvents,
			bucketJobs, bucketExecutions, bucketUsers, bucketMachineAccess,
			bucketMachineGroups, bucketTerminalSessions, bucketAudit,
			bucketSettings, bucketWebAuthnCreds, bucketWebAuthnCeremony,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeKey renders a timestamp for use in composite keys.
func timeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// copyBytes detaches a value from the transaction's mmap.
func copyBytes(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
