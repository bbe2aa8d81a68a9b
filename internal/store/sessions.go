package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// SaveTerminalSession persists a terminal capability token for revocation.
func (s *Store) SaveTerminalSession(sess *fleet.TerminalSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal terminal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTerminalSessions).Put([]byte(sess.ID), data)
	})
}

// GetTerminalSession retrieves a session. Returns ErrNotFound when absent
// or revoked.
func (s *Store) GetTerminalSession(id string) (*fleet.TerminalSession, error) {
	var sess fleet.TerminalSession
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTerminalSessions).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteTerminalSession revokes a session.
func (s *Store) DeleteTerminalSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTerminalSessions).Delete([]byte(id))
	})
}

// DeleteExpiredTerminalSessions sweeps sessions whose expiry has passed.
// Returns the number of rows removed.
func (s *Store) DeleteExpiredTerminalSessions(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTerminalSessions)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess fleet.TerminalSession
			if err := json.Unmarshal(v, &sess); err != nil {
				stale = append(stale, copyBytes(k))
				continue
			}
			if sess.ExpiresAt.Before(now) {
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
