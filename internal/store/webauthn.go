package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// SaveWebAuthnCredential upserts one passkey, keyed by its raw
// credential id.
func (s *Store) SaveWebAuthnCredential(cred *fleet.WebAuthnCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal webauthn credential: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebAuthnCreds).Put(cred.ID, data)
	})
}

// GetWebAuthnCredential retrieves one passkey. Returns ErrNotFound
// when absent.
func (s *Store) GetWebAuthnCredential(id []byte) (*fleet.WebAuthnCredential, error) {
	var cred fleet.WebAuthnCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketWebAuthnCreds).Get(id)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListWebAuthnCredentials returns a user's passkeys.
func (s *Store) ListWebAuthnCredentials(userID string) ([]*fleet.WebAuthnCredential, error) {
	var out []*fleet.WebAuthnCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebAuthnCreds).ForEach(func(k, v []byte) error {
			var cred fleet.WebAuthnCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				return fmt.Errorf("decode webauthn credential %x: %w", k, err)
			}
			if cred.UserID == userID {
				out = append(out, &cred)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteWebAuthnCredential removes one passkey.
func (s *Store) DeleteWebAuthnCredential(id []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebAuthnCreds).Delete(id)
	})
}

// CountWebAuthnCredentials reports how many passkeys exist across all
// users, used to decide whether passkey login is offered at all.
func (s *Store) CountWebAuthnCredentials() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketWebAuthnCreds).Stats().KeyN
		return nil
	})
	return n, err
}

// webauthnCeremony is the persisted Begin/Finish handoff state.
type webauthnCeremony struct {
	Data      json.RawMessage `json:"data"` // webauthn.SessionData
	UserID    string          `json:"userId"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// SaveWebAuthnCeremony stores transient ceremony state under an opaque
// key until expiresAt.
func (s *Store) SaveWebAuthnCeremony(key string, data []byte, userID string, expiresAt time.Time) error {
	blob, err := json.Marshal(webauthnCeremony{Data: data, UserID: userID, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("marshal webauthn ceremony: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebAuthnCeremony).Put([]byte(key), blob)
	})
}

// TakeWebAuthnCeremony retrieves and deletes ceremony state. A missing
// or expired ceremony returns ErrNotFound; each key is single-use.
func (s *Store) TakeWebAuthnCeremony(key string, now time.Time) (data []byte, userID string, err error) {
	var c webauthnCeremony
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCeremony)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("decode webauthn ceremony: %w", err)
		}
		if c.ExpiresAt.Before(now) {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return c.Data, c.UserID, nil
}

// DeleteExpiredWebAuthnCeremonies sweeps abandoned ceremonies.
func (s *Store) DeleteExpiredWebAuthnCeremonies(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCeremony)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cer webauthnCeremony
			if err := json.Unmarshal(v, &cer); err != nil {
				stale = append(stale, copyBytes(k))
				continue
			}
			if cer.ExpiresAt.Before(now) {
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
