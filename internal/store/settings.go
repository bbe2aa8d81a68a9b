package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
)

const serverSecretKey = "server_secret"

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key. Returns "" when the key is absent.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSettings).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// ServerSecret returns the persisted server-wide signing secret, or "".
func (s *Store) ServerSecret() (string, error) {
	return s.LoadSetting(serverSecretKey)
}

// SaveServerSecret persists the server-wide signing secret.
func (s *Store) SaveServerSecret(secret string) error {
	return s.SaveSetting(serverSecretKey, secret)
}

// GetNotificationChannels loads the configured notification channels.
func (s *Store) GetNotificationChannels() ([]notify.Channel, error) {
	var channels []notify.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte("notification_channels"))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &channels)
	})
	return channels, err
}

// SetNotificationChannels saves the notification channel list.
func (s *Store) SetNotificationChannels(channels []notify.Channel) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("marshal notification channels: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte("notification_channels"), data)
	})
}
