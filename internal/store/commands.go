package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// OutputTruncatedMarker is appended once when command output exceeds the cap.
const OutputTruncatedMarker = "\n...[output truncated]"

// MaxOutputBytes bounds stored command and execution output.
const MaxOutputBytes = 64 * 1024

func commandKey(machineID, id string) []byte {
	return []byte(machineID + keySep + id)
}

// SaveCommand persists a command row.
func (s *Store) SaveCommand(cmd *fleet.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).Put(commandKey(cmd.MachineID, cmd.ID), data)
	})
}

// GetCommand retrieves one command. Returns ErrNotFound when absent.
func (s *Store) GetCommand(machineID, id string) (*fleet.Command, error) {
	var cmd fleet.Command
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommands).Get(commandKey(machineID, id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &cmd)
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ListCommands returns a machine's commands, newest first, up to limit.
func (s *Store) ListCommands(machineID string, limit int) ([]*fleet.Command, error) {
	var cmds []*fleet.Command
	prefix := []byte(machineID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommands).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cmd fleet.Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				continue
			}
			cmds = append(cmds, &cmd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].CreatedAt.After(cmds[j].CreatedAt) })
	if limit > 0 && len(cmds) > limit {
		cmds = cmds[:limit]
	}
	return cmds, nil
}

// UpdateCommand applies fn to a stored command inside one transaction.
// Status regressions (terminal back to non-terminal, running to pending)
// are rejected so transitions stay monotonic.
func (s *Store) UpdateCommand(machineID, id string, fn func(*fleet.Command) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		key := commandKey(machineID, id)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var cmd fleet.Command
		if err := json.Unmarshal(v, &cmd); err != nil {
			return fmt.Errorf("unmarshal command: %w", err)
		}
		before := cmd.Status
		if err := fn(&cmd); err != nil {
			return err
		}
		if regresses(before, cmd.Status) {
			return fmt.Errorf("command %s: illegal status transition %s -> %s", id, before, cmd.Status)
		}
		data, err := json.Marshal(&cmd)
		if err != nil {
			return fmt.Errorf("marshal command: %w", err)
		}
		return b.Put(key, data)
	})
}

// AppendCommandOutput adds an output chunk, truncating at MaxOutputBytes.
// Chunks for commands already in a terminal state are dropped silently;
// the agent may keep streaming briefly after an abort.
func (s *Store) AppendCommandOutput(machineID, id, chunk string) error {
	err := s.UpdateCommand(machineID, id, func(cmd *fleet.Command) error {
		if cmd.Status.Terminal() {
			return nil
		}
		cmd.Output = appendBounded(cmd.Output, chunk, MaxOutputBytes)
		return nil
	})
	return err
}

// regresses reports whether a status change moves backwards.
func regresses(from, to fleet.RunStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return true
	}
	if from == fleet.RunRunning && to == fleet.RunPending {
		return true
	}
	return false
}

// appendBounded appends chunk to out, capping at max with a single marker.
func appendBounded(out, chunk string, max int) string {
	if len(out) >= max {
		return out
	}
	out += chunk
	if len(out) > max {
		out = out[:max] + OutputTruncatedMarker
	}
	return out
}
