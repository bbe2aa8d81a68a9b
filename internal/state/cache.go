// Package state keeps the server's in-memory view of the fleet.
// It pairs persisted machine rows with ephemeral runtime state (latest
// metric sample, open security-event tallies) that is rebuilt on restart.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
)

// MachineStore is the slice of the persistence layer the cache needs.
type MachineStore interface {
	ListMachines() ([]*fleet.Machine, error)
	SaveMachine(m *fleet.Machine) error
	UpdateMachine(id string, fn func(*fleet.Machine) error) error
	DeleteMachine(id string) error
	LatestMetric(machineID string) (*fleet.Metric, error)
	OpenEventCounts(machineID string) (map[fleet.Severity]int, error)
}

// MachineState is the server-side view of one managed host.
type MachineState struct {
	Machine    fleet.Machine          `json:"machine"`
	LastMetric *fleet.Metric          `json:"lastMetric,omitempty"`
	OpenEvents map[fleet.Severity]int `json:"openEvents,omitempty"`
}

// Cache tracks every known machine. Machine rows are write-through to the
// store; metric samples and event tallies live only in memory and are
// hydrated from the store on startup.
type Cache struct {
	mu       sync.RWMutex
	machines map[string]*MachineState
	store    MachineStore
	log      *logging.Logger
}

// New creates a Cache backed by the given store.
// Call LoadFromStore() after construction to hydrate.
func New(store MachineStore, log *logging.Logger) *Cache {
	return &Cache{
		machines: make(map[string]*MachineState),
		store:    store,
		log:      log,
	}
}

// LoadFromStore reads all persisted machines and populates the in-memory
// map. Every machine starts offline until its agent actually connects;
// rows left online by an unclean shutdown are flipped and persisted.
func (c *Cache) LoadFromStore() error {
	machines, err := c.store.ListMachines()
	if err != nil {
		return fmt.Errorf("load machines: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range machines {
		if m.Status != fleet.MachineOffline {
			m.Status = fleet.MachineOffline
			if err := c.store.UpdateMachine(m.ID, func(row *fleet.Machine) error {
				row.Status = fleet.MachineOffline
				return nil
			}); err != nil {
				c.log.Warn("could not mark machine offline on startup", "machine", m.ID, "error", err)
			}
		}

		st := &MachineState{Machine: *m}
		if metric, err := c.store.LatestMetric(m.ID); err == nil {
			st.LastMetric = metric
		}
		if counts, err := c.store.OpenEventCounts(m.ID); err == nil && len(counts) > 0 {
			st.OpenEvents = counts
		}
		c.machines[m.ID] = st
	}

	c.log.Info("loaded machines from store", "count", len(c.machines))
	return nil
}

// Upsert adds or replaces a machine row and persists it.
func (c *Cache) Upsert(m *fleet.Machine) error {
	if err := c.store.SaveMachine(m); err != nil {
		return fmt.Errorf("persist machine %s: %w", m.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.machines[m.ID]; ok {
		st.Machine = *m
	} else {
		c.machines[m.ID] = &MachineState{Machine: *m}
	}
	return nil
}

// Get returns a copy of the machine state, or false if unknown.
func (c *Cache) Get(id string) (MachineState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.machines[id]
	if !ok {
		return MachineState{}, false
	}
	return copyState(st), true
}

// List returns a snapshot of all machines sorted by hostname.
func (c *Cache) List() []MachineState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]MachineState, 0, len(c.machines))
	for _, st := range c.machines {
		out = append(out, copyState(st))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Machine, out[j].Machine
		if a.Hostname != b.Hostname {
			return a.Hostname < b.Hostname
		}
		return a.ID < b.ID
	})
	return out
}

// SetStatus transitions a machine's connectivity status and persists it.
// Returns true when the status actually changed, so callers broadcast
// transitions only.
func (c *Cache) SetStatus(id string, status fleet.MachineStatus, seen time.Time) (bool, error) {
	c.mu.Lock()
	st, ok := c.machines[id]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("machine %s not found", id)
	}
	changed := st.Machine.Status != status
	st.Machine.Status = status
	if !seen.IsZero() {
		st.Machine.LastSeen = seen
	}
	c.mu.Unlock()

	err := c.store.UpdateMachine(id, func(row *fleet.Machine) error {
		row.Status = status
		if !seen.IsZero() {
			row.LastSeen = seen
		}
		return nil
	})
	if err != nil {
		return changed, fmt.Errorf("persist status for %s: %w", id, err)
	}
	return changed, nil
}

// Touch updates a machine's LastSeen timestamp and persists it.
// Called on every heartbeat.
func (c *Cache) Touch(id string, seen time.Time) error {
	c.mu.Lock()
	if st, ok := c.machines[id]; ok {
		st.Machine.LastSeen = seen
	}
	c.mu.Unlock()

	return c.store.UpdateMachine(id, func(row *fleet.Machine) error {
		row.LastSeen = seen
		return nil
	})
}

// RecordMetric caches the newest metric sample for a machine.
// Persistence of the append-only series is the caller's concern.
func (c *Cache) RecordMetric(m *fleet.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.machines[m.MachineID]; ok {
		metric := *m
		st.LastMetric = &metric
	}
}

// SetOpenEvents replaces the open security-event tally for a machine.
func (c *Cache) SetOpenEvents(id string, counts map[fleet.Severity]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.machines[id]; ok {
		if len(counts) == 0 {
			st.OpenEvents = nil
			return
		}
		copied := make(map[fleet.Severity]int, len(counts))
		for k, v := range counts {
			copied[k] = v
		}
		st.OpenEvents = copied
	}
}

// Remove deletes a machine from the cache and the store.
func (c *Cache) Remove(id string) error {
	if err := c.store.DeleteMachine(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.machines, id)
	c.mu.Unlock()
	return nil
}

// StaleOnline returns the ids of machines still marked online whose
// LastSeen is older than cutoff. The liveness sweeper flips these.
func (c *Cache) StaleOnline(cutoff time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for id, st := range c.machines {
		if st.Machine.Status == fleet.MachineOnline && st.Machine.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// copyState deep-copies a MachineState so callers can use it after the
// lock is released.
func copyState(st *MachineState) MachineState {
	out := MachineState{Machine: st.Machine}
	if st.LastMetric != nil {
		metric := *st.LastMetric
		out.LastMetric = &metric
	}
	if len(st.OpenEvents) > 0 {
		out.OpenEvents = make(map[fleet.Severity]int, len(st.OpenEvents))
		for k, v := range st.OpenEvents {
			out.OpenEvents[k] = v
		}
	}
	return out
}
