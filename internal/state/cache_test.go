package state

import (
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
)

// fakeStore is an in-memory MachineStore.
type fakeStore struct {
	machines map[string]*fleet.Machine
	metrics  map[string]*fleet.Metric
	counts   map[string]map[fleet.Severity]int
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		machines: make(map[string]*fleet.Machine),
		metrics:  make(map[string]*fleet.Metric),
		counts:   make(map[string]map[fleet.Severity]int),
	}
}

func (f *fakeStore) ListMachines() ([]*fleet.Machine, error) {
	var out []*fleet.Machine
	for _, m := range f.machines {
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) SaveMachine(m *fleet.Machine) error {
	copied := *m
	f.machines[m.ID] = &copied
	f.saves++
	return nil
}

func (f *fakeStore) UpdateMachine(id string, fn func(*fleet.Machine) error) error {
	m, ok := f.machines[id]
	if !ok {
		return fleet.E(fleet.KindMachineNotFound, "machine %s not found", id)
	}
	if err := fn(m); err != nil {
		return err
	}
	f.saves++
	return nil
}

func (f *fakeStore) DeleteMachine(id string) error {
	delete(f.machines, id)
	return nil
}

func (f *fakeStore) LatestMetric(machineID string) (*fleet.Metric, error) {
	if m, ok := f.metrics[machineID]; ok {
		return m, nil
	}
	return nil, fleet.E(fleet.KindMachineNotFound, "no metrics")
}

func (f *fakeStore) OpenEventCounts(machineID string) (map[fleet.Severity]int, error) {
	return f.counts[machineID], nil
}

func testCache(t *testing.T) (*Cache, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return New(store, logging.New(false, "error")), store
}

func machine(id, hostname string, status fleet.MachineStatus) *fleet.Machine {
	return &fleet.Machine{
		ID:       id,
		Hostname: hostname,
		Status:   status,
		LastSeen: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLoadFromStoreForcesOffline(t *testing.T) {
	c, store := testCache(t)
	store.machines["m1"] = machine("m1", "web-01", fleet.MachineOnline)
	store.metrics["m1"] = &fleet.Metric{MachineID: "m1", CPUPercent: 42}
	store.counts["m1"] = map[fleet.Severity]int{fleet.SeverityHigh: 2}

	if err := c.LoadFromStore(); err != nil {
		t.Fatalf("LoadFromStore: %v", err)
	}

	st, ok := c.Get("m1")
	if !ok {
		t.Fatal("machine missing after hydration")
	}
	if st.Machine.Status != fleet.MachineOffline {
		t.Errorf("status = %q, want offline on startup", st.Machine.Status)
	}
	if st.LastMetric == nil || st.LastMetric.CPUPercent != 42 {
		t.Errorf("last metric not hydrated: %+v", st.LastMetric)
	}
	if st.OpenEvents[fleet.SeverityHigh] != 2 {
		t.Errorf("open events not hydrated: %v", st.OpenEvents)
	}
	// The stale online row must be flipped in the store too.
	if store.machines["m1"].Status != fleet.MachineOffline {
		t.Error("store row still online after startup")
	}
}

func TestUpsertAndList(t *testing.T) {
	c, store := testCache(t)

	for _, m := range []*fleet.Machine{
		machine("m2", "zeta", fleet.MachineOffline),
		machine("m1", "alpha", fleet.MachineOffline),
	} {
		if err := c.Upsert(m); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	all := c.List()
	if len(all) != 2 {
		t.Fatalf("got %d machines, want 2", len(all))
	}
	if all[0].Machine.Hostname != "alpha" || all[1].Machine.Hostname != "zeta" {
		t.Errorf("order = [%s %s], want [alpha zeta]", all[0].Machine.Hostname, all[1].Machine.Hostname)
	}
	if len(store.machines) != 2 {
		t.Errorf("store holds %d machines, want 2 (write-through)", len(store.machines))
	}
}

func TestSetStatusReportsTransitions(t *testing.T) {
	c, store := testCache(t)
	if err := c.Upsert(machine("m1", "web-01", fleet.MachineOffline)); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)

	changed, err := c.SetStatus("m1", fleet.MachineOnline, now)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if !changed {
		t.Error("offline -> online should report a change")
	}

	changed, err = c.SetStatus("m1", fleet.MachineOnline, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("online -> online should not report a change")
	}

	if store.machines["m1"].Status != fleet.MachineOnline {
		t.Error("status not persisted")
	}
	if !store.machines["m1"].LastSeen.Equal(now.Add(time.Minute)) {
		t.Errorf("lastSeen = %v, want %v", store.machines["m1"].LastSeen, now.Add(time.Minute))
	}
}

func TestSetStatusUnknownMachine(t *testing.T) {
	c, _ := testCache(t)

	if _, err := c.SetStatus("ghost", fleet.MachineOnline, time.Now()); err == nil {
		t.Fatal("expected error for unknown machine")
	}
}

func TestRecordMetricIsEphemeral(t *testing.T) {
	c, store := testCache(t)
	if err := c.Upsert(machine("m1", "web-01", fleet.MachineOnline)); err != nil {
		t.Fatal(err)
	}
	savesBefore := store.saves

	c.RecordMetric(&fleet.Metric{MachineID: "m1", CPUPercent: 85})

	st, _ := c.Get("m1")
	if st.LastMetric == nil || st.LastMetric.CPUPercent != 85 {
		t.Errorf("last metric = %+v, want CPU 85", st.LastMetric)
	}
	if store.saves != savesBefore {
		t.Error("RecordMetric must not write machine rows")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c, _ := testCache(t)
	if err := c.Upsert(machine("m1", "web-01", fleet.MachineOnline)); err != nil {
		t.Fatal(err)
	}
	c.SetOpenEvents("m1", map[fleet.Severity]int{fleet.SeverityLow: 1})

	st, _ := c.Get("m1")
	st.Machine.Hostname = "tampered"
	st.OpenEvents[fleet.SeverityLow] = 99

	fresh, _ := c.Get("m1")
	if fresh.Machine.Hostname != "web-01" {
		t.Error("snapshot mutation leaked into the cache")
	}
	if fresh.OpenEvents[fleet.SeverityLow] != 1 {
		t.Error("open-events mutation leaked into the cache")
	}
}

func TestStaleOnline(t *testing.T) {
	c, _ := testCache(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	stale := machine("m1", "old", fleet.MachineOnline)
	stale.LastSeen = base.Add(-5 * time.Minute)
	fresh := machine("m2", "new", fleet.MachineOnline)
	fresh.LastSeen = base.Add(-30 * time.Second)
	offline := machine("m3", "down", fleet.MachineOffline)
	offline.LastSeen = base.Add(-time.Hour)
	for _, m := range []*fleet.Machine{stale, fresh, offline} {
		if err := c.Upsert(m); err != nil {
			t.Fatal(err)
		}
	}

	ids := c.StaleOnline(base.Add(-90 * time.Second))
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("stale = %v, want [m1]", ids)
	}
}

func TestRemove(t *testing.T) {
	c, store := testCache(t)
	if err := c.Upsert(machine("m1", "web-01", fleet.MachineOffline)); err != nil {
		t.Fatal(err)
	}

	if err := c.Remove("m1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := c.Get("m1"); ok {
		t.Error("machine still cached after removal")
	}
	if _, ok := store.machines["m1"]; ok {
		t.Error("machine still stored after removal")
	}
}
