package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
	"github.com/Will-Luck/Fleet-Sentinel/internal/policy"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

type fakeClock struct {
	mu         sync.Mutex
	now        time.Time
	holdAfter  bool
	afterCalls int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After fires immediately unless holdAfter is set, in which case the
// returned channel never delivers.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.afterCalls++
	hold := c.holdAfter
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if !hold {
		ch <- now.Add(d)
	}
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) afters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.afterCalls
}

type sentFrame struct {
	machineID string
	frameType string
	payload   any
}

// fakeDispatcher scripts the agent side: which machines are reachable,
// which sends fail, and an optional hook that reacts to dispatched
// execute_command envelopes.
type fakeDispatcher struct {
	mu        sync.Mutex
	offline   map[string]bool
	failSend  map[string]bool
	onExecute func(machineID string, p *fleet.ExecuteCommandPayload)
	sent      []sentFrame
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{offline: make(map[string]bool), failSend: make(map[string]bool)}
}

func (d *fakeDispatcher) AgentOnline(machineID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.offline[machineID]
}

func (d *fakeDispatcher) SendSigned(sess *fleet.TerminalSession, frameType string, payload any) error {
	d.mu.Lock()
	d.sent = append(d.sent, sentFrame{machineID: sess.MachineID, frameType: frameType, payload: payload})
	fail := d.failSend[sess.MachineID]
	hook := d.onExecute
	d.mu.Unlock()

	if fail {
		return fleet.E(fleet.KindAgentDisconnected, "agent %s send buffer full", sess.MachineID)
	}
	if frameType == fleet.FrameExecuteCommand && hook != nil {
		if p, ok := payload.(*fleet.ExecuteCommandPayload); ok {
			hook(sess.MachineID, p)
		}
	}
	return nil
}

func (d *fakeDispatcher) frames(frameType string) []sentFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sentFrame
	for _, f := range d.sent {
		if f.frameType == frameType {
			out = append(out, f)
		}
	}
	return out
}

type fakeSessions struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (s *fakeSessions) OpenSession(userID, machineID string, caps []fleet.Capability) (*fleet.TerminalSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return &fleet.TerminalSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		MachineID:    machineID,
		Capabilities: caps,
	}, nil
}

func (s *fakeSessions) CloseSession(sessionID, userID, machineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

type auditSpy struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSpy) Record(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditSpy) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

type notifySpy struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *notifySpy) Notify(_ context.Context, ev notify.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

func (n *notifySpy) last() (notify.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return notify.Event{}, false
	}
	return n.events[len(n.events)-1], true
}

type testRig struct {
	orch     *Orchestrator
	store    *store.Store
	cache    *state.Cache
	dispatch *fakeDispatcher
	sessions *fakeSessions
	clk      *fakeClock
	audit    *auditSpy
	notify   *notifySpy
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.New(false, "error")
	rig := &testRig{
		store:    st,
		cache:    state.New(st, log),
		dispatch: newFakeDispatcher(),
		sessions: &fakeSessions{},
		clk:      newFakeClock(),
		audit:    &auditSpy{},
		notify:   &notifySpy{},
	}
	rig.orch = New(Config{}, st, rig.cache, rig.dispatch, rig.sessions, policy.Default(), events.NewBus(), rig.audit, rig.notify, rig.clk, log)
	t.Cleanup(rig.orch.Shutdown)
	return rig
}

func (r *testRig) addMachine(t *testing.T, id, hostname string) {
	t.Helper()
	err := r.cache.Upsert(&fleet.Machine{
		ID:       id,
		Hostname: hostname,
		Status:   fleet.MachineOnline,
	})
	if err != nil {
		t.Fatalf("upsert machine %s: %v", id, err)
	}
}

// completeAll wires the dispatcher to finish every dispatched command
// with the given exit code, except machines listed in failIDs which
// exit 1.
func (r *testRig) completeAll(failIDs ...string) {
	failing := make(map[string]bool, len(failIDs))
	for _, id := range failIDs {
		failing[id] = true
	}
	r.dispatch.mu.Lock()
	r.dispatch.onExecute = func(machineID string, p *fleet.ExecuteCommandPayload) {
		if failing[machineID] {
			r.orch.HandleCompleted(machineID, p.CommandID, 1, "")
			return
		}
		r.orch.HandleCompleted(machineID, p.CommandID, 0, "")
	}
	r.dispatch.mu.Unlock()
}

func waitForJobTerminal(t *testing.T, st *store.Store, id string) *fleet.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(id)
		if err == nil && j.Status.Terminal() {
			return j
		}
		time.Sleep(2 * time.Millisecond)
	}
	j, err := st.GetJob(id)
	t.Fatalf("job %s never reached a terminal state (job=%+v err=%v)", id, j, err)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func adhocSpec(command string, ids ...string) JobSpec {
	return JobSpec{
		Command: command,
		Mode:    fleet.JobParallel,
		Target:  fleet.TargetSpec{Mode: fleet.TargetAdhoc, MachineIDs: ids},
	}
}

func TestParallelJobAllSucceed(t *testing.T) {
	rig := newTestRig(t)
	ids := []string{"m0", "m1", "m2", "m3"}
	for _, id := range ids {
		rig.addMachine(t, id, "host-"+id)
	}
	rig.completeAll()

	job, err := rig.orch.CreateJob(adhocSpec("uptime", ids...), "admin-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done := waitForJobTerminal(t, rig.store, job.ID)
	if done.Status != fleet.RunSuccess {
		t.Fatalf("job status = %s, want success", done.Status)
	}
	if done.Totals != (fleet.JobTotals{Total: 4, Succeeded: 4}) {
		t.Fatalf("totals = %+v", done.Totals)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatal("job missing started/finished timestamps")
	}

	execs, err := rig.store.ListExecutions(job.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	for _, e := range execs {
		if e.Status != fleet.RunSuccess {
			t.Errorf("execution %s status = %s, want success", e.MachineID, e.Status)
		}
		if e.ExitCode == nil || *e.ExitCode != 0 {
			t.Errorf("execution %s exit = %v, want 0", e.MachineID, e.ExitCode)
		}
	}

	if ev, ok := rig.notify.last(); !ok || ev.Type != notify.EventJobCompleted {
		t.Errorf("notification = %+v, want job_completed", ev)
	}
	found := false
	for _, a := range rig.audit.actions() {
		if a == audit.ActionJobCreated {
			found = true
		}
	}
	if !found {
		t.Error("job creation was not audited")
	}
}

func TestFailureThresholdStopsLaunching(t *testing.T) {
	rig := newTestRig(t)
	var ids []string
	for _, suffix := range []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"} {
		id := "m" + suffix
		ids = append(ids, id)
		rig.addMachine(t, id, "host-"+id)
	}
	// First five targets fail; with concurrency 1 the threshold trips
	// before the sixth launch and the rest are aborted unlaunched.
	rig.completeAll(ids[0], ids[1], ids[2], ids[3], ids[4])

	spec := adhocSpec("systemctl restart app", ids...)
	spec.Strategy = fleet.Strategy{Concurrency: 1, StopOnFailurePercent: 50}
	job, err := rig.orch.CreateJob(spec, "admin-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done := waitForJobTerminal(t, rig.store, job.ID)
	if done.Status != fleet.RunFailed {
		t.Fatalf("job status = %s, want failed", done.Status)
	}
	if done.Totals.Failed != 5 || done.Totals.Aborted != 5 || done.Totals.Succeeded != 0 {
		t.Fatalf("totals = %+v, want 5 failed 5 aborted", done.Totals)
	}

	execs, err := rig.store.ListExecutions(job.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	for _, e := range execs {
		switch e.Status {
		case fleet.RunFailed:
		case fleet.RunAborted:
			if e.Error != "failure threshold reached" {
				t.Errorf("aborted execution %s error = %q", e.MachineID, e.Error)
			}
		default:
			t.Errorf("execution %s status = %s after threshold stop", e.MachineID, e.Status)
		}
	}

	if ev, ok := rig.notify.last(); !ok || ev.Type != notify.EventJobFailed || ev.Error != "failure threshold reached" {
		t.Errorf("notification = %+v, want job_failed with threshold error", ev)
	}
}

func TestRollingDispatchesInWaves(t *testing.T) {
	rig := newTestRig(t)
	ids := []string{"m0", "m1", "m2", "m3", "m4", "m5"}
	for _, id := range ids {
		rig.addMachine(t, id, "host-"+id)
	}
	rig.completeAll()

	spec := JobSpec{
		Command:  "apt-get update",
		Mode:     fleet.JobRolling,
		Target:   fleet.TargetSpec{Mode: fleet.TargetAdhoc, MachineIDs: ids},
		Strategy: fleet.Strategy{BatchSize: 2, WaitSeconds: 30},
	}
	job, err := rig.orch.CreateJob(spec, "admin-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done := waitForJobTerminal(t, rig.store, job.ID)
	if done.Status != fleet.RunSuccess {
		t.Fatalf("job status = %s, want success", done.Status)
	}
	if got := len(rig.dispatch.frames(fleet.FrameExecuteCommand)); got != 6 {
		t.Fatalf("execute frames = %d, want 6", got)
	}
	// Two pauses for three waves.
	if got := rig.clk.afters(); got != 2 {
		t.Errorf("inter-wave sleeps = %d, want 2", got)
	}

	// Waves launch in target order, two at a time.
	frames := rig.dispatch.frames(fleet.FrameExecuteCommand)
	for wave := 0; wave < 3; wave++ {
		want := map[string]bool{ids[wave*2]: true, ids[wave*2+1]: true}
		for _, f := range frames[wave*2 : wave*2+2] {
			if !want[f.machineID] {
				t.Errorf("wave %d dispatched %s, want one of %v", wave, f.machineID, want)
			}
		}
	}
}

func TestAbortJobCancelsRunningExecutions(t *testing.T) {
	rig := newTestRig(t)
	rig.addMachine(t, "m0", "host-0")
	rig.addMachine(t, "m1", "host-1")
	// No completion hook: executions stay running until aborted.

	spec := adhocSpec("sleep 600", "m0", "m1")
	spec.Strategy = fleet.Strategy{Concurrency: 2}
	job, err := rig.orch.CreateJob(spec, "admin-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitFor(t, "both executions running", func() bool {
		execs, err := rig.store.ListExecutions(job.ID)
		if err != nil || len(execs) != 2 {
			return false
		}
		for _, e := range execs {
			if e.Status != fleet.RunRunning {
				return false
			}
		}
		return true
	})

	aborted, err := rig.orch.AbortJob(job.ID, "admin-1")
	if err != nil {
		t.Fatalf("AbortJob: %v", err)
	}
	if aborted.Status != fleet.RunAborted {
		t.Fatalf("job status = %s, want aborted", aborted.Status)
	}

	waitFor(t, "cancel frames", func() bool {
		return len(rig.dispatch.frames(fleet.FrameCancelCommand)) == 2
	})
	waitFor(t, "executions aborted", func() bool {
		execs, err := rig.store.ListExecutions(job.ID)
		if err != nil {
			return false
		}
		for _, e := range execs {
			if e.Status != fleet.RunAborted {
				return false
			}
		}
		return len(execs) == 2
	})

	var sawAbort bool
	for _, a := range rig.audit.actions() {
		if a == audit.ActionJobAborted {
			sawAbort = true
		}
	}
	if !sawAbort {
		t.Error("abort was not audited")
	}

	if _, err := rig.orch.AbortJob("missing", "admin-1"); !errors.Is(err, fleet.E(fleet.KindJobNotFound, "")) {
		t.Errorf("abort of unknown job = %v, want job_not_found", err)
	}
}

func TestExpectedDisconnectReconnectSucceeds(t *testing.T) {
	rig := newTestRig(t)
	rig.clk.mu.Lock()
	rig.clk.holdAfter = true // reconnect grace never expires on its own
	rig.clk.mu.Unlock()
	rig.addMachine(t, "m0", "host-0")

	job, err := rig.orch.CreateJob(adhocSpec("sudo reboot", "m0"), "admin-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitFor(t, "execute frame", func() bool {
		return len(rig.dispatch.frames(fleet.FrameExecuteCommand)) == 1
	})

	rig.orch.AgentDisconnected("m0")
	rig.orch.AgentReconnected("m0")

	done := waitForJobTerminal(t, rig.store, job.ID)
	if done.Status != fleet.RunSuccess {
		t.Fatalf("job status = %s, want success after reconnect", done.Status)
	}
	execs, _ := rig.store.ListExecutions(job.ID)
	if len(execs) != 1 || execs[0].Status != fleet.RunSuccess {
		t.Fatalf("execution = %+v, want success", execs)
	}
}

func TestDisconnectFailsOrdinaryCommand(t *testing.T) {
	rig := newTestRig(t)
	rig.addMachine(t, "m0", "host-0")

	job, err := rig.orch.CreateJob(adhocSpec("echo hi", "m0"), "admin-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	waitFor(t, "execute frame", func() bool {
		return len(rig.dispatch.frames(fleet.FrameExecuteCommand)) == 1
	})

	rig.orch.AgentDisconnected("m0")

	done := waitForJobTerminal(t, rig.store, job.ID)
	if done.Status != fleet.RunFailed {
		t.Fatalf("job status = %s, want failed", done.Status)
	}
	execs, _ := rig.store.ListExecutions(job.ID)
	if len(execs) != 1 || execs[0].Status != fleet.RunFailed || execs[0].Error != "agent disconnected" {
		t.Fatalf("execution = %+v, want disconnect failure", execs[0])
	}
}

func TestOfflineTargetFailsImmediately(t *testing.T) {
	rig := newTestRig(t)
	rig.addMachine(t, "m0", "host-0")
	rig.dispatch.mu.Lock()
	rig.dispatch.offline["m0"] = true
	rig.dispatch.mu.Unlock()

	job, err := rig.orch.CreateJob(adhocSpec("uptime", "m0"), "admin-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	done := waitForJobTerminal(t, rig.store, job.ID)
	if done.Status != fleet.RunFailed {
		t.Fatalf("job status = %s, want failed", done.Status)
	}
	execs, _ := rig.store.ListExecutions(job.ID)
	if len(execs) != 1 || execs[0].Error != "agent offline" {
		t.Fatalf("execution = %+v, want offline failure", execs[0])
	}
	if got := len(rig.dispatch.frames(fleet.FrameExecuteCommand)); got != 0 {
		t.Errorf("execute frames = %d, want 0 for offline target", got)
	}
}

func TestTargetResolution(t *testing.T) {
	rig := newTestRig(t)
	rig.addMachine(t, "m0", "web-01")
	rig.addMachine(t, "m1", "web-02")
	rig.addMachine(t, "m2", "db-01")
	rig.dispatch.mu.Lock()
	rig.dispatch.offline["m2"] = true
	rig.dispatch.mu.Unlock()

	if err := rig.store.SaveGroup(&fleet.MachineGroup{Name: "web", MachineIDs: []string{"m0", "m1"}}); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}

	t.Run("group", func(t *testing.T) {
		res, err := rig.orch.DryRun(JobSpec{
			Command: "uptime",
			Mode:    fleet.JobParallel,
			Target:  fleet.TargetSpec{Mode: fleet.TargetGroup, Group: "web"},
		})
		if err != nil {
			t.Fatalf("DryRun: %v", err)
		}
		if res.Total != 2 || res.Offline != 0 {
			t.Errorf("result = %+v, want 2 online targets", res)
		}
	})

	t.Run("unknown group", func(t *testing.T) {
		_, err := rig.orch.DryRun(JobSpec{
			Command: "uptime",
			Mode:    fleet.JobParallel,
			Target:  fleet.TargetSpec{Mode: fleet.TargetGroup, Group: "nope"},
		})
		if !errors.Is(err, fleet.E(fleet.KindMachineNotFound, "")) {
			t.Errorf("err = %v, want machine_not_found", err)
		}
	})

	t.Run("dynamic", func(t *testing.T) {
		res, err := rig.orch.DryRun(JobSpec{
			Command: "uptime",
			Mode:    fleet.JobParallel,
			Target: fleet.TargetSpec{
				Mode:  fleet.TargetDynamic,
				Query: &fleet.DynamicQuery{HostnameContains: "WEB"},
			},
		})
		if err != nil {
			t.Fatalf("DryRun: %v", err)
		}
		if res.Total != 2 {
			t.Errorf("dynamic match = %d targets, want 2 (fold case)", res.Total)
		}
	})

	t.Run("offline partition", func(t *testing.T) {
		res, err := rig.orch.DryRun(adhocSpec("uptime", "m0", "m2"))
		if err != nil {
			t.Fatalf("DryRun: %v", err)
		}
		if res.Total != 2 || res.Offline != 1 {
			t.Errorf("result = %+v, want 2 total 1 offline", res)
		}
	})

	t.Run("unknown machine", func(t *testing.T) {
		_, err := rig.orch.DryRun(adhocSpec("uptime", "ghost"))
		if !errors.Is(err, fleet.E(fleet.KindMachineNotFound, "")) {
			t.Errorf("err = %v, want machine_not_found", err)
		}
	})
}

func TestJobSpecValidation(t *testing.T) {
	rig := newTestRig(t)
	rig.addMachine(t, "m0", "host-0")

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"empty command", JobSpec{Mode: fleet.JobParallel, Target: fleet.TargetSpec{Mode: fleet.TargetAdhoc, MachineIDs: []string{"m0"}}}},
		{"bad mode", JobSpec{Command: "uptime", Mode: "sequential", Target: fleet.TargetSpec{Mode: fleet.TargetAdhoc, MachineIDs: []string{"m0"}}}},
		{"threshold out of range", func() JobSpec {
			s := adhocSpec("uptime", "m0")
			s.Strategy.StopOnFailurePercent = 150
			return s
		}()},
		{"empty adhoc targets", JobSpec{Command: "uptime", Mode: fleet.JobParallel, Target: fleet.TargetSpec{Mode: fleet.TargetAdhoc}}},
		{"dynamic without query", JobSpec{Command: "uptime", Mode: fleet.JobParallel, Target: fleet.TargetSpec{Mode: fleet.TargetDynamic}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rig.orch.CreateJob(tt.spec, "admin-1"); err == nil {
				t.Error("CreateJob accepted an invalid spec")
			}
		})
	}
}

func TestAdhocCommandLifecycle(t *testing.T) {
	rig := newTestRig(t)
	rig.addMachine(t, "m0", "host-0")
	rig.dispatch.mu.Lock()
	rig.dispatch.onExecute = func(machineID string, p *fleet.ExecuteCommandPayload) {
		rig.orch.HandleOutput(machineID, p.CommandID, "14:02 up 3 days\n")
		rig.orch.HandleCompleted(machineID, p.CommandID, 0, "")
	}
	rig.dispatch.mu.Unlock()

	cmd, err := rig.orch.ExecuteCommand("user-1", "m0", "uptime")
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if cmd.RequestedBy != "user-1" || cmd.Status != fleet.RunRunning {
		t.Fatalf("command = %+v", cmd)
	}

	waitFor(t, "command success", func() bool {
		got, err := rig.store.GetCommand("m0", cmd.ID)
		return err == nil && got.Status == fleet.RunSuccess
	})
	got, err := rig.store.GetCommand("m0", cmd.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if !strings.Contains(got.Output, "up 3 days") {
		t.Errorf("output = %q, want streamed chunk", got.Output)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit = %v, want 0", got.ExitCode)
	}

	if _, err := rig.orch.ExecuteCommand("user-1", "ghost", "uptime"); !errors.Is(err, fleet.E(fleet.KindMachineNotFound, "")) {
		t.Errorf("unknown machine err = %v", err)
	}
	rig.dispatch.mu.Lock()
	rig.dispatch.offline["m0"] = true
	rig.dispatch.mu.Unlock()
	if _, err := rig.orch.ExecuteCommand("user-1", "m0", "uptime"); !errors.Is(err, fleet.E(fleet.KindAgentDisconnected, "")) {
		t.Errorf("offline machine err = %v", err)
	}
}

func TestStrayFramesAreIgnored(t *testing.T) {
	rig := newTestRig(t)
	// Frames for commands the tracker never saw must not panic or write.
	rig.orch.HandleOutput("m0", "unknown-cmd", "data")
	rig.orch.HandleCompleted("m0", "unknown-cmd", 0, "")
	rig.orch.AgentDisconnected("m0")
	rig.orch.AgentReconnected("m0")
}
