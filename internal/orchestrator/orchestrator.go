// Package orchestrator runs bulk commands across the fleet. A job
// resolves its targets eagerly, dispatches signed execute envelopes
// through the hub under a parallel or rolling strategy, tracks every
// per-machine execution to a terminal state, and stops launching work
// once the failure threshold trips or the kill switch fires.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

// SystemUser is the principal bulk dispatches run under. Its sessions
// carry the execute_command capability and nothing else.
const SystemUser = "system:orchestrator"

// Store is the persistence surface the orchestrator needs.
type Store interface {
	SaveJob(job *fleet.Job) error
	GetJob(id string) (*fleet.Job, error)
	UpdateJob(id string, fn func(*fleet.Job) error) (*fleet.Job, error)
	ListJobs(limit int, createdBy string) ([]*fleet.Job, error)
	SaveExecutions(execs []*fleet.Execution) error
	UpdateExecution(jobID, machineID string, fn func(*fleet.Execution) error) (*fleet.Execution, error)
	AppendExecutionOutput(jobID, machineID, chunk string) (*fleet.Execution, error)
	ListExecutions(jobID string) ([]*fleet.Execution, error)
	GetGroup(name string) (*fleet.MachineGroup, error)
	SaveCommand(cmd *fleet.Command) error
	UpdateCommand(machineID, id string, fn func(*fleet.Command) error) error
	AppendCommandOutput(machineID, id, chunk string) error
}

// Dispatcher sends signed envelopes to agents; the hub implements it.
type Dispatcher interface {
	AgentOnline(machineID string) bool
	SendSigned(sess *fleet.TerminalSession, frameType string, payload any) error
}

// Sessions mints and revokes capability tokens; the terminal service
// implements it.
type Sessions interface {
	OpenSession(userID, machineID string, caps []fleet.Capability) (*fleet.TerminalSession, error)
	CloseSession(sessionID, userID, machineID string)
}

// Auditor records job lifecycle events.
type Auditor interface {
	Record(e audit.Entry)
}

// Notifier reports finished jobs to external channels.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) bool
}

// Config tunes the dispatch timing knobs.
type Config struct {
	// KillGrace bounds how long an aborted execution may wait for the
	// agent to acknowledge cancel_command.
	KillGrace time.Duration

	// DisconnectWindow is how soon after dispatch a socket loss counts
	// as expected for disconnect-tolerant commands.
	DisconnectWindow time.Duration

	// ReconnectGrace is how long such an execution waits for the agent
	// to come back before it fails anyway.
	ReconnectGrace time.Duration

	// DefaultConcurrency applies when a parallel job omits one.
	DefaultConcurrency int
}

func (c *Config) applyDefaults() {
	if c.KillGrace <= 0 {
		c.KillGrace = 30 * time.Second
	}
	if c.DisconnectWindow <= 0 {
		c.DisconnectWindow = 10 * time.Second
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 5 * time.Minute
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 5
	}
}

// ExpectsDisconnect reports whether a command is on the
// expected-disconnect list.
type CommandPolicy interface {
	ExpectsDisconnect(command string) bool
}

// Orchestrator is the bulk-job engine.
type Orchestrator struct {
	cfg      Config
	store    Store
	cache    *state.Cache
	dispatch Dispatcher
	sessions Sessions
	policy   CommandPolicy
	bus      *events.Bus
	audit    Auditor
	notify   Notifier
	clk      clock.Clock
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	inflights  map[string]*inflight            // commandID -> inflight
	byMachine  map[string]map[string]*inflight // machineID -> commandID -> inflight
	jobCancels map[string]context.CancelFunc
}

func New(cfg Config, st Store, cache *state.Cache, dispatch Dispatcher, sessions Sessions, pol CommandPolicy, bus *events.Bus, rec Auditor, n Notifier, clk clock.Clock, log *logging.Logger) *Orchestrator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		cache:      cache,
		dispatch:   dispatch,
		sessions:   sessions,
		policy:     pol,
		bus:        bus,
		audit:      rec,
		notify:     n,
		clk:        clk,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		inflights:  make(map[string]*inflight),
		byMachine:  make(map[string]map[string]*inflight),
		jobCancels: make(map[string]context.CancelFunc),
	}
}

// Shutdown stops every running job and waits for their runners.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

// JobSpec is the input to CreateJob and DryRun.
type JobSpec struct {
	Command  string           `json:"command"`
	Mode     fleet.JobMode    `json:"mode"`
	Target   fleet.TargetSpec `json:"target"`
	Strategy fleet.Strategy   `json:"strategy"`
}

// target is one resolved machine.
type target struct {
	MachineID string
	Hostname  string
	Online    bool
}

// DryRunResult partitions the resolved targets without dispatching.
type DryRunResult struct {
	Total   int            `json:"total"`
	Offline int            `json:"offline"`
	Targets []DryRunTarget `json:"targets"`
}

// DryRunTarget describes one would-be execution.
type DryRunTarget struct {
	MachineID string `json:"machineId"`
	Hostname  string `json:"hostname"`
	Online    bool   `json:"online"`
}

// CreateJob validates the job spec, materializes the execution rows, and
// starts the runner. The returned job is in the running state.
func (o *Orchestrator) CreateJob(spec JobSpec, createdBy string) (*fleet.Job, error) {
	if err := o.validate(&spec); err != nil {
		return nil, err
	}
	targets, err := o.resolveTargets(spec.Target)
	if err != nil {
		return nil, err
	}

	now := o.clk.Now().UTC()
	job := &fleet.Job{
		ID:        uuid.NewString(),
		Command:   spec.Command,
		Mode:      spec.Mode,
		Target:    spec.Target,
		Strategy:  spec.Strategy,
		Status:    fleet.RunPending,
		Totals:    fleet.JobTotals{Total: len(targets)},
		CreatedBy: createdBy,
		CreatedAt: now,
	}
	execs := make([]*fleet.Execution, len(targets))
	for i, tgt := range targets {
		execs[i] = &fleet.Execution{
			JobID:     job.ID,
			MachineID: tgt.MachineID,
			Hostname:  tgt.Hostname,
			Status:    fleet.RunPending,
		}
	}
	if err := o.store.SaveJob(job); err != nil {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "persist job")
	}
	if err := o.store.SaveExecutions(execs); err != nil {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "persist executions")
	}

	o.audit.Record(audit.Entry{
		Action: audit.ActionJobCreated,
		UserID: createdBy,
		Details: map[string]any{
			"jobId":   job.ID,
			"command": job.Command,
			"mode":    string(job.Mode),
			"targets": len(targets),
		},
	})
	o.publishJob(job)

	jobCtx, jobCancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.jobCancels[job.ID] = jobCancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			jobCancel()
			o.mu.Lock()
			delete(o.jobCancels, job.ID)
			o.mu.Unlock()
		}()
		o.runJob(jobCtx, job, targets)
	}()
	return job, nil
}

// DryRun resolves and partitions targets without creating anything.
func (o *Orchestrator) DryRun(spec JobSpec) (*DryRunResult, error) {
	if err := o.validate(&spec); err != nil {
		return nil, err
	}
	targets, err := o.resolveTargets(spec.Target)
	if err != nil {
		return nil, err
	}
	res := &DryRunResult{Total: len(targets), Targets: make([]DryRunTarget, len(targets))}
	for i, tgt := range targets {
		if !tgt.Online {
			res.Offline++
		}
		res.Targets[i] = DryRunTarget{MachineID: tgt.MachineID, Hostname: tgt.Hostname, Online: tgt.Online}
	}
	return res, nil
}

// AbortJob is the kill switch: the job goes aborted, pending
// executions abort immediately, running ones get a best-effort cancel
// envelope and abort on ack or after the kill grace.
func (o *Orchestrator) AbortJob(id, actor string) (*fleet.Job, error) {
	job, err := o.store.UpdateJob(id, func(j *fleet.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = fleet.RunAborted
		t := o.clk.Now().UTC()
		j.FinishedAt = &t
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fleet.E(fleet.KindJobNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "abort job %s", id)
	}

	// Sweep executions that never launched. The store's monotonic
	// transition check wins any race against a concurrent launch.
	execs, err := o.store.ListExecutions(id)
	if err == nil {
		for _, e := range execs {
			if e.Status != fleet.RunPending {
				continue
			}
			o.finishExecution(id, e.MachineID, outcome{
				status: fleet.RunAborted,
				errMsg: "job aborted",
			}, true)
		}
	}

	o.mu.Lock()
	cancel := o.jobCancels[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	o.audit.Record(audit.Entry{
		Action:   audit.ActionJobAborted,
		Severity: fleet.AuditWarning,
		UserID:   actor,
		Details:  map[string]any{"jobId": id},
	})
	o.publishJob(job)
	return job, nil
}

// GetJob returns a job with its executions.
func (o *Orchestrator) GetJob(id string) (*fleet.Job, []*fleet.Execution, error) {
	job, err := o.store.GetJob(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fleet.E(fleet.KindJobNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "load job %s", id)
	}
	execs, err := o.store.ListExecutions(id)
	if err != nil {
		return nil, nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "load executions for %s", id)
	}
	return job, execs, nil
}

// ListJobs returns jobs newest first.
func (o *Orchestrator) ListJobs(limit int, createdBy string) ([]*fleet.Job, error) {
	return o.store.ListJobs(limit, createdBy)
}

func (o *Orchestrator) validate(spec *JobSpec) error {
	if spec.Command == "" {
		return fleet.E(fleet.KindMessageMalformed, "job command is empty")
	}
	switch spec.Mode {
	case fleet.JobParallel, fleet.JobRolling:
	default:
		return fleet.E(fleet.KindMessageMalformed, "unknown job mode %q", spec.Mode)
	}
	if spec.Strategy.StopOnFailurePercent < 0 || spec.Strategy.StopOnFailurePercent > 100 {
		return fleet.E(fleet.KindMessageMalformed, "stopOnFailurePercent must be 0-100")
	}
	if spec.Strategy.Concurrency <= 0 {
		spec.Strategy.Concurrency = o.cfg.DefaultConcurrency
	}
	if spec.Strategy.BatchSize <= 0 {
		spec.Strategy.BatchSize = 1
	}
	if spec.Strategy.WaitSeconds < 0 {
		spec.Strategy.WaitSeconds = 0
	}
	return nil
}

// resolveTargets materializes the target list from the spec's mode.
func (o *Orchestrator) resolveTargets(ts fleet.TargetSpec) ([]target, error) {
	switch ts.Mode {
	case fleet.TargetAdhoc:
		if len(ts.MachineIDs) == 0 {
			return nil, fleet.E(fleet.KindMessageMalformed, "adhoc target list is empty")
		}
		out := make([]target, 0, len(ts.MachineIDs))
		for _, id := range ts.MachineIDs {
			st, ok := o.cache.Get(id)
			if !ok {
				return nil, fleet.E(fleet.KindMachineNotFound, "machine %s not found", id)
			}
			out = append(out, o.toTarget(st))
		}
		return out, nil

	case fleet.TargetGroup:
		g, err := o.store.GetGroup(ts.Group)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fleet.E(fleet.KindMachineNotFound, "group %s not found", ts.Group)
		}
		if err != nil {
			return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "load group %s", ts.Group)
		}
		out := make([]target, 0, len(g.MachineIDs))
		for _, id := range g.MachineIDs {
			st, ok := o.cache.Get(id)
			if !ok {
				o.log.Warn("group member no longer exists", "group", ts.Group, "machine", id)
				continue
			}
			out = append(out, o.toTarget(st))
		}
		if len(out) == 0 {
			return nil, fleet.E(fleet.KindMachineNotFound, "group %s has no resolvable members", ts.Group)
		}
		return out, nil

	case fleet.TargetDynamic:
		if ts.Query == nil {
			return nil, fleet.E(fleet.KindMessageMalformed, "dynamic target needs a query")
		}
		var out []target
		for _, st := range o.cache.List() {
			if matchesQuery(&st, ts.Query) {
				out = append(out, o.toTarget(st))
			}
		}
		if len(out) == 0 {
			return nil, fleet.E(fleet.KindMachineNotFound, "dynamic query matched no machines")
		}
		return out, nil

	default:
		return nil, fleet.E(fleet.KindMessageMalformed, "unknown target mode %q", ts.Mode)
	}
}

func (o *Orchestrator) toTarget(st state.MachineState) target {
	return target{
		MachineID: st.Machine.ID,
		Hostname:  st.Machine.Hostname,
		Online:    o.dispatch.AgentOnline(st.Machine.ID),
	}
}

func matchesQuery(st *state.MachineState, q *fleet.DynamicQuery) bool {
	m := st.Machine
	if q.HostnameContains != "" && !containsFold(m.Hostname, q.HostnameContains) {
		return false
	}
	if q.OSContains != "" && !containsFold(m.OSInfo, q.OSContains) {
		return false
	}
	if q.Status != "" && m.Status != q.Status {
		return false
	}
	if q.PackageManager != "" && m.PackageManager != q.PackageManager {
		return false
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func (o *Orchestrator) publishJob(job *fleet.Job) {
	o.bus.Publish(events.Message{
		Type:    fleet.FrameJobUpdated,
		Payload: &fleet.JobUpdatedFrame{Type: fleet.FrameJobUpdated, Job: job},
	})
}

func (o *Orchestrator) publishExecution(e *fleet.Execution) {
	o.bus.Publish(events.Message{
		Type:      fleet.FrameJobExecutionUpdated,
		MachineID: e.MachineID,
		Payload:   &fleet.JobExecutionUpdatedFrame{Type: fleet.FrameJobExecutionUpdated, Execution: e},
	})
}
