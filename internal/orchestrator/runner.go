package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
)

// notifyTimeout bounds outbound notification delivery for a finished job.
const notifyTimeout = 10 * time.Second

// outcome is the terminal result of one dispatched command.
type outcome struct {
	status   fleet.RunStatus
	exitCode *int
	errMsg   string
}

func (o *Orchestrator) runJob(ctx context.Context, job *fleet.Job, targets []target) {
	started, err := o.store.UpdateJob(job.ID, func(j *fleet.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = fleet.RunRunning
		t := o.clk.Now().UTC()
		j.StartedAt = &t
		return nil
	})
	if err != nil {
		o.log.Error("mark job running", "job", job.ID, "error", err)
		return
	}
	if started.Status.Terminal() {
		// Aborted before the runner got going.
		return
	}
	o.publishJob(started)

	var tripped bool
	switch job.Mode {
	case fleet.JobRolling:
		tripped = o.runRolling(ctx, job, targets)
	default:
		tripped = o.runParallel(ctx, job, targets)
	}

	// Anything the runner never launched stays pending; close it out.
	reason := "job aborted"
	if tripped {
		reason = "failure threshold reached"
	}
	if execs, err := o.store.ListExecutions(job.ID); err == nil {
		for _, e := range execs {
			if e.Status == fleet.RunPending {
				o.finishExecution(job.ID, e.MachineID, outcome{status: fleet.RunAborted, errMsg: reason}, true)
			}
		}
	}
	o.finalizeJob(job.ID, tripped)
}

// runParallel dispatches with a bounded in-flight window. Returns
// whether the failure threshold stopped the job.
func (o *Orchestrator) runParallel(ctx context.Context, job *fleet.Job, targets []target) bool {
	sem := make(chan struct{}, job.Strategy.Concurrency)
	var wg sync.WaitGroup
	var tripped bool

	for _, tgt := range targets {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		if o.thresholdTripped(job) {
			tripped = true
			<-sem
			break
		}
		wg.Add(1)
		go func(tgt target) {
			defer wg.Done()
			defer func() { <-sem }()
			o.dispatchOne(ctx, job, tgt)
		}(tgt)
	}
	wg.Wait()
	return tripped || o.thresholdTripped(job)
}

// runRolling dispatches in waves of batchSize with a pause between
// waves, checking the threshold at each wave boundary.
func (o *Orchestrator) runRolling(ctx context.Context, job *fleet.Job, targets []target) bool {
	size := job.Strategy.BatchSize
	for start := 0; start < len(targets); start += size {
		if ctx.Err() != nil {
			return false
		}
		if o.thresholdTripped(job) {
			return true
		}
		if start > 0 && job.Strategy.WaitSeconds > 0 {
			if err := o.sleep(ctx, job.Strategy.WaitSeconds); err != nil {
				return false
			}
		}

		end := start + size
		if end > len(targets) {
			end = len(targets)
		}
		var wg sync.WaitGroup
		for _, tgt := range targets[start:end] {
			wg.Add(1)
			go func(tgt target) {
				defer wg.Done()
				o.dispatchOne(ctx, job, tgt)
			}(tgt)
		}
		wg.Wait()
	}
	return o.thresholdTripped(job)
}

// thresholdTripped reads the live totals and applies the stop rule.
func (o *Orchestrator) thresholdTripped(job *fleet.Job) bool {
	stop := job.Strategy.StopOnFailurePercent
	if stop <= 0 {
		return false
	}
	current, err := o.store.GetJob(job.ID)
	if err != nil {
		return false
	}
	total := current.Totals.Total
	if total == 0 {
		return false
	}
	return current.Totals.Failed*100 >= stop*total
}

// dispatchOne drives a single execution from pending to a terminal
// state: mint a capability session, send the signed envelope, and wait
// for the tracker to deliver the outcome.
func (o *Orchestrator) dispatchOne(ctx context.Context, job *fleet.Job, tgt target) {
	if !o.dispatch.AgentOnline(tgt.MachineID) {
		o.finishExecution(job.ID, tgt.MachineID, outcome{status: fleet.RunFailed, errMsg: "agent offline"}, true)
		return
	}

	running, err := o.store.UpdateExecution(job.ID, tgt.MachineID, func(e *fleet.Execution) error {
		e.Status = fleet.RunRunning
		t := o.clk.Now().UTC()
		e.StartedAt = &t
		return nil
	})
	if err != nil {
		// Already terminal, most likely swept by an abort.
		return
	}
	o.publishExecution(running)

	sess, err := o.sessions.OpenSession(SystemUser, tgt.MachineID, []fleet.Capability{fleet.CapExecuteCommand})
	if err != nil {
		o.finishExecution(job.ID, tgt.MachineID, outcome{status: fleet.RunFailed, errMsg: "mint session: " + err.Error()}, true)
		return
	}
	defer o.sessions.CloseSession(sess.ID, SystemUser, tgt.MachineID)

	commandID := uuid.NewString()
	now := o.clk.Now().UTC()
	cmd := &fleet.Command{
		ID:          commandID,
		MachineID:   tgt.MachineID,
		JobID:       job.ID,
		Command:     job.Command,
		Status:      fleet.RunRunning,
		RequestedBy: SystemUser,
		CreatedAt:   now,
	}
	if err := o.store.SaveCommand(cmd); err != nil {
		o.log.Warn("persist job command row", "job", job.ID, "machine", tgt.MachineID, "error", err)
	}

	fl := o.track(&inflight{
		jobID:            job.ID,
		machineID:        tgt.MachineID,
		commandID:        commandID,
		expectDisconnect: o.policy.ExpectsDisconnect(job.Command),
		dispatchedAt:     now,
		done:             make(chan outcome, 1),
	})
	defer o.untrack(fl)

	payload := &fleet.ExecuteCommandPayload{
		CommandID: commandID,
		Command:   job.Command,
		Session:   sess,
	}
	if err := o.dispatch.SendSigned(sess, fleet.FrameExecuteCommand, payload); err != nil {
		o.settle(job.ID, fl, outcome{status: fleet.RunFailed, errMsg: "dispatch: " + err.Error()})
		return
	}

	select {
	case out := <-fl.done:
		o.settle(job.ID, fl, out)
	case <-ctx.Done():
		// Kill switch: best-effort cancel, then abort on ack or after
		// the grace window.
		cancel := &fleet.CancelCommandPayload{CommandID: commandID}
		if err := o.dispatch.SendSigned(sess, fleet.FrameCancelCommand, cancel); err != nil {
			o.log.Warn("dispatch cancel_command", "machine", tgt.MachineID, "error", err)
		}
		select {
		case <-fl.done:
		case <-o.clk.After(o.cfg.KillGrace):
		}
		o.settle(job.ID, fl, outcome{status: fleet.RunAborted, errMsg: "job aborted"})
	}
}

// settle writes a dispatched execution's terminal state and closes the
// command row that carried it.
func (o *Orchestrator) settle(jobID string, fl *inflight, out outcome) {
	o.finishExecution(jobID, fl.machineID, out, true)
	now := o.clk.Now().UTC()
	err := o.store.UpdateCommand(fl.machineID, fl.commandID, func(c *fleet.Command) error {
		c.Status = out.status
		c.ExitCode = out.exitCode
		c.FinishedAt = &now
		return nil
	})
	if err != nil {
		o.log.Warn("close job command row", "machine", fl.machineID, "command", fl.commandID, "error", err)
	}
}

// finishExecution moves one execution to a terminal state and folds it
// into the job totals. The store's monotonic-transition check makes
// this idempotent under races; only the winning writer counts.
func (o *Orchestrator) finishExecution(jobID, machineID string, out outcome, broadcast bool) {
	now := o.clk.Now().UTC()
	exec, err := o.store.UpdateExecution(jobID, machineID, func(e *fleet.Execution) error {
		e.Status = out.status
		e.ExitCode = out.exitCode
		e.Error = out.errMsg
		e.FinishedAt = &now
		return nil
	})
	if err != nil {
		return
	}
	metrics.ExecutionsCompleted.WithLabelValues(string(out.status)).Inc()
	if broadcast {
		o.publishExecution(exec)
	}

	job, err := o.store.UpdateJob(jobID, func(j *fleet.Job) error {
		switch out.status {
		case fleet.RunSuccess:
			j.Totals.Succeeded++
		case fleet.RunAborted:
			j.Totals.Aborted++
		default:
			j.Totals.Failed++
		}
		return nil
	})
	if err != nil {
		o.log.Warn("update job totals", "job", jobID, "error", err)
		return
	}
	if broadcast {
		o.publishJob(job)
	}
}

// finalizeJob writes the job's terminal status once every execution has
// settled. An abort that already landed wins.
func (o *Orchestrator) finalizeJob(jobID string, tripped bool) {
	job, err := o.store.UpdateJob(jobID, func(j *fleet.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		switch {
		case tripped || j.Totals.Failed > 0 || j.Totals.Aborted > 0:
			j.Status = fleet.RunFailed
		default:
			j.Status = fleet.RunSuccess
		}
		t := o.clk.Now().UTC()
		j.FinishedAt = &t
		return nil
	})
	if err != nil {
		o.log.Error("finalize job", "job", jobID, "error", err)
		return
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Status)).Inc()
	o.publishJob(job)
	o.notifyFinished(job, tripped)
	o.log.Info("job finished",
		"job", job.ID,
		"status", string(job.Status),
		"succeeded", job.Totals.Succeeded,
		"failed", job.Totals.Failed,
		"aborted", job.Totals.Aborted)
}

func (o *Orchestrator) notifyFinished(job *fleet.Job, tripped bool) {
	if o.notify == nil {
		return
	}
	ev := notify.Event{
		JobID:     job.ID,
		Timestamp: o.clk.Now().UTC(),
		Message: fmt.Sprintf("bulk job %q finished: %d/%d succeeded",
			job.Command, job.Totals.Succeeded, job.Totals.Total),
	}
	switch job.Status {
	case fleet.RunSuccess:
		ev.Type = notify.EventJobCompleted
		ev.Severity = "low"
	default:
		ev.Type = notify.EventJobFailed
		ev.Severity = "high"
		if tripped {
			ev.Error = "failure threshold reached"
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	o.notify.Notify(ctx, ev)
}

func (o *Orchestrator) sleep(ctx context.Context, seconds int) error {
	return clock.Sleep(ctx, o.clk, time.Duration(seconds)*time.Second)
}
