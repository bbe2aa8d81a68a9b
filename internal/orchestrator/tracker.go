package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

// inflight is one dispatched command awaiting its terminal outcome.
// The tracker delivers exactly one outcome on done; later signals for
// the same command are dropped.
type inflight struct {
	jobID            string // empty for ad-hoc commands
	machineID        string
	commandID        string
	expectDisconnect bool
	dispatchedAt     time.Time
	done             chan outcome

	inGrace  bool
	finished bool
}

// finish delivers the outcome once. Callers hold o.mu.
func (f *inflight) finish(out outcome) bool {
	if f.finished {
		return false
	}
	f.finished = true
	f.done <- out
	return true
}

func (o *Orchestrator) track(fl *inflight) *inflight {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflights[fl.commandID] = fl
	byID := o.byMachine[fl.machineID]
	if byID == nil {
		byID = make(map[string]*inflight)
		o.byMachine[fl.machineID] = byID
	}
	byID[fl.commandID] = fl
	return fl
}

func (o *Orchestrator) untrack(fl *inflight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflights, fl.commandID)
	if byID := o.byMachine[fl.machineID]; byID != nil {
		delete(byID, fl.commandID)
		if len(byID) == 0 {
			delete(o.byMachine, fl.machineID)
		}
	}
}

// HandleOutput appends a streamed chunk to the owning execution or
// ad-hoc command row and relays it to web clients. Chunks for unknown
// command ids are dropped.
func (o *Orchestrator) HandleOutput(machineID, commandID, output string) {
	o.mu.Lock()
	fl := o.inflights[commandID]
	o.mu.Unlock()
	if fl == nil || fl.machineID != machineID {
		return
	}

	if fl.jobID != "" {
		if _, err := o.store.AppendExecutionOutput(fl.jobID, machineID, output); err != nil {
			o.log.Warn("append execution output", "job", fl.jobID, "machine", machineID, "error", err)
			return
		}
		o.bus.Publish(events.Message{
			Type:      fleet.FrameJobExecutionOutput,
			MachineID: machineID,
			Payload: &fleet.JobExecutionOutputFrame{
				Type:      fleet.FrameJobExecutionOutput,
				JobID:     fl.jobID,
				MachineID: machineID,
				Output:    output,
			},
		})
		return
	}

	if err := o.store.AppendCommandOutput(machineID, commandID, output); err != nil {
		o.log.Warn("append command output", "machine", machineID, "command", commandID, "error", err)
		return
	}
	o.bus.Publish(events.Message{
		Type:      fleet.FrameCommandOutput,
		MachineID: machineID,
		Payload: &fleet.CommandOutputFrame{
			Type:      fleet.FrameCommandOutput,
			CommandID: commandID,
			Output:    output,
		},
	})
}

// HandleCompleted settles a dispatched command from its completion
// frame. Exit code zero with no error message is a success.
func (o *Orchestrator) HandleCompleted(machineID, commandID string, exitCode int, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fl := o.inflights[commandID]
	if fl == nil || fl.machineID != machineID {
		return
	}
	code := exitCode
	out := outcome{exitCode: &code, errMsg: errMsg}
	if exitCode == 0 && errMsg == "" {
		out.status = fleet.RunSuccess
	} else {
		out.status = fleet.RunFailed
		if out.errMsg == "" {
			out.errMsg = "non-zero exit"
		}
	}
	fl.finish(out)
}

// AgentDisconnected fails every inflight on the machine, except that a
// disconnect-tolerant command losing its socket shortly after dispatch
// gets a reconnect grace window instead.
func (o *Orchestrator) AgentDisconnected(machineID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, fl := range o.byMachine[machineID] {
		if fl.finished {
			continue
		}
		if fl.expectDisconnect && o.clk.Since(fl.dispatchedAt) <= o.cfg.DisconnectWindow {
			fl.inGrace = true
			go o.awaitReconnect(fl)
			continue
		}
		fl.finish(outcome{status: fleet.RunFailed, errMsg: "agent disconnected"})
	}
}

// AgentReconnected resolves grace-window inflights as successes: the
// command was expected to drop the connection, and the agent is back.
func (o *Orchestrator) AgentReconnected(machineID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, fl := range o.byMachine[machineID] {
		if !fl.inGrace || fl.finished {
			continue
		}
		fl.inGrace = false
		zero := 0
		fl.finish(outcome{
			status:   fleet.RunSuccess,
			exitCode: &zero,
			errMsg:   "",
		})
	}
}

// awaitReconnect fails a grace-window inflight when the agent stays
// away past the reconnect grace.
func (o *Orchestrator) awaitReconnect(fl *inflight) {
	select {
	case <-o.clk.After(o.cfg.ReconnectGrace):
	case <-o.ctx.Done():
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !fl.inGrace || fl.finished {
		return
	}
	fl.inGrace = false
	fl.finish(outcome{status: fleet.RunFailed, errMsg: "agent did not reconnect within grace"})
}

// ExecuteCommand dispatches a single ad-hoc command to one machine on
// behalf of a user. The command row streams output through the store;
// settlement happens asynchronously.
func (o *Orchestrator) ExecuteCommand(userID, machineID, command string) (*fleet.Command, error) {
	if command == "" {
		return nil, fleet.E(fleet.KindMessageMalformed, "command is empty")
	}
	if _, ok := o.cache.Get(machineID); !ok {
		return nil, fleet.E(fleet.KindMachineNotFound, "machine %s not found", machineID)
	}
	if !o.dispatch.AgentOnline(machineID) {
		return nil, fleet.E(fleet.KindAgentDisconnected, "agent %s is offline", machineID)
	}

	sess, err := o.sessions.OpenSession(userID, machineID, []fleet.Capability{fleet.CapExecuteCommand})
	if err != nil {
		return nil, err
	}

	now := o.clk.Now().UTC()
	cmd := &fleet.Command{
		ID:          uuid.NewString(),
		MachineID:   machineID,
		Command:     command,
		Status:      fleet.RunRunning,
		RequestedBy: userID,
		CreatedAt:   now,
	}
	if err := o.store.SaveCommand(cmd); err != nil {
		o.sessions.CloseSession(sess.ID, userID, machineID)
		return nil, fleet.Wrap(fleet.KindStoreUnavailable, err, "persist command")
	}

	fl := o.track(&inflight{
		machineID:        machineID,
		commandID:        cmd.ID,
		expectDisconnect: o.policy.ExpectsDisconnect(command),
		dispatchedAt:     now,
		done:             make(chan outcome, 1),
	})

	payload := &fleet.ExecuteCommandPayload{CommandID: cmd.ID, Command: command, Session: sess}
	if err := o.dispatch.SendSigned(sess, fleet.FrameExecuteCommand, payload); err != nil {
		o.untrack(fl)
		o.sessions.CloseSession(sess.ID, userID, machineID)
		o.closeCommand(machineID, cmd.ID, outcome{status: fleet.RunFailed, errMsg: "dispatch: " + err.Error()})
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(fl)
		defer o.sessions.CloseSession(sess.ID, userID, machineID)
		select {
		case out := <-fl.done:
			o.closeCommand(machineID, cmd.ID, out)
		case <-o.ctx.Done():
			o.closeCommand(machineID, cmd.ID, outcome{status: fleet.RunAborted, errMsg: "server shutting down"})
		}
	}()
	return cmd, nil
}

func (o *Orchestrator) closeCommand(machineID, commandID string, out outcome) {
	now := o.clk.Now().UTC()
	err := o.store.UpdateCommand(machineID, commandID, func(c *fleet.Command) error {
		c.Status = out.status
		c.ExitCode = out.exitCode
		c.FinishedAt = &now
		return nil
	})
	if err != nil {
		o.log.Warn("close command row", "machine", machineID, "command", commandID, "error", err)
	}
}
