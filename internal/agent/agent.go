// Package agent is the reference fleet agent: it registers with the
// control plane over WebSocket, heartbeats, reports host metrics and
// package scans, and executes signed server commands.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
)

// Version is stamped at build time.
var Version = "dev"

const (
	backoffMin   = time.Second
	backoffMax   = time.Minute
	initialScan  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// Agent is one connected host process.
type Agent struct {
	cfg       *Config
	machineID string
	verifier  *Verifier
	runner    *Runner
	terms     *Terminals
	scanner   *Scanner
	manager   string
	clk       clock.Clock
	log       *logging.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

func New(cfg *Config, clk clock.Clock, log *logging.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	machineID, err := cfg.EnsureMachineID()
	if err != nil {
		return nil, err
	}
	manager := DetectPackageManager()
	a := &Agent{
		cfg:       cfg,
		machineID: machineID,
		verifier:  NewVerifier(cfg.Secret, machineID, clk),
		runner:    NewRunner(),
		scanner:   NewScanner(manager),
		manager:   manager,
		clk:       clk,
		log:       log,
	}
	a.terms = NewTerminals(a.sendTerminalOutput, nil)
	return a, nil
}

// MachineID returns the resolved stable machine id.
func (a *Agent) MachineID() string { return a.machineID }

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff after every session loss.
func (a *Agent) Run(ctx context.Context) {
	backoff := backoffMin
	for ctx.Err() == nil {
		start := a.clk.Now()
		err := a.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			a.log.Warn("session ended", "error", err)
		}
		// A session that lived long enough to be useful resets the
		// backoff; rapid failures keep doubling it.
		if a.clk.Since(start) > backoffMax {
			backoff = backoffMin
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff/4)+1))
		a.log.Info("reconnecting", "in", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
	a.terms.CloseAll()
	a.runner.Wait()
}

// session dials the server, registers, and serves one connection.
func (a *Agent) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.SocketURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.SocketURL(), err)
	}
	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.ws = nil
		a.mu.Unlock()
		_ = ws.Close()
	}()

	if err := a.register(); err != nil {
		return err
	}
	a.log.Info("connected", "machine", a.machineID, "server", a.cfg.SocketURL())

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()
	go a.reportLoop(sessCtx)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.handleEnvelope(sessCtx, data)
	}
}

func (a *Agent) register() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return a.send(&fleet.RegisterFrame{
		Type:           fleet.FrameRegister,
		MachineID:      a.machineID,
		Hostname:       hostname,
		OSInfo:         OSInfo(),
		SecretKey:      a.cfg.Secret,
		AgentVersion:   Version,
		PackageManager: a.manager,
	})
}

// reportLoop drives the periodic heartbeat, metric, and scan reports
// for one session.
func (a *Agent) reportLoop(ctx context.Context) {
	heartbeat := time.NewTicker(a.cfg.Heartbeat)
	defer heartbeat.Stop()
	scan := time.NewTicker(a.cfg.ScanInterval)
	defer scan.Stop()
	first := time.NewTimer(initialScan)
	defer first.Stop()

	a.reportMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_ = a.send(&fleet.HeartbeatFrame{
				Type:      fleet.FrameHeartbeat,
				Timestamp: a.clk.Now().UnixMilli(),
			})
			a.reportMetrics(ctx)
		case <-first.C:
			a.runScan(ctx)
		case <-scan.C:
			a.runScan(ctx)
		}
	}
}

func (a *Agent) reportMetrics(ctx context.Context) {
	sample, err := CollectMetrics(ctx)
	if err != nil {
		a.log.Warn("collect metrics", "error", err)
		return
	}
	_ = a.send(&fleet.MetricFrame{
		Type:          fleet.FrameMetric,
		CPUPercent:    sample.CPUPercent,
		RAMPercent:    sample.RAMPercent,
		RAMTotal:      sample.RAMTotal,
		RAMUsed:       sample.RAMUsed,
		DiskPercent:   sample.DiskPercent,
		DiskTotal:     sample.DiskTotal,
		DiskUsed:      sample.DiskUsed,
		UptimeSeconds: sample.UptimeSeconds,
	})
}

func (a *Agent) runScan(ctx context.Context) {
	if a.manager == "" {
		return
	}
	frame, err := a.scanner.Scan(ctx, func(stage string, percent int) {
		_ = a.send(&fleet.ScanProgressFrame{
			Type:    fleet.FrameScanProgress,
			Stage:   stage,
			Percent: percent,
		})
	})
	if err != nil {
		a.log.Warn("package scan", "error", err)
		return
	}
	_ = a.send(frame)
}

// handleEnvelope verifies and dispatches one signed server message.
// Verification failures are logged and dropped; the server audits its
// own side of the exchange.
func (a *Agent) handleEnvelope(ctx context.Context, data []byte) {
	var env fleet.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.Warn("undecodable server message", "error", err)
		return
	}
	if err := a.verifier.Verify(&env); err != nil {
		kind, _ := fleet.KindOf(err)
		a.log.Warn("rejected server message", "type", env.Type, "kind", kind)
		return
	}

	switch env.Type {
	case fleet.FrameExecuteCommand:
		a.handleExecute(ctx, &env)
	case fleet.FrameCancelCommand:
		a.handleCancel(&env)
	case fleet.FrameSpawnTerminal:
		a.handleSpawnTerminal(&env)
	case fleet.FrameTerminalInput:
		a.handleTerminalInput(&env)
	case fleet.FrameTerminalResize:
		a.handleTerminalResize(&env)
	default:
		a.log.Warn("unknown envelope type", "type", env.Type)
	}
}

func (a *Agent) handleExecute(ctx context.Context, env *fleet.Envelope) {
	var p fleet.ExecuteCommandPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.log.Warn("decode execute payload", "error", err)
		return
	}
	a.log.Info("executing command", "command_id", p.CommandID)
	a.runner.Run(ctx, p.CommandID, p.Command, time.Duration(p.TimeoutS)*time.Second,
		func(id, chunk string) {
			_ = a.send(&fleet.CommandOutputFrame{
				Type:      fleet.FrameCommandOutput,
				CommandID: id,
				Output:    chunk,
			})
		},
		func(id string, exitCode int, errText string) {
			_ = a.send(&fleet.CommandCompletedFrame{
				Type:      fleet.FrameCommandCompleted,
				CommandID: id,
				ExitCode:  exitCode,
				Error:     errText,
			})
		})
}

func (a *Agent) handleCancel(env *fleet.Envelope) {
	var p fleet.CancelCommandPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	a.runner.Cancel(p.CommandID)
}

func (a *Agent) handleSpawnTerminal(env *fleet.Envelope) {
	if err := a.terms.Spawn(env.SessionID); err != nil {
		a.log.Warn("spawn terminal", "session", env.SessionID, "error", err)
		return
	}
	_ = a.send(&fleet.TerminalSessionCreatedFrame{
		Type:      fleet.FrameTerminalSessionCreated,
		SessionID: env.SessionID,
	})
}

func (a *Agent) handleTerminalInput(env *fleet.Envelope) {
	var p fleet.TerminalInputPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if err := a.terms.Input(env.SessionID, p.Data); err != nil {
		a.log.Warn("terminal input", "session", env.SessionID, "error", err)
	}
}

func (a *Agent) handleTerminalResize(env *fleet.Envelope) {
	var p fleet.TerminalResizePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	_ = a.terms.Resize(env.SessionID, p.Cols, p.Rows)
}

func (a *Agent) sendTerminalOutput(sessionID, data string) {
	_ = a.send(&fleet.TerminalOutputFrame{
		Type:      fleet.FrameTerminalOutput,
		SessionID: sessionID,
		Data:      data,
	})
}

// send writes one frame, serialized across the session's goroutines.
func (a *Agent) send(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ws == nil {
		return fmt.Errorf("not connected")
	}
	_ = a.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.ws.WriteJSON(v)
}
