package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
	"github.com/Will-Luck/Fleet-Sentinel/internal/terminal"
)

const (
	// sweepInterval is how often the liveness sweeper runs.
	sweepInterval = 15 * time.Second

	// livenessWindow is how long a machine may go without a heartbeat
	// before it is flipped offline.
	livenessWindow = 90 * time.Second
)

// ScanSink consumes package scan reports.
type ScanSink interface {
	HandleScan(machineID string, frame *fleet.ScanFrame)
}

// EventSink consumes standalone security findings.
type EventSink interface {
	HandleEvent(machineID string, ev fleet.ReportedEvent)
}

// CommandSink consumes command lifecycle frames and the connection
// transitions that affect in-flight executions.
type CommandSink interface {
	HandleOutput(machineID, commandID, output string)
	HandleCompleted(machineID, commandID string, exitCode int, errMsg string)
	AgentDisconnected(machineID string)
	AgentReconnected(machineID string)
}

// MetricStore persists the append-only metric series.
type MetricStore interface {
	AppendMetric(m *fleet.Metric) error
}

// AccessStore resolves the machine visibility list for a user.
type AccessStore interface {
	GetMachineAccess(userID string) ([]string, error)
}

// Auditor records security-relevant hub activity.
type Auditor interface {
	Record(e audit.Entry)
}

// Dependencies defines what the hub needs from the rest of the control
// plane. Interfaces keep it decoupled from the service packages; cmd
// wires the concrete implementations.
type Dependencies struct {
	Cache    *state.Cache
	Metrics  MetricStore
	Secrets  *secrets.Manager
	Terminal *terminal.Service
	Access   AccessStore
	Scans    ScanSink
	Events   EventSink
	Commands CommandSink
	Audit    Auditor
	Bus      *events.Bus
	Clock    clock.Clock
	Log      *logging.Logger
}

// Hub supervises both socket populations and routes frames between
// agents, services, and browsers.
type Hub struct {
	deps     Dependencies
	registry *Registry
	upgrader websocket.Upgrader
	log      *logging.Logger
}

func New(deps Dependencies) *Hub {
	return &Hub{
		deps:     deps,
		registry: NewRegistry(deps.Log.With("component", "registry")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Deployments sit behind reverse proxies, so Host-based
			// origin checks misfire; auth happens before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: deps.Log,
	}
}

// Registry exposes the connection registry for external inspection.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// AgentOnline reports whether a machine has a live agent socket.
func (h *Hub) AgentOnline(machineID string) bool {
	return h.registry.AgentOnline(machineID)
}

// MachineKey decrypts a machine's stored shared secret into the ASCII
// key bytes used for envelope HMACs.
func (h *Hub) MachineKey(machineID string) ([]byte, error) {
	st, ok := h.deps.Cache.Get(machineID)
	if !ok {
		return nil, fleet.E(fleet.KindMachineNotFound, "machine %s not found", machineID)
	}
	plain, err := h.deps.Secrets.Decrypt(st.Machine.SecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret for %s: %w", machineID, err)
	}
	return []byte(plain), nil
}

// SendSigned seals a payload under the machine's shared secret and
// queues the envelope on its agent socket.
func (h *Hub) SendSigned(sess *fleet.TerminalSession, frameType string, payload any) error {
	key, err := h.MachineKey(sess.MachineID)
	if err != nil {
		return err
	}
	env, err := terminal.Seal(frameType, sess.ID, sess.MachineID, payload, key, h.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("seal %s envelope: %w", frameType, err)
	}
	return h.registry.SendToAgent(sess.MachineID, env)
}

// RunBroadcast fans bus messages out to web clients until ctx ends.
// Payloads are the wire frames themselves; the message's MachineID
// scopes visibility.
func (h *Hub) RunBroadcast(ctx context.Context) {
	ch, cancel := h.deps.Bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.registry.BroadcastWeb(msg.MachineID, msg.Payload)
		}
	}
}

// RunSweeper flips machines whose heartbeats stopped to offline and
// prunes expired terminal sessions. Clock-driven so tests fake time.
func (h *Hub) RunSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.deps.Clock.After(sweepInterval):
		}

		cutoff := h.deps.Clock.Now().Add(-livenessWindow)
		for _, id := range h.deps.Cache.StaleOnline(cutoff) {
			h.log.Warn("machine missed heartbeat window", "machine", id)
			h.markOffline(id)
		}
		h.deps.Terminal.SweepExpired()
	}
}

// markOffline transitions a machine to offline, fails its in-flight
// executions, and broadcasts the change.
func (h *Hub) markOffline(machineID string) {
	changed, err := h.deps.Cache.SetStatus(machineID, fleet.MachineOffline, time.Time{})
	if err != nil {
		h.log.Warn("mark machine offline", "machine", machineID, "error", err)
	}
	h.deps.Commands.AgentDisconnected(machineID)
	if changed {
		h.broadcastMachine(fleet.FrameMachineStatusChanged, machineID)
	}
}

// broadcastMachine publishes the machine's current row under the given
// frame type.
func (h *Hub) broadcastMachine(frameType, machineID string) {
	st, ok := h.deps.Cache.Get(machineID)
	if !ok {
		return
	}
	m := st.Machine.Redacted()
	h.deps.Bus.Publish(events.Message{
		Type:      frameType,
		MachineID: machineID,
		Payload:   &fleet.MachineFrame{Type: frameType, Machine: &m},
	})
}
