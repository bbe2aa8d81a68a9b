package hub

import (
	"encoding/json"
	"sync"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
)

// Registry tracks every live socket. At most one agent connection per
// machine; a newer registration supersedes the older socket. Web
// connections are an open set. All mutations serialize under one lock;
// sends happen outside it through each connection's buffered queue.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentConn
	webs   map[*WebConn]struct{}
	log    *logging.Logger
}

func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentConn),
		webs:   make(map[*WebConn]struct{}),
		log:    log,
	}
}

// RegisterAgent installs c as the machine's connection and returns the
// socket it replaced, if any. The caller closes the superseded socket
// outside the registry lock.
func (r *Registry) RegisterAgent(c *AgentConn) (superseded *AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.agents[c.MachineID]
	r.agents[c.MachineID] = c
	if old == nil {
		metrics.AgentsConnected.Inc()
	}
	if old == c {
		return nil
	}
	return old
}

// UnregisterAgent removes the machine's slot only while it still holds
// c, so a superseded connection's teardown never evicts its
// replacement. Reports whether the slot was actually removed.
func (r *Registry) UnregisterAgent(c *AgentConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.agents[c.MachineID]; ok && cur == c {
		delete(r.agents, c.MachineID)
		metrics.AgentsConnected.Dec()
		return true
	}
	return false
}

// Agent returns the live connection for a machine.
func (r *Registry) Agent(machineID string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.agents[machineID]
	return c, ok
}

// AgentOnline reports whether the machine has a live socket.
func (r *Registry) AgentOnline(machineID string) bool {
	_, ok := r.Agent(machineID)
	return ok
}

// Agents returns a snapshot of the live agent connections.
func (r *Registry) Agents() []*AgentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AgentConn, 0, len(r.agents))
	for _, c := range r.agents {
		out = append(out, c)
	}
	return out
}

// AddWeb registers a browser connection.
func (r *Registry) AddWeb(c *WebConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webs[c] = struct{}{}
	metrics.WebClientsConnected.Set(float64(len(r.webs)))
}

// RemoveWeb drops a browser connection.
func (r *Registry) RemoveWeb(c *WebConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webs[c]; ok {
		delete(r.webs, c)
		metrics.WebClientsConnected.Set(float64(len(r.webs)))
	}
}

// WebClients returns the number of connected browser sockets.
func (r *Registry) WebClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.webs)
}

// SendToAgent marshals a frame and queues it on the machine's socket.
func (r *Registry) SendToAgent(machineID string, frame any) error {
	c, ok := r.Agent(machineID)
	if !ok {
		return fleet.E(fleet.KindAgentDisconnected, "agent %s not connected", machineID)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fleet.Wrap(fleet.KindMessageMalformed, err, "encode frame for agent %s", machineID)
	}
	if !c.SafeSend(data) {
		return fleet.E(fleet.KindAgentDisconnected, "agent %s send buffer full", machineID)
	}
	return nil
}

// BroadcastWeb fans one frame out to every browser client allowed to
// see the machine it concerns. The frame is marshalled once; clients
// whose buffer is full are disconnected rather than allowed to stall
// everyone else.
func (r *Registry) BroadcastWeb(machineID string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.log.Error("encode broadcast frame", "error", err)
		return
	}

	r.mu.RLock()
	targets := make([]*WebConn, 0, len(r.webs))
	for c := range r.webs {
		if c.CanSee(machineID) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.SafeSend(data) {
			r.log.Warn("dropping slow web client", "user", c.Username)
			c.Close()
		}
	}
}
