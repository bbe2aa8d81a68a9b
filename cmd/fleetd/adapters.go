package main

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/cve"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/hub"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secevent"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

// scanProcessor turns a raw agent scan report into persisted package
// state, security findings, a vulnerability recompute, and a broadcast
// to web clients. Both the hub and the HTTP fallback feed it.
type scanProcessor struct {
	store  *store.Store
	events *secevent.Engine
	cves   *cve.Mirror
	bus    *events.Bus
	clk    clock.Clock
	log    *logging.Logger
}

func (p *scanProcessor) HandleScan(machineID string, frame *fleet.ScanFrame) {
	now := p.clk.Now().UTC()
	started := now
	if frame.StartedAt > 0 {
		started = time.UnixMilli(frame.StartedAt).UTC()
	}

	scan := &fleet.PackageScan{
		ID:         uuid.NewString(),
		MachineID:  machineID,
		Total:      len(frame.Packages),
		Paths:      frame.Paths,
		StartedAt:  started,
		FinishedAt: now,
	}
	packages := make([]*fleet.Package, 0, len(frame.Packages))
	for _, rp := range frame.Packages {
		status := fleet.PackageStatus(rp.Status)
		if status == "" {
			status = fleet.PackageCurrent
		}
		switch status {
		case fleet.PackageUpdateAvailable:
			scan.Updates++
		case fleet.PackageSecurityUpdate:
			scan.Updates++
			scan.SecurityUpdates++
		}
		packages = append(packages, &fleet.Package{
			MachineID:        machineID,
			Name:             rp.Name,
			Version:          rp.Version,
			Manager:          rp.Manager,
			Status:           status,
			AvailableVersion: rp.AvailableVersion,
			LastSeen:         now,
			ScanID:           scan.ID,
		})
	}

	if err := p.store.ApplyScan(scan, packages); err != nil {
		p.log.Warn("failed to persist scan", "machine", machineID, "error", err)
		return
	}
	p.log.Info("scan applied", "machine", machineID,
		"packages", scan.Total, "updates", scan.Updates, "security", scan.SecurityUpdates)

	p.events.HandleScanFindings(machineID, frame.Findings)

	if err := p.cves.RecomputeMachine(machineID); err != nil {
		p.log.Warn("vulnerability recompute failed", "machine", machineID, "error", err)
	}

	p.bus.Publish(events.Message{
		Type:      fleet.FrameScanCompleted,
		MachineID: machineID,
		Payload:   scan,
	})
}

// commandSink forwards command lifecycle callbacks to the orchestrator.
// The target is set after construction because the hub and orchestrator
// are built in dependency order.
type commandSink struct {
	mu    sync.RWMutex
	inner hub.CommandSink
}

func (c *commandSink) set(s hub.CommandSink) {
	c.mu.Lock()
	c.inner = s
	c.mu.Unlock()
}

func (c *commandSink) get() hub.CommandSink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

func (c *commandSink) HandleOutput(machineID, commandID, output string) {
	if s := c.get(); s != nil {
		s.HandleOutput(machineID, commandID, output)
	}
}

func (c *commandSink) HandleCompleted(machineID, commandID string, exitCode int, errMsg string) {
	if s := c.get(); s != nil {
		s.HandleCompleted(machineID, commandID, exitCode, errMsg)
	}
}

func (c *commandSink) AgentDisconnected(machineID string) {
	if s := c.get(); s != nil {
		s.AgentDisconnected(machineID)
	}
}

func (c *commandSink) AgentReconnected(machineID string) {
	if s := c.get(); s != nil {
		s.AgentReconnected(machineID)
	}
}
