package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Will-Luck/Fleet-Sentinel/internal/agent"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
)

func main() {
	cfg := agent.LoadConfig()
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	a, err := agent.New(cfg, clock.Real{}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Info("fleet agent starting",
		"version", agent.Version,
		"machine", a.MachineID(),
		"server", cfg.ServerURL,
		"heartbeat", cfg.Heartbeat,
		"scan_interval", cfg.ScanInterval)

	a.Run(ctx)
	log.Info("fleet agent stopped")
}
