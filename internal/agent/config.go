package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all fleet-agent configuration from environment variables.
type Config struct {
	ServerURL    string        // ws:// or wss:// base, or http(s) which is rewritten
	Secret       string        // shared agent secret
	MachineID    string        // override; generated and persisted when empty
	DataDir      string        // machine-id persistence
	Heartbeat    time.Duration // heartbeat + metric cadence
	ScanInterval time.Duration // package scan cadence

	LogJSON  bool
	LogLevel string
}

// LoadConfig reads agent configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		ServerURL:    envStr("FLEET_SERVER_URL", "ws://localhost:8080"),
		Secret:       envStr("FLEET_AGENT_SECRET", ""),
		MachineID:    envStr("FLEET_AGENT_ID", ""),
		DataDir:      envStr("FLEET_AGENT_DATA_DIR", "/var/lib/fleet-agent"),
		Heartbeat:    envDuration("FLEET_AGENT_HEARTBEAT", 30*time.Second),
		ScanInterval: envDuration("FLEET_AGENT_SCAN_INTERVAL", 6*time.Hour),
		LogJSON:      envBool("FLEET_LOG_JSON", false),
		LogLevel:     envStr("FLEET_LOG_LEVEL", "info"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, errors.New("FLEET_AGENT_SECRET must be set"))
	}
	if c.ServerURL == "" {
		errs = append(errs, errors.New("FLEET_SERVER_URL must be set"))
	}
	if c.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_AGENT_HEARTBEAT must be > 0, got %s", c.Heartbeat))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_AGENT_SCAN_INTERVAL must be > 0, got %s", c.ScanInterval))
	}
	return errors.Join(errs...)
}

// SocketURL rewrites the configured server URL to the agent WebSocket
// endpoint.
func (c *Config) SocketURL() string {
	u := c.ServerURL
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	}
	return strings.TrimRight(u, "/") + "/ws/agent"
}

// EnsureMachineID resolves this host's stable machine id: the explicit
// override, the id persisted in the data dir, or a freshly minted one.
func (c *Config) EnsureMachineID() (string, error) {
	if c.MachineID != "" {
		return c.MachineID, nil
	}
	path := filepath.Join(c.DataDir, "machine-id")
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist machine id: %w", err)
	}
	return id, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDuration accepts Go duration strings; bare integers are read as
// seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
