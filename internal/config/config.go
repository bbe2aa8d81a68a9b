package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all Fleet-Sentinel configuration from environment variables.
type Config struct {
	// HTTP / WebSocket listener
	Port     string
	BindAddr string
	TLSCert  string
	TLSKey   string

	// Web auth (JWT)
	JWTIssuer    string
	JWTAudience  string
	JWTExpiresIn time.Duration

	// Terminal sessions and secure envelope
	SessionTokenSecret  string // override; generated and persisted when empty
	SessionExpiry       time.Duration
	RateLimitTokensPS   float64
	RateLimitBurst      int
	ClockSkewTolerance  time.Duration
	NonceHistoryLimit   int

	// CVE mirror
	CVESyncInterval   time.Duration
	CVESyncStartDelay time.Duration
	CVESyncSchedule   string // optional cron expression overriding the interval
	OSVBaseURL        string

	// Storage
	DBPath string

	// Agent liveness
	RegisterTimeout   time.Duration
	HeartbeatLiveness time.Duration
	ReconnectGrace    time.Duration // expected-disconnect success window

	// Policy overrides
	PolicyFile string

	// Retention
	RetentionDays int

	// Logging
	LogJSON  bool
	LogLevel string

	// Metrics
	MetricsTextfile string

	// Notifications
	GotifyURL      string
	GotifyToken    string
	WebhookURL     string
	WebhookHeaders string
	MQTTBroker     string
	MQTTTopic      string
	MQTTUsername   string
	MQTTPassword   string
	MQTTQoS        int

	// OIDC SSO (optional)
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string

	// WebAuthn (optional; both required to enable passkeys)
	WebAuthnRPID   string
	WebAuthnOrigin string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		BindAddr: envStr("HOSTNAME", "0.0.0.0"),
		TLSCert:  envStr("FLEET_TLS_CERT", ""),
		TLSKey:   envStr("FLEET_TLS_KEY", ""),

		JWTIssuer:    envStr("JWT_ISSUER", "fleet-sentinel"),
		JWTAudience:  envStr("JWT_AUDIENCE", "fleet-sentinel-web"),
		JWTExpiresIn: envDuration("JWT_EXPIRES_IN", 24*time.Hour),

		SessionTokenSecret: envStr("SESSION_TOKEN_SECRET", ""),
		SessionExpiry:      time.Duration(envInt("SESSION_EXPIRY_SECONDS", 3600)) * time.Second,
		RateLimitTokensPS:  envFloat("RATE_LIMIT_TOKENS_PER_SEC", 50),
		RateLimitBurst:     envInt("RATE_LIMIT_BURST_TOKENS", 200),
		ClockSkewTolerance: time.Duration(envInt("CLOCK_SKEW_TOLERANCE_SECONDS", 30)) * time.Second,
		NonceHistoryLimit:  envInt("NONCE_HISTORY_LIMIT", 4096),

		CVESyncInterval:   time.Duration(envInt("CVE_SYNC_INTERVAL_SECONDS", 7200)) * time.Second,
		CVESyncStartDelay: time.Duration(envInt("CVE_SYNC_START_DELAY_SECONDS", 30)) * time.Second,
		CVESyncSchedule:   envStr("FLEET_CVE_SYNC_SCHEDULE", ""),
		OSVBaseURL:        envStr("FLEET_OSV_URL", "https://api.osv.dev"),

		DBPath: envStr("FLEET_DB_PATH", "/var/lib/fleet-sentinel/fleet.db"),

		RegisterTimeout:   envDuration("FLEET_REGISTER_TIMEOUT", 10*time.Second),
		HeartbeatLiveness: envDuration("FLEET_HEARTBEAT_LIVENESS", 90*time.Second),
		ReconnectGrace:    envDuration("FLEET_RECONNECT_GRACE", 5*time.Minute),

		PolicyFile: envStr("FLEET_POLICY_FILE", ""),

		RetentionDays: envInt("FLEET_AGENT_RETENTION_DAYS", 30),

		LogJSON:  envBool("FLEET_LOG_JSON", false),
		LogLevel: envStr("FLEET_LOG_LEVEL", "info"),

		MetricsTextfile: envStr("FLEET_METRICS_TEXTFILE", ""),

		GotifyURL:      envStr("FLEET_GOTIFY_URL", ""),
		GotifyToken:    envStr("FLEET_GOTIFY_TOKEN", ""),
		WebhookURL:     envStr("FLEET_WEBHOOK_URL", ""),
		WebhookHeaders: envStr("FLEET_WEBHOOK_HEADERS", ""),
		MQTTBroker:     envStr("FLEET_MQTT_BROKER", ""),
		MQTTTopic:      envStr("FLEET_MQTT_TOPIC", "fleet-sentinel/events"),
		MQTTUsername:   envStr("FLEET_MQTT_USERNAME", ""),
		MQTTPassword:   envStr("FLEET_MQTT_PASSWORD", ""),
		MQTTQoS:        envInt("FLEET_MQTT_QOS", 0),

		OIDCIssuer:       envStr("FLEET_OIDC_ISSUER", ""),
		OIDCClientID:     envStr("FLEET_OIDC_CLIENT_ID", ""),
		OIDCClientSecret: envStr("FLEET_OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:  envStr("FLEET_OIDC_REDIRECT_URL", ""),

		WebAuthnRPID:   envStr("FLEET_WEBAUTHN_RP_ID", ""),
		WebAuthnOrigin: envStr("FLEET_WEBAUTHN_ORIGIN", ""),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric, got %q", c.Port))
	}
	if c.JWTExpiresIn <= 0 {
		errs = append(errs, fmt.Errorf("JWT_EXPIRES_IN must be > 0, got %s", c.JWTExpiresIn))
	}
	if c.SessionExpiry <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_EXPIRY_SECONDS must be > 0, got %s", c.SessionExpiry))
	}
	if c.RateLimitTokensPS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_TOKENS_PER_SEC must be > 0, got %g", c.RateLimitTokensPS))
	}
	if c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST_TOKENS must be > 0, got %d", c.RateLimitBurst))
	}
	if c.ClockSkewTolerance <= 0 {
		errs = append(errs, fmt.Errorf("CLOCK_SKEW_TOLERANCE_SECONDS must be > 0, got %s", c.ClockSkewTolerance))
	}
	if c.NonceHistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("NONCE_HISTORY_LIMIT must be > 0, got %d", c.NonceHistoryLimit))
	}
	if c.CVESyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("CVE_SYNC_INTERVAL_SECONDS must be > 0, got %s", c.CVESyncInterval))
	}
	if c.CVESyncStartDelay < 0 {
		errs = append(errs, fmt.Errorf("CVE_SYNC_START_DELAY_SECONDS must be >= 0, got %s", c.CVESyncStartDelay))
	}
	if c.CVESyncSchedule != "" {
		if _, err := cron.ParseStandard(c.CVESyncSchedule); err != nil {
			errs = append(errs, fmt.Errorf("FLEET_CVE_SYNC_SCHEDULE is not a valid cron expression: %v", err))
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("FLEET_TLS_CERT and FLEET_TLS_KEY must be set together"))
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_AGENT_RETENTION_DAYS must be > 0, got %d", c.RetentionDays))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("FLEET_MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	if c.OIDCIssuer != "" && (c.OIDCClientID == "" || c.OIDCRedirectURL == "") {
		errs = append(errs, errors.New("FLEET_OIDC_ISSUER requires FLEET_OIDC_CLIENT_ID and FLEET_OIDC_REDIRECT_URL"))
	}
	if (c.WebAuthnRPID == "") != (c.WebAuthnOrigin == "") {
		errs = append(errs, errors.New("FLEET_WEBAUTHN_RP_ID and FLEET_WEBAUTHN_ORIGIN must be set together"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
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

// envDuration accepts Go duration strings; bare integers are read as seconds
// for compatibility with second-based deployments.
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
