package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/auth"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/config"
	"github.com/Will-Luck/Fleet-Sentinel/internal/cve"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/hub"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/metrics"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
	"github.com/Will-Luck/Fleet-Sentinel/internal/orchestrator"
	"github.com/Will-Luck/Fleet-Sentinel/internal/policy"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secevent"
	"github.com/Will-Luck/Fleet-Sentinel/internal/secrets"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
	"github.com/Will-Luck/Fleet-Sentinel/internal/terminal"
	"github.com/Will-Luck/Fleet-Sentinel/internal/web"
)

var version = "dev"

// settingServerSecret is the settings key the generated server secret
// persists under when SESSION_TOKEN_SECRET is not provided.
const settingServerSecret = "server_secret"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Fleet-Sentinel " + version)
	fmt.Println("=============================================")
	fmt.Printf("FLEET_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("PORT=%s\n", cfg.Port)
	fmt.Printf("FLEET_HEARTBEAT_LIVENESS=%s\n", cfg.HeartbeatLiveness)
	fmt.Printf("CVE_SYNC_INTERVAL_SECONDS=%d\n", int(cfg.CVESyncInterval.Seconds()))
	fmt.Printf("FLEET_AGENT_RETENTION_DAYS=%d\n", cfg.RetentionDays)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	serverSecret, err := loadServerSecret(cfg, db)
	if err != nil {
		log.Error("failed to initialise server secret", "error", err)
		os.Exit(1)
	}
	sec, err := secrets.NewManager(serverSecret)
	if err != nil {
		log.Error("failed to initialise secret manager", "error", err)
		os.Exit(1)
	}

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Error("failed to load command policy", "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}
	bus := events.NewBus()
	rec := audit.New(db, bus, clk, log.With("component", "audit"))

	cache := state.New(db, log.With("component", "cache"))
	if err := cache.LoadFromStore(); err != nil {
		log.Error("failed to load machine cache", "error", err)
		os.Exit(1)
	}

	// Build the notification chain: always log, env-configured channels
	// next, then whatever the settings UI has stored.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.GotifyURL != "" {
		notifiers = append(notifiers, notify.NewGotify(cfg.GotifyURL, cfg.GotifyToken))
		log.Info("gotify notifications enabled", "url", cfg.GotifyURL)
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "fleet-sentinel", cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	channels, err := db.GetNotificationChannels()
	if err != nil {
		log.Warn("failed to load stored notification channels", "error", err)
	}
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		n, err := notify.BuildFilteredNotifier(ch)
		if err != nil {
			log.Warn("skipping invalid notification channel", "channel", ch.Name, "error", err)
			continue
		}
		notifiers = append(notifiers, n)
	}
	notifier := notify.NewMulti(log, notifiers...)

	tokens := auth.NewTokens(sec.SigningKey(), cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTExpiresIn, clk)
	authSvc := auth.NewService(db, sec, tokens, rec, clk, log.With("component", "auth"))
	if cfg.WebAuthnRPID != "" {
		pk, err := auth.NewPasskeys(auth.PasskeyConfig{
			RPID:     cfg.WebAuthnRPID,
			RPOrigin: cfg.WebAuthnOrigin,
		}, db, db, clk)
		if err != nil {
			log.Error("failed to initialise passkeys", "error", err)
			os.Exit(1)
		}
		authSvc.Passkeys = pk
		log.Info("passkey login enabled", "rp_id", cfg.WebAuthnRPID)
	}

	oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
		IssuerURL:    cfg.OIDCIssuer,
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
	})
	if err != nil {
		log.Error("failed to initialise oidc provider", "error", err)
		os.Exit(1)
	}
	if oidcProvider != nil {
		log.Info("oidc login enabled", "issuer", cfg.OIDCIssuer)
	}

	term := terminal.NewService(terminal.Config{
		ClockSkew:  cfg.ClockSkewTolerance,
		SessionTTL: cfg.SessionExpiry,
		NonceLimit: cfg.NonceHistoryLimit,
		RatePerSec: cfg.RateLimitTokensPS,
		RateBurst:  cfg.RateLimitBurst,
	}, db, sec.SigningKey(), rec, clk, log.With("component", "terminal"))

	secEngine := secevent.New(db, cache, pol, bus, rec, notifier, clk, log.With("component", "secevent"))

	mirror, err := cve.New(cve.Config{
		BaseURL:    cfg.OSVBaseURL,
		Interval:   cfg.CVESyncInterval,
		StartDelay: cfg.CVESyncStartDelay,
		Schedule:   cfg.CVESyncSchedule,
	}, db, cache, secEngine, rec, notifier, clk, log.With("component", "cve"))
	if err != nil {
		log.Error("failed to initialise cve mirror", "error", err)
		os.Exit(1)
	}

	scans := &scanProcessor{
		store:  db,
		events: secEngine,
		cves:   mirror,
		bus:    bus,
		clk:    clk,
		log:    log.With("component", "scans"),
	}

	// The hub and the orchestrator reference each other; the command
	// sink indirection breaks the construction cycle.
	cmds := &commandSink{}
	sockets := hub.New(hub.Dependencies{
		Cache:    cache,
		Metrics:  db,
		Secrets:  sec,
		Terminal: term,
		Access:   db,
		Scans:    scans,
		Events:   secEngine,
		Commands: cmds,
		Audit:    rec,
		Bus:      bus,
		Clock:    clk,
		Log:      log.With("component", "hub"),
	})

	orch := orchestrator.New(orchestrator.Config{
		ReconnectGrace: cfg.ReconnectGrace,
	}, db, cache, sockets, term, pol, bus, rec, notifier, clk, log.With("component", "jobs"))
	cmds.set(orch)

	srv := web.NewServer(web.Dependencies{
		Config:   cfg,
		Store:    db,
		Cache:    cache,
		Auth:     authSvc,
		OIDC:     oidcProvider,
		Hub:      sockets,
		Jobs:     orch,
		Mirror:   mirror,
		Resolver: secEngine,
		Scans:    scans,
		Events:   secEngine,
		Policy:   pol,
		Notify:   notifier,
		Bus:      bus,
		Audit:    rec,
		Clock:    clk,
		Log:      log.With("component", "web"),
	})

	go sockets.RunBroadcast(ctx)
	go sockets.RunSweeper(ctx)
	go mirror.Run(ctx)
	go sweepLoop(ctx, term, authSvc, srv)
	go retentionLoop(ctx, db, cfg.RetentionDays, log)
	if cfg.MetricsTextfile != "" {
		go textfileLoop(ctx, cfg.MetricsTextfile, log)
	}

	log.Info("fleet sentinel started", "version", version, "addr", cfg.Addr())

	if err := srv.Start(ctx); err != nil {
		log.Error("web server exited with error", "error", err)
		orch.Shutdown()
		os.Exit(1)
	}

	orch.Shutdown()
	log.Info("fleet sentinel shutdown complete")
}

// loadServerSecret resolves the HMAC/encryption root secret: explicit
// env override first, then the persisted value, else generate one and
// store it so restarts keep existing machine secrets decryptable.
func loadServerSecret(cfg *config.Config, db *store.Store) (string, error) {
	if cfg.SessionTokenSecret != "" {
		return cfg.SessionTokenSecret, nil
	}
	v, err := db.LoadSetting(settingServerSecret)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	s, err := secrets.GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := db.SaveSetting(settingServerSecret, s); err != nil {
		return "", err
	}
	return s, nil
}

// sweepLoop expires terminal sessions, pending login tokens, and OIDC
// states on a shared cadence.
func sweepLoop(ctx context.Context, term *terminal.Service, authSvc *auth.Service, srv *web.Server) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			term.SweepExpired()
			authSvc.Sweep()
			srv.Sweep()
		}
	}
}

// retentionLoop prunes aged metric and audit rows once an hour.
func retentionLoop(ctx context.Context, db *store.Store, days int, log *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -days)
			if n, err := db.PruneMetrics(cutoff); err != nil {
				log.Warn("metric retention prune failed", "error", err)
			} else if n > 0 {
				log.Info("pruned metric rows", "removed", n)
			}
			if n, err := db.PruneAudit(cutoff); err != nil {
				log.Warn("audit retention prune failed", "error", err)
			} else if n > 0 {
				log.Info("pruned audit rows", "removed", n)
			}
		}
	}
}

// textfileLoop exports Prometheus metrics for the node exporter's
// textfile collector.
func textfileLoop(ctx context.Context, path string, log *logging.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "path", path, "error", err)
			}
		}
	}
}

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}
