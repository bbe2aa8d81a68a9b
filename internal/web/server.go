// Package web is the HTTP surface of the control plane: REST API, the
// two WebSocket endpoints, the agent HTTP fallback, Prometheus metrics
// and health. Authentication is a bearer JWT; RBAC and machine-access
// checks live in the auth service.
package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/auth"
	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
	"github.com/Will-Luck/Fleet-Sentinel/internal/config"
	"github.com/Will-Luck/Fleet-Sentinel/internal/cve"
	"github.com/Will-Luck/Fleet-Sentinel/internal/events"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/hub"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
	"github.com/Will-Luck/Fleet-Sentinel/internal/notify"
	"github.com/Will-Luck/Fleet-Sentinel/internal/orchestrator"
	"github.com/Will-Luck/Fleet-Sentinel/internal/policy"
	"github.com/Will-Luck/Fleet-Sentinel/internal/state"
	"github.com/Will-Luck/Fleet-Sentinel/internal/store"
)

// oidcStateTTL bounds the login redirect round trip.
const oidcStateTTL = 10 * time.Minute

// JobRunner is the orchestrator surface the API uses.
type JobRunner interface {
	CreateJob(spec orchestrator.JobSpec, createdBy string) (*fleet.Job, error)
	DryRun(spec orchestrator.JobSpec) (*orchestrator.DryRunResult, error)
	AbortJob(id, actor string) (*fleet.Job, error)
	GetJob(id string) (*fleet.Job, []*fleet.Execution, error)
	ListJobs(limit int, createdBy string) ([]*fleet.Job, error)
	ExecuteCommand(userID, machineID, command string) (*fleet.Command, error)
}

// MirrorControl exposes CVE mirror state and the manual trigger.
type MirrorControl interface {
	Status() cve.Status
	Trigger() error
}

// EventResolver closes security events.
type EventResolver interface {
	ResolveAll(machineID string, actor audit.Entry) ([]string, error)
	Resolve(machineID string, ids []string, actor audit.Entry) ([]string, error)
}

// SocketHub serves the two WebSocket populations.
type SocketHub interface {
	ServeAgent(w http.ResponseWriter, r *http.Request)
	ServeWeb(w http.ResponseWriter, r *http.Request, id hub.WebIdentity)
}

// ScanSink ingests package scans arriving over the HTTP fallback.
type ScanSink interface {
	HandleScan(machineID string, scan *fleet.ScanFrame)
}

// EventSink ingests standalone security findings.
type EventSink interface {
	HandleEvent(machineID string, ev fleet.ReportedEvent)
}

// Notifier delivers test notifications.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) bool
	Reconfigure(notifiers ...notify.Notifier)
}

// Auditor records API activity.
type Auditor interface {
	Record(e audit.Entry)
}

// Dependencies wires the server to the rest of the control plane.
type Dependencies struct {
	Config   *config.Config
	Store    *store.Store
	Cache    *state.Cache
	Auth     *auth.Service
	OIDC     *auth.OIDCProvider // nil disables SSO endpoints
	Hub      SocketHub
	Jobs     JobRunner
	Mirror   MirrorControl
	Resolver EventResolver
	Scans    ScanSink
	Events   EventSink
	Policy   *policy.Policy
	Notify   Notifier
	Bus      *events.Bus
	Audit    Auditor
	Clock    clock.Clock
	Log      *logging.Logger
}

// Server is the HTTP front of the control plane.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
	http *http.Server

	mu         sync.Mutex
	oidcStates map[string]time.Time
}

func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:       deps,
		mux:        http.NewServeMux(),
		oidcStates: make(map[string]time.Time),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              deps.Config.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	// Health and metrics are unauthenticated.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Auth.
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/totp", s.handleTOTP)
	s.mux.HandleFunc("POST /auth/totp/enroll", s.withUser(s.handleTOTPEnroll))
	s.mux.HandleFunc("POST /auth/totp/confirm", s.withUser(s.handleTOTPConfirm))
	s.mux.HandleFunc("POST /auth/totp/disable", s.withUser(s.handleTOTPDisable))
	s.mux.HandleFunc("POST /auth/reauth", s.withUser(s.handleReauth))
	s.mux.HandleFunc("GET /auth/me", s.withUser(s.handleMe))
	if s.deps.OIDC != nil {
		s.mux.HandleFunc("GET /auth/oidc/login", s.handleOIDCLogin)
		s.mux.HandleFunc("GET /auth/oidc/callback", s.handleOIDCCallback)
	}
	if s.deps.Auth.Passkeys != nil {
		s.mux.HandleFunc("POST /auth/webauthn/register/begin", s.withUser(s.handleWebAuthnRegisterBegin))
		s.mux.HandleFunc("POST /auth/webauthn/register/finish", s.withUser(s.handleWebAuthnRegisterFinish))
		s.mux.HandleFunc("POST /auth/webauthn/login/begin", s.handleWebAuthnLoginBegin)
		s.mux.HandleFunc("POST /auth/webauthn/login/finish", s.handleWebAuthnLoginFinish)
		s.mux.HandleFunc("GET /auth/webauthn/credentials", s.withUser(s.handleWebAuthnList))
		s.mux.HandleFunc("DELETE /auth/webauthn/credentials/{id}", s.withUser(s.handleWebAuthnDelete))
	}

	// Machines.
	s.mux.HandleFunc("GET /vms", s.withUser(s.handleListMachines))
	s.mux.HandleFunc("GET /vms/{id}", s.withMachine(s.handleGetMachine))
	s.mux.HandleFunc("GET /vms/{id}/metrics", s.withMachine(s.handleMachineMetrics))
	s.mux.HandleFunc("GET /vms/{id}/packages", s.withMachine(s.handleMachinePackages))
	s.mux.HandleFunc("GET /vms/{id}/security", s.withMachine(s.handleMachineSecurity))
	s.mux.HandleFunc("GET /vms/{id}/commands", s.withMachine(s.handleMachineCommands))
	s.mux.HandleFunc("POST /vms/{id}/commands", s.withMachine(s.handleExecuteCommand))
	s.mux.HandleFunc("GET /vms/{id}/vulnerabilities", s.withMachine(s.handleMachineVulnerabilities))
	s.mux.HandleFunc("DELETE /vms/{id}", s.withUser(s.handleDeleteMachine))
	s.mux.HandleFunc("POST /vms/{id}/security/resolve", s.withMachine(s.handleResolveAll))
	s.mux.HandleFunc("PATCH /vms/{id}/security/resolve", s.withMachine(s.handleResolveSome))

	// Jobs.
	s.mux.HandleFunc("POST /jobs", s.withUser(s.handleCreateJob))
	s.mux.HandleFunc("POST /jobs/dry-run", s.withUser(s.handleDryRunJob))
	s.mux.HandleFunc("GET /jobs", s.withUser(s.handleListJobs))
	s.mux.HandleFunc("GET /jobs/{id}", s.withUser(s.handleGetJob))
	s.mux.HandleFunc("POST /jobs/{id}/abort", s.withUser(s.handleAbortJob))

	// CVE mirror.
	s.mux.HandleFunc("GET /security/cve", s.withUser(s.handleCVEStatus))
	s.mux.HandleFunc("POST /security/cve", s.withUser(s.handleCVETrigger))

	// Groups.
	s.mux.HandleFunc("GET /groups", s.withUser(s.handleListGroups))
	s.mux.HandleFunc("POST /groups", s.withUser(s.handleSaveGroup))
	s.mux.HandleFunc("DELETE /groups/{name}", s.withUser(s.handleDeleteGroup))

	// Users and access.
	s.mux.HandleFunc("GET /users", s.withUser(s.handleListUsers))
	s.mux.HandleFunc("POST /users", s.withUser(s.handleCreateUser))
	s.mux.HandleFunc("PATCH /users/{id}", s.withUser(s.handleUpdateUser))
	s.mux.HandleFunc("DELETE /users/{id}", s.withUser(s.handleDeleteUser))
	s.mux.HandleFunc("PUT /users/{id}/machines", s.withUser(s.handleSetMachineAccess))

	// Audit and settings.
	s.mux.HandleFunc("GET /audit", s.withUser(s.handleListAudit))
	s.mux.HandleFunc("GET /settings/notifications", s.withUser(s.handleGetNotifications))
	s.mux.HandleFunc("PUT /settings/notifications", s.withUser(s.handleSaveNotifications))
	s.mux.HandleFunc("POST /settings/notifications/test", s.withUser(s.handleTestNotification))

	// Agent HTTP fallback.
	s.mux.HandleFunc("POST /agent/scan", s.withAgent(s.handleAgentScan))
	s.mux.HandleFunc("POST /agent/scan-progress", s.withAgent(s.handleAgentScanProgress))
	s.mux.HandleFunc("POST /agent/security-events", s.withAgent(s.handleAgentEvents))
	s.mux.HandleFunc("POST /agent/audit", s.withAgent(s.handleAgentAudit))

	// Sockets.
	s.mux.HandleFunc("GET /ws/agent", s.deps.Hub.ServeAgent)
	s.mux.HandleFunc("GET /ws/web", s.handleWebSocket)
}

// Start serves until ctx is done. TLS is used when both cert and key
// are configured.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		cfg := s.deps.Config
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			errCh <- s.http.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		errCh <- s.http.ListenAndServe()
	}()
	s.deps.Log.Info("http server listening", "addr", s.http.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bearerToken extracts the JWT from the Authorization header or, for
// WebSocket handshakes, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// withUser authenticates the request and passes the account through.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, *fleet.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, fleet.E(fleet.KindSessionInvalid, "missing token"))
			return
		}
		user, err := s.deps.Auth.Authenticate(token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, user)
	}
}

// withMachine additionally resolves the {id} path segment and enforces
// the caller's machine-access list.
func (s *Server) withMachine(next func(http.ResponseWriter, *http.Request, *fleet.User, string)) http.HandlerFunc {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, user *fleet.User) {
		id := r.PathValue("id")
		if _, ok := s.deps.Cache.Get(id); !ok {
			writeError(w, fleet.E(fleet.KindMachineNotFound, "machine %s", id))
			return
		}
		if err := s.deps.Auth.AuthorizeMachine(user, id); err != nil {
			s.deps.Audit.Record(audit.Entry{
				Action:    audit.ActionAccessDenied,
				Severity:  fleet.AuditWarning,
				UserID:    user.ID,
				Username:  user.Username,
				MachineID: id,
			})
			writeError(w, err)
			return
		}
		next(w, r, user, id)
	})
}

// withAgent authenticates the agent HTTP fallback via the
// x-agent-secret header and resolves the machine it belongs to.
func (s *Server) withAgent(next func(http.ResponseWriter, *http.Request, *fleet.Machine)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.authenticateAgent(r)
		if err != nil {
			s.deps.Audit.Record(audit.Entry{
				Action:   audit.ActionAgentRejected,
				Severity: fleet.AuditWarning,
				Details:  map[string]any{"ip": clientIP(r), "path": r.URL.Path},
			})
			writeError(w, err)
			return
		}
		next(w, r, m)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, fleet.E(fleet.KindSessionInvalid, "missing token"))
		return
	}
	user, err := s.deps.Auth.Authenticate(token)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Hub.ServeWeb(w, r, hub.WebIdentity{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	})
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
