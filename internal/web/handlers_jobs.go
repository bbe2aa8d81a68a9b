package web

import (
	"net/http"

	"github.com/Will-Luck/Fleet-Sentinel/internal/auth"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/orchestrator"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	var spec orchestrator.JobSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireReauthForCritical(r, user, spec.Command, ""); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Jobs.CreateJob(spec, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDryRunJob(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	var spec orchestrator.JobSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Jobs.DryRun(spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, _ *fleet.User) {
	limit := queryInt(r, "limit", 50)
	createdBy := r.URL.Query().Get("createdBy")
	jobs, err := s.deps.Jobs.ListJobs(limit, createdBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, _ *fleet.User) {
	job, execs, err := s.deps.Jobs.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":        job,
		"executions": execs,
	})
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin, fleet.RoleUser); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Jobs.AbortJob(r.PathValue("id"), user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ---------------------------------------------------------------------------
// CVE mirror
// ---------------------------------------------------------------------------

func (s *Server) handleCVEStatus(w http.ResponseWriter, _ *http.Request, _ *fleet.User) {
	writeJSON(w, http.StatusOK, s.deps.Mirror.Status())
}

func (s *Server) handleCVETrigger(w http.ResponseWriter, _ *http.Request, user *fleet.User) {
	if err := auth.RequireRole(user, fleet.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Mirror.Trigger(); err != nil {
		writeError(w, err)
		return
	}
	// Same payload shape as the GET so clients reuse one decoder.
	writeJSON(w, http.StatusAccepted, s.deps.Mirror.Status())
}
