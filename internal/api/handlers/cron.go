package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/casafeed/server/internal/api/problem"
	"github.com/casafeed/server/internal/domain/reconcile"
)

// Dispatcher starts runs for every enabled agency.
type Dispatcher interface {
	DispatchAll(ctx context.Context) (reconcile.DispatchSummary, error)
}

type CronHandler struct {
	Service Dispatcher
	Secret  string
	Env     string
}

func NewCronHandler(service Dispatcher, secret, env string) *CronHandler {
	return &CronHandler{Service: service, Secret: secret, Env: env}
}

const cronSecretHeader = "X-Cron-Secret"

type cronResponse struct {
	OK      bool                      `json:"ok"`
	Started int                       `json:"started"`
	Failed  int                       `json:"failed"`
	Runs    []reconcile.StartResult   `json:"runs"`
	Errors  []reconcile.AgencyFailure `json:"errors"`
}

// Daily dispatches every enabled agency. Per-agency failures are reported in
// the body; the request itself only fails when the agency list is unreadable.
func (h *CronHandler) Daily(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	summary, err := h.Service.DispatchAll(r.Context())
	if err != nil {
		writeError(w, r, err, h.Env)
		return
	}

	resp := cronResponse{
		OK:      true,
		Started: len(summary.Started),
		Failed:  len(summary.Failed),
		Runs:    summary.Started,
		Errors:  summary.Failed,
	}
	if resp.Runs == nil {
		resp.Runs = []reconcile.StartResult{}
	}
	if resp.Errors == nil {
		resp.Errors = []reconcile.AgencyFailure{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CronHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.Secret == "" {
		problem.Write(w, r, http.StatusInternalServerError, problem.Type("misconfigured"), "Cron secret not configured",
			errors.New("CRON_SECRET is not set"), h.Env, problem.WithCategory("misconfigured"))
		return false
	}
	presented := presentedSecret(r, cronSecretHeader)
	if presented == "" {
		problem.Write(w, r, http.StatusUnauthorized, problem.Type("unauthorized"), "Unauthorized",
			errors.New("missing cron secret"), h.Env, problem.WithCategory("unauthorized"))
		return false
	}
	if !secretMatches(h.Secret, presented) {
		problem.Write(w, r, http.StatusForbidden, problem.Type("forbidden"), "Forbidden",
			errors.New("invalid cron secret"), h.Env, problem.WithCategory("forbidden"))
		return false
	}
	return true
}
