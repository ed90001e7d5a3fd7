package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/casafeed/server/internal/domain/reconcile"
	"github.com/casafeed/server/internal/domain/runs"
)

// RunService is the part of reconcile.Service the runs endpoints use.
type RunService interface {
	StartRun(ctx context.Context, agencyID string) (reconcile.StartResult, error)
	Run(ctx context.Context, runID string) (*runs.Run, error)
	AgencyRuns(ctx context.Context, params runs.ListParams) ([]runs.Run, error)
}

type RunsHandler struct {
	Service RunService
	Env     string
}

func NewRunsHandler(service RunService, env string) *RunsHandler {
	return &RunsHandler{Service: service, Env: env}
}

type startRunRequest struct {
	AgencyID string `json:"agency_id" validate:"required,max=128"`
}

type startRunResponse struct {
	OK bool `json:"ok"`
	reconcile.StartResult
}

// Start dispatches a scrape for one agency.
func (h *RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeBodyError(w, r, err, h.Env)
		return
	}

	result, err := h.Service.StartRun(r.Context(), req.AgencyID)
	if err != nil {
		writeError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{OK: true, StartResult: result})
}

type runEnvelope struct {
	OK  bool         `json:"ok"`
	Run *runResponse `json:"run"`
}

// Get returns one run.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.Service.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, runEnvelope{OK: true, Run: toRunResponse(run)})
}

type runListResponse struct {
	OK    bool           `json:"ok"`
	Items []*runResponse `json:"items"`
}

// ListByAgency returns an agency's recent runs. Query: state, limit.
func (h *RunsHandler) ListByAgency(w http.ResponseWriter, r *http.Request) {
	params := runs.ListParams{
		AgencyID: r.PathValue("id"),
		State:    runs.State(r.URL.Query().Get("state")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeBodyError(w, r, fmt.Errorf("limit must be a positive integer, got %q", raw), h.Env)
			return
		}
		params.Limit = limit
	}

	list, err := h.Service.AgencyRuns(r.Context(), params)
	if err != nil {
		writeError(w, r, err, h.Env)
		return
	}

	items := make([]*runResponse, 0, len(list))
	for i := range list {
		items = append(items, toRunResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, runListResponse{OK: true, Items: items})
}
