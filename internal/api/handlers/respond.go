package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/casafeed/server/internal/api/problem"
	"github.com/casafeed/server/internal/domain/reconcile"
	"github.com/casafeed/server/internal/domain/runs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// kindStatus maps the reconcile taxonomy onto HTTP statuses.
var kindStatus = map[reconcile.Kind]int{
	reconcile.KindValidation: http.StatusBadRequest,
	reconcile.KindNotFound:   http.StatusNotFound,
	reconcile.KindConflict:   http.StatusConflict,
	reconcile.KindPermanent:  http.StatusUnprocessableEntity,
	reconcile.KindDispatch:   http.StatusBadGateway,
	reconcile.KindTransient:  http.StatusServiceUnavailable,
}

var kindTitle = map[reconcile.Kind]string{
	reconcile.KindValidation: "Invalid request",
	reconcile.KindNotFound:   "Not found",
	reconcile.KindConflict:   "Conflict",
	reconcile.KindPermanent:  "Unprocessable batch",
	reconcile.KindDispatch:   "Scrape dispatch failed",
	reconcile.KindTransient:  "Temporarily unavailable",
}

// writeError renders err as a problem response categorised by its kind.
func writeError(w http.ResponseWriter, r *http.Request, err error, env string) {
	kind := reconcile.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	title := kindTitle[kind]
	if title == "" {
		title = "Server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	problem.Write(w, r, status, problem.Type(string(kind)), title, err, env, problem.WithCategory(string(kind)))
}

// decodeBody decodes a JSON request body into dst and validates it.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// writeBodyError reports a request body that could not be decoded.
func writeBodyError(w http.ResponseWriter, r *http.Request, err error, env string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		problem.Write(w, r, http.StatusRequestEntityTooLarge, problem.Type("too_large"), "Request body too large", err, env, problem.WithCategory("validation"))
		return
	}
	problem.Write(w, r, http.StatusBadRequest, problem.Type(string(reconcile.KindValidation)), "Invalid request", err, env,
		problem.WithCategory(string(reconcile.KindValidation)), problem.WithDetail(err.Error()))
}

type runResponse struct {
	ID            string  `json:"id"`
	AgencyID      string  `json:"agency_id"`
	DispatchID    *string `json:"dispatch_id"`
	State         string  `json:"state"`
	TotalItems    int     `json:"total_items"`
	NewItems      int     `json:"new_items"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func toRunResponse(run *runs.Run) *runResponse {
	if run == nil {
		return nil
	}
	resp := &runResponse{
		ID:            run.ID,
		AgencyID:      run.AgencyID,
		DispatchID:    run.DispatchID,
		State:         string(run.State),
		TotalItems:    run.TotalItems,
		NewItems:      run.NewItems,
		FailureReason: run.FailureReason,
		CreatedAt:     run.CreatedAt.UTC().Format(timeFormat),
	}
	if run.StartedAt != nil {
		s := run.StartedAt.UTC().Format(timeFormat)
		resp.StartedAt = &s
	}
	if run.CompletedAt != nil {
		s := run.CompletedAt.UTC().Format(timeFormat)
		resp.CompletedAt = &s
	}
	return resp
}
