package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/casafeed/server/internal/api/problem"
	"github.com/casafeed/server/internal/apify"
	"github.com/casafeed/server/internal/domain/reconcile"
	"github.com/casafeed/server/internal/jobs"
)

// EventService is the part of reconcile.Service the webhook uses.
type EventService interface {
	HandleCompletionEvent(ctx context.Context, dispatchID string) (reconcile.Outcome, error)
	HandleFailureEvent(ctx context.Context, dispatchID, reason string) (reconcile.Outcome, error)
}

// WebhookHandler receives Apify run notifications. Completion events are
// queued for the reconcile worker when Queue is set and handled inline
// otherwise.
type WebhookHandler struct {
	Service EventService
	Queue   jobs.Inserter
	Secret  string
	Env     string
}

func NewWebhookHandler(service EventService, queue jobs.Inserter, secret, env string) *WebhookHandler {
	return &WebhookHandler{Service: service, Queue: queue, Secret: secret, Env: env}
}

const webhookSecretHeader = "X-Apify-Webhook-Secret"

type webhookResponse struct {
	OK         bool         `json:"ok"`
	DispatchID string       `json:"dispatch_id"`
	Processed  bool         `json:"processed"`
	Queued     bool         `json:"queued,omitempty"`
	Duplicate  bool         `json:"duplicate,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Category   string       `json:"category,omitempty"`
	Run        *runResponse `json:"run,omitempty"`
}

func (h *WebhookHandler) Apify(w http.ResponseWriter, r *http.Request) {
	if h.Secret != "" {
		presented := presentedSecret(r, webhookSecretHeader)
		if presented == "" || !secretMatches(h.Secret, presented) {
			problem.Write(w, r, http.StatusUnauthorized, problem.Type("unauthorized"), "Unauthorized",
				errors.New("webhook secret missing or invalid"), h.Env, problem.WithCategory("unauthorized"))
			return
		}
	}

	var payload apify.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBodyError(w, r, fmt.Errorf("invalid webhook payload: %w", err), h.Env)
		return
	}

	dispatchID := strings.TrimSpace(payload.DispatchID())
	if dispatchID == "" {
		writeBodyError(w, r, errors.New("resource.id is required"), h.Env)
		return
	}

	logger := zerolog.Ctx(r.Context()).With().
		Str("dispatch_id", dispatchID).
		Str("event_type", payload.EventType).
		Logger()
	ctx := logger.WithContext(r.Context())

	if payload.IsFailure() {
		outcome, err := h.Service.HandleFailureEvent(ctx, dispatchID, failureReason(payload))
		h.acknowledge(w, r, dispatchID, outcome, err)
		return
	}

	if h.Queue != nil {
		skipped, err := jobs.EnqueueReconcile(ctx, h.Queue, dispatchID)
		if err != nil {
			writeError(w, r, err, h.Env)
			return
		}
		logger.Info().Bool("duplicate", skipped).Msg("reconcile queued")
		writeJSON(w, http.StatusAccepted, webhookResponse{OK: true, DispatchID: dispatchID, Queued: true, Duplicate: skipped})
		return
	}

	outcome, err := h.Service.HandleCompletionEvent(ctx, dispatchID)
	h.acknowledge(w, r, dispatchID, outcome, err)
}

// acknowledge answers 200 for every outcome the notifier should not retry.
// Transient failures answer 503 so the delivery is repeated.
func (h *WebhookHandler) acknowledge(w http.ResponseWriter, r *http.Request, dispatchID string, outcome reconcile.Outcome, err error) {
	resp := webhookResponse{
		OK:         true,
		DispatchID: dispatchID,
		Processed:  outcome.Processed,
		Reason:     outcome.Reason,
		Run:        toRunResponse(outcome.Run),
	}
	if err != nil {
		kind := reconcile.KindOf(err)
		switch kind {
		case reconcile.KindTransient, reconcile.KindValidation:
			writeError(w, r, err, h.Env)
			return
		}
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("category", string(kind)).Msg("webhook event not applied")
		resp.Category = string(kind)
	}
	writeJSON(w, http.StatusOK, resp)
}

func failureReason(p apify.WebhookPayload) string {
	status := p.Resource.Status
	if status == "" {
		status = p.EventType
	}
	reason := "scrape " + strings.ToLower(status)
	if p.Resource.StatusMessage != "" {
		reason += ": " + p.Resource.StatusMessage
	}
	return reason
}
