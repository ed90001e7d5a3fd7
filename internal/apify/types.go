package apify

import "time"

// Run statuses reported by the actor-runs endpoint.
const (
	StatusReady     = "READY"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusAborting  = "ABORTING"
	StatusAborted   = "ABORTED"
	StatusTimingOut = "TIMING-OUT"
	StatusTimedOut  = "TIMED-OUT"
)

// Webhook event types.
const (
	EventRunSucceeded = "ACTOR.RUN.SUCCEEDED"
	EventRunFailed    = "ACTOR.RUN.FAILED"
	EventRunAborted   = "ACTOR.RUN.ABORTED"
	EventRunTimedOut  = "ACTOR.RUN.TIMED_OUT"
)

// Run is the subset of an actor run object the service reads.
type Run struct {
	ID               string     `json:"id"`
	ActID            string     `json:"actId,omitempty"`
	Status           string     `json:"status"`
	StatusMessage    string     `json:"statusMessage,omitempty"`
	DefaultDatasetID string     `json:"defaultDatasetId"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	}
	return false
}

// ActorInput is the scraper actor's input document.
type ActorInput struct {
	Points    any    `json:"points"`
	Operation string `json:"operation"`
	MaxItems  int    `json:"max_items"`
}

// envelope wraps single-object API responses.
type envelope[T any] struct {
	Data T `json:"data"`
}

// WebhookPayload is the default body Apify posts to webhook URLs.
type WebhookPayload struct {
	EventType string `json:"eventType"`
	EventData struct {
		ActorID    string `json:"actorId"`
		ActorRunID string `json:"actorRunId"`
	} `json:"eventData"`
	Resource Run `json:"resource"`
}

// DispatchID returns the actor run id the event refers to.
func (p WebhookPayload) DispatchID() string {
	if p.Resource.ID != "" {
		return p.Resource.ID
	}
	return p.EventData.ActorRunID
}

// IsFailure reports whether the event announces a run that will never
// produce a dataset.
func (p WebhookPayload) IsFailure() bool {
	switch p.EventType {
	case EventRunFailed, EventRunAborted, EventRunTimedOut:
		return true
	}
	switch p.Resource.Status {
	case StatusFailed, StatusAborted, StatusTimedOut:
		return true
	}
	return false
}
