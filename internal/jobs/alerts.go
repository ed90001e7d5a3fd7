package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// AlertFunc is invoked when a job fails for the last time or panics.
type AlertFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// AlertSender delivers an alert message; internal/email implements it.
type AlertSender interface {
	SendAlert(ctx context.Context, subject, body string) error
}

// AlertingErrorHandler logs and forwards job failures for alerting.
type AlertingErrorHandler struct {
	Logger *slog.Logger
	Notify AlertFunc
}

// NewAlertingErrorHandler builds an ErrorHandler that logs and forwards errors.
func NewAlertingErrorHandler(logger *slog.Logger, notify AlertFunc) *AlertingErrorHandler {
	return &AlertingErrorHandler{
		Logger: logger,
		Notify: notify,
	}
}

func (h *AlertingErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	if h.Logger != nil {
		h.Logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
	}
	if h.Notify != nil && isFinalFailure(job, err) {
		h.Notify(ctx, job, err)
	}
	return nil
}

func (h *AlertingErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	panicErr := fmt.Errorf("panic: %v", panicVal)
	if h.Logger != nil {
		h.Logger.Error("job panicked", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", panicErr, "trace", trace)
	}
	if h.Notify != nil {
		h.Notify(ctx, job, panicErr)
	}
	return nil
}

// isFinalFailure reports whether River will not run the job again.
func isFinalFailure(job *rivertype.JobRow, err error) bool {
	var cancel *rivertype.JobCancelError
	if errors.As(err, &cancel) {
		return true
	}
	return job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts
}

// EmailAlerts adapts an AlertSender into an AlertFunc. Send failures are
// logged and otherwise dropped.
func EmailAlerts(sender AlertSender, logger *slog.Logger) AlertFunc {
	return func(ctx context.Context, job *rivertype.JobRow, err error) {
		subject := fmt.Sprintf("[casafeed] job %s failed", job.Kind)
		body := fmt.Sprintf("Job %d (%s) failed on attempt %d of %d.\n\nArgs: %s\n\nError: %v",
			job.ID, job.Kind, job.Attempt, job.MaxAttempts, string(job.EncodedArgs), err)
		if sendErr := sender.SendAlert(context.WithoutCancel(ctx), subject, body); sendErr != nil && logger != nil {
			logger.Warn("alert delivery failed", "job_id", job.ID, "kind", job.Kind, "error", sendErr)
		}
	}
}
