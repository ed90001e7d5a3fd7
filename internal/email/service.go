// Package email delivers operator alerts about failed runs and jobs.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"

	"github.com/casafeed/server/internal/config"
)

var alertTemplate = template.Must(template.New("alert").Parse(`<html><body>
<h2>{{.Subject}}</h2>
<pre style="white-space: pre-wrap">{{.Body}}</pre>
<p style="color:#888">Sent {{.SentAt}} by casafeed.</p>
</body></html>`))

type alertData struct {
	Subject string
	Body    string
	SentAt  string
}

// Notifier sends alerts through Resend. A disabled notifier only logs.
type Notifier struct {
	config       config.AlertsConfig
	recipients   []string
	resendClient *resend.Client
	logger       zerolog.Logger
}

// NewNotifier validates the alert configuration and builds a notifier.
func NewNotifier(cfg config.AlertsConfig, logger zerolog.Logger) (*Notifier, error) {
	n := &Notifier{
		config: cfg,
		logger: logger.With().Str("component", "email").Logger(),
	}
	if !cfg.Enabled {
		return n, nil
	}

	if err := validateEmailAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender email in config: %w", err)
	}
	for _, to := range strings.Split(cfg.To, ",") {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		if err := validateEmailAddress(to); err != nil {
			return nil, fmt.Errorf("invalid alert recipient %q: %w", to, err)
		}
		n.recipients = append(n.recipients, to)
	}
	if len(n.recipients) == 0 {
		return nil, fmt.Errorf("no alert recipients configured")
	}

	n.resendClient = resend.NewClient(cfg.ResendAPIKey)
	return n, nil
}

// SendAlert renders and sends one alert to every configured recipient.
func (n *Notifier) SendAlert(ctx context.Context, subject, body string) error {
	if !n.config.Enabled {
		n.logger.Info().Str("subject", subject).Msg("alerts disabled, skipping email")
		return nil
	}

	var html bytes.Buffer
	err := alertTemplate.Execute(&html, alertData{
		Subject: subject,
		Body:    body,
		SentAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("render alert: %w", err)
	}

	return n.sendViaResend(ctx, subject, html.String())
}

// validateEmailAddress validates an email address for format and header injection attempts
func validateEmailAddress(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	if strings.ContainsAny(addr.Address, "\r\n") {
		return fmt.Errorf("invalid email address: contains newline characters")
	}
	return nil
}
