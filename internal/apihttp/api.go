// Package apihttp serves the site's JSON API: the contact form and the
// payment-provider webhook.
package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/academy-api/internal/archive"
	"github.com/keithlinneman/academy-api/internal/httpmw"
	"github.com/keithlinneman/academy-api/internal/idempotency"
	"github.com/keithlinneman/academy-api/internal/log"
	"github.com/keithlinneman/academy-api/internal/mail"
	"github.com/keithlinneman/academy-api/internal/ratelimit"
)

const (
	ContactPath = "/api/contact"
	WebhookPath = "/api/webhooks/stripe"
)

// ContactLimiter is the IP-then-email policy for the contact form.
type ContactLimiter interface {
	Check(ctx context.Context, ip, email string) (ratelimit.Decision, error)
}

// EventGuard admits each webhook event at most once.
type EventGuard interface {
	Admit(ctx context.Context, eventID string, signedAt time.Time) (idempotency.Verdict, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncContact(outcome string)
	IncWebhookEvent(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) IncContact(string)      {}
func (nopMetrics) IncWebhookEvent(string) {}

// Options wires the API's collaborators. Limiter, Guard, Mailer and
// WebhookSecret are required.
type Options struct {
	Logger  log.Logger
	Metrics Metrics

	Limiter ContactLimiter
	Guard   EventGuard
	// Mailer should already retry (mail.Retrier).
	Mailer   mail.Sender
	Archiver archive.Archiver

	WebhookSecret string

	// MailFrom is the sender for every outbound message.
	MailFrom string
	// ContactTo receives contact form submissions.
	ContactTo string
}

// API implements the contact and webhook endpoints.
type API struct {
	logger        log.Logger
	metrics       Metrics
	limiter       ContactLimiter
	guard         EventGuard
	mailer        mail.Sender
	archiver      archive.Archiver
	webhookSecret string
	mailFrom      string
	contactTo     string
}

// NewAPI creates the API handler. Missing optional collaborators default to no-ops.
func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Archiver == nil {
		opts.Archiver = archive.Nop{}
	}
	return &API{
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		limiter:       opts.Limiter,
		guard:         opts.Guard,
		mailer:        opts.Mailer,
		archiver:      opts.Archiver,
		webhookSecret: opts.WebhookSecret,
		mailFrom:      opts.MailFrom,
		contactTo:     opts.ContactTo,
	}
}

// RegisterRoutes attaches the API endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("contact")).Post(ContactPath, api.HandleContact)
	r.With(httpmw.Scope("stripe_webhook")).Post(WebhookPath, api.HandleStripeWebhook)
}

type errorResponse struct {
	Error  string            `json:"error"`
	Reason string            `json:"reason,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Error(ctx, err, "failed to encode JSON response")
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}
