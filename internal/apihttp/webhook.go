package apihttp

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/academy-api/internal/idempotency"
	"github.com/keithlinneman/academy-api/internal/log"
	mailer "github.com/keithlinneman/academy-api/internal/mail"
	"github.com/keithlinneman/academy-api/internal/otelx"
	"github.com/keithlinneman/academy-api/internal/stripehook"
)

type receivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// HandleStripeWebhook verifies, de-duplicates and dispatches one delivery.
//
// Any non-2xx makes the provider retry, so duplicates are acknowledged with
// 200 and side-effect failures after admission are logged, not returned.
func (api *API) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.metrics.IncWebhookEvent("too_large")
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.metrics.IncWebhookEvent("invalid")
		api.writeError(ctx, w, http.StatusBadRequest, "unreadable body")
		return
	}

	signedAt, err := stripehook.Verify(payload, r.Header.Get(stripehook.HeaderName), api.webhookSecret)
	if err != nil {
		logger.Warn(ctx, "webhook signature rejected", "err", err)
		api.metrics.IncWebhookEvent("bad_signature")
		api.writeError(ctx, w, http.StatusBadRequest, "invalid signature")
		return
	}

	ev, err := stripehook.ParseEvent(payload)
	if err != nil {
		logger.Warn(ctx, "webhook payload rejected", "err", err)
		api.metrics.IncWebhookEvent("invalid")
		api.writeError(ctx, w, http.StatusBadRequest, "invalid event")
		return
	}
	logger = logger.With("event_id", ev.ID, "event_type", string(ev.Type))

	verdict, err := api.guard.Admit(ctx, ev.ID, signedAt)
	switch {
	case errors.Is(err, idempotency.ErrStaleReplay):
		logger.Warn(ctx, "stale webhook rejected, possible replay or clock skew",
			"signed_at", signedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			"err", err,
		)
		api.metrics.IncWebhookEvent("stale")
		api.writeError(ctx, w, http.StatusBadRequest, "stale event")
		return
	case err != nil:
		// not acknowledged, the provider retries later
		logger.Error(ctx, err, "idempotency check failed")
		api.metrics.IncWebhookEvent("error")
		api.writeError(ctx, w, http.StatusInternalServerError, "internal error")
		return
	case verdict == idempotency.VerdictDuplicate:
		logger.Info(ctx, "duplicate webhook acknowledged")
		api.metrics.IncWebhookEvent("duplicate")
		api.writeJSON(ctx, w, http.StatusOK, receivedResponse{Received: true, Duplicate: true})
		return
	}

	// the event is marked; side effects run to completion even if the sender hangs up
	sctx := log.WithContext(context.WithoutCancel(ctx), logger)
	sctx, span := otelx.Start(sctx, "webhook.process",
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.event_type", string(ev.Type)),
	)

	if err := api.archiver.Put(sctx, ev.ID, payload); err != nil {
		logger.Error(sctx, err, "webhook archive failed")
	}
	api.dispatch(sctx, logger, ev)
	otelx.End(span, nil)

	api.metrics.IncWebhookEvent("processed")
	api.writeJSON(ctx, w, http.StatusOK, receivedResponse{Received: true})
}

func (api *API) dispatch(ctx context.Context, logger log.Logger, ev stripe.Event) {
	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		api.confirmPurchase(ctx, logger, ev)
	default:
		logger.Debug(ctx, "webhook event type ignored")
	}
}

// confirmPurchase emails the buyer. Failures never fail the webhook:
// the payment succeeded whether or not the notification did.
func (api *API) confirmPurchase(ctx context.Context, logger log.Logger, ev stripe.Event) {
	sess, err := stripehook.CheckoutSession(ev)
	if err != nil {
		logger.Error(ctx, err, "decode checkout session")
		return
	}
	to := stripehook.CustomerEmail(sess)
	if to == "" {
		logger.Warn(ctx, "checkout session has no customer email", "session_id", sess.ID)
		return
	}

	subject, html, err := mailer.RenderPurchase(mailer.PurchaseData{
		Name:      stripehook.CustomerName(sess),
		Course:    stripehook.Course(sess),
		Amount:    stripehook.Amount(sess),
		Reference: sess.ID,
	})
	if err != nil {
		logger.Error(ctx, err, "render purchase email")
		return
	}

	rcpt, err := api.mailer.Send(ctx, mailer.Message{
		From:    api.mailFrom,
		To:      to,
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		logger.Error(ctx, err, "purchase confirmation not delivered", "session_id", sess.ID)
		return
	}
	logger.Info(ctx, "purchase confirmation sent", "session_id", sess.ID, "customer_email", to, "message_id", rcpt.MessageID)
}
