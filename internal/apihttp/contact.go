package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/keithlinneman/academy-api/internal/httpmw"
	"github.com/keithlinneman/academy-api/internal/log"
	mailer "github.com/keithlinneman/academy-api/internal/mail"
)

const (
	maxNameLen    = 100
	maxEmailLen   = 254
	maxMessageLen = 5000
)

// ContactRequest is the contact form body.
type ContactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// Validate trims fields in place and returns per-field problems.
func (c *ContactRequest) Validate() map[string]string {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Message = strings.TrimSpace(c.Message)

	problems := map[string]string{}
	switch {
	case c.Name == "":
		problems["name"] = "required"
	case utf8.RuneCountInString(c.Name) > maxNameLen:
		problems["name"] = "too long"
	}
	switch {
	case c.Email == "":
		problems["email"] = "required"
	case len(c.Email) > maxEmailLen:
		problems["email"] = "too long"
	default:
		addr, err := mail.ParseAddress(c.Email)
		if err != nil || addr.Address != c.Email {
			problems["email"] = "invalid address"
		}
	}
	switch {
	case c.Message == "":
		problems["message"] = "required"
	case utf8.RuneCountInString(c.Message) > maxMessageLen:
		problems["message"] = "too long"
	}
	return problems
}

type okResponse struct {
	OK bool `json:"ok"`
}

// HandleContact rate-limits by client IP then email, and forwards the message.
func (api *API) HandleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.metrics.IncContact("too_large")
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.metrics.IncContact("invalid")
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if problems := req.Validate(); len(problems) > 0 {
		api.metrics.IncContact("invalid")
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: problems})
		return
	}

	ip := httpmw.ClientIPFromContext(ctx)
	if ip == "" {
		ip = "unknown"
	}

	dec, err := api.limiter.Check(ctx, ip, req.Email)
	if err != nil {
		logger.Error(ctx, err, "contact rate limit check failed")
		api.metrics.IncContact("error")
		api.writeError(ctx, w, http.StatusInternalServerError, "internal error")
		return
	}
	if !dec.Allowed {
		retry := dec.RetryAfterSeconds()
		logger.Info(ctx, "contact form rate limited",
			"reason", dec.Reason,
			"retry_after_s", retry,
			"client_ip", ip,
			"email", req.Email,
		)
		api.metrics.IncContact("limited_" + dec.Reason)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		api.writeJSON(ctx, w, http.StatusTooManyRequests, errorResponse{Error: "too many requests", Reason: dec.Reason})
		return
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))

	subject, html, err := mailer.RenderContact(mailer.ContactData{Name: req.Name, Email: req.Email, Message: req.Message})
	if err != nil {
		logger.Error(ctx, err, "render contact email")
		api.metrics.IncContact("error")
		api.writeError(ctx, w, http.StatusInternalServerError, "internal error")
		return
	}

	rcpt, err := api.mailer.Send(ctx, mailer.Message{
		From:    api.mailFrom,
		To:      api.contactTo,
		ReplyTo: req.Email,
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		logger.Error(ctx, err, "contact email not delivered")
		api.metrics.IncContact("mail_failed")
		api.writeError(ctx, w, http.StatusBadGateway, "failed to send message")
		return
	}

	logger.Info(ctx, "contact message forwarded", "message_id", rcpt.MessageID, "provider", rcpt.Provider)
	api.metrics.IncContact("sent")
	api.writeJSON(ctx, w, http.StatusOK, okResponse{OK: true})
}
