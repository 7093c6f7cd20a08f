// Package mail sends transactional email with bounded exponential-backoff retry.
package mail

import (
	"context"
	"errors"
	"net/mail"
	"strings"
)

var (
	ErrInvalidMessage = errors.New("mail: invalid message")
	ErrInvalidConfig  = errors.New("mail: invalid retry config")
)

// Message is one outbound HTML email.
type Message struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	HTML    string
}

// Validate checks that addresses parse and required fields are set.
func (m Message) Validate() error {
	var errs []error
	if _, err := mail.ParseAddress(m.From); err != nil {
		errs = append(errs, errors.New("from: "+err.Error()))
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		errs = append(errs, errors.New("to: "+err.Error()))
	}
	if m.ReplyTo != "" {
		if _, err := mail.ParseAddress(m.ReplyTo); err != nil {
			errs = append(errs, errors.New("reply-to: "+err.Error()))
		}
	}
	if strings.TrimSpace(m.Subject) == "" {
		errs = append(errs, errors.New("subject is empty"))
	}
	if strings.TrimSpace(m.HTML) == "" {
		errs = append(errs, errors.New("body is empty"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidMessage}, errs...)...)
	}
	return nil
}

// Receipt is what the provider returned for an accepted message.
type Receipt struct {
	MessageID string
	Provider  string
}

// Sender is any transactional mail provider. Errors are treated as retryable.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) { return f(ctx, msg) }
