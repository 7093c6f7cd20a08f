package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/academy-api/internal/log"
	"github.com/keithlinneman/academy-api/internal/otelx"
	"github.com/keithlinneman/academy-api/internal/xerrors"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 10 * time.Second
)

// RetryConfig bounds SendWithRetry. Total attempts are MaxRetries+1.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d < 0", ErrInvalidConfig, c.MaxRetries)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("%w: initial delay %s must be > 0", ErrInvalidConfig, c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("%w: max delay %s < initial delay %s", ErrInvalidConfig, c.MaxDelay, c.InitialDelay)
	}
	return nil
}

// Delays returns the wait before each retry: min(InitialDelay * 2^i, MaxDelay).
func (c RetryConfig) Delays() []time.Duration {
	b := c.newBackOff()
	out := make([]time.Duration, c.MaxRetries)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}

func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Retrier sends with retry. The zero value is not usable; use NewRetrier.
type Retrier struct {
	sender  Sender
	cfg     RetryConfig
	logger  log.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	onTry   func(outcome string)
	onFinal func(outcome string)
}

type RetrierOption func(*Retrier)

func WithRetryConfig(c RetryConfig) RetrierOption {
	return func(r *Retrier) { r.cfg = c }
}

func WithLogger(l log.Logger) RetrierOption {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSleep replaces the wait between attempts, used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithOnAttempt is called after every attempt with "ok" or "error".
func WithOnAttempt(fn func(outcome string)) RetrierOption {
	return func(r *Retrier) { r.onTry = fn }
}

// WithOnResult is called once per send with "ok", "retried" or "failed".
func WithOnResult(fn func(outcome string)) RetrierOption {
	return func(r *Retrier) { r.onFinal = fn }
}

func NewRetrier(sender Sender, opts ...RetrierOption) (*Retrier, error) {
	if sender == nil {
		return nil, xerrors.New("mail: nil sender")
	}
	r := &Retrier{
		sender: sender,
		cfg:    DefaultRetryConfig(),
		logger: log.Nop(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Send implements Sender. Errors marked xerrors.Permanent end the sequence
// without further attempts.
func (r *Retrier) Send(ctx context.Context, msg Message) (rcpt Receipt, err error) {
	ctx, span := otelx.Start(ctx, "mail.send", attribute.Int("mail.max_retries", r.cfg.MaxRetries))
	defer func() { otelx.End(span, err) }()
	return r.send(ctx, msg)
}

func (r *Retrier) send(ctx context.Context, msg Message) (Receipt, error) {
	b := r.cfg.newBackOff()
	attempts := r.cfg.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		rcpt, err := r.sender.Send(ctx, msg)
		if err == nil {
			r.attempt("ok")
			if attempt > 1 {
				r.logger.Info(ctx, "email sent after retry", "attempt", attempt, "to_email", msg.To, "message_id", rcpt.MessageID)
				r.result("retried")
			} else {
				r.result("ok")
			}
			return rcpt, nil
		}
		r.attempt("error")
		lastErr = err

		if xerrors.IsPermanent(err) {
			r.logger.Error(ctx, err, "email rejected, not retrying", "attempt", attempt, "to_email", msg.To)
			r.result("failed")
			return Receipt{}, xerrors.Wrap(err, "send email: rejected")
		}
		if attempt == attempts {
			break
		}
		delay := b.NextBackOff()
		r.logger.Warn(ctx, "email send failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", delay.String(),
			"to_email", msg.To,
			"err", err,
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			r.logger.Error(ctx, serr, "email retry abandoned", "attempt", attempt, "to_email", msg.To)
			r.result("failed")
			return Receipt{}, xerrors.Wrapf(lastErr, "send email: abandoned after %d attempts", attempt)
		}
	}

	r.logger.Error(ctx, lastErr, "email send failed after all retries", "attempts", attempts, "to_email", msg.To)
	r.result("failed")
	return Receipt{}, xerrors.Wrapf(lastErr, "send email: %d attempts", attempts)
}

// SendWithRetry is a one-shot Retrier.Send using cfg and the context logger.
func SendWithRetry(ctx context.Context, sender Sender, msg Message, cfg RetryConfig) (Receipt, error) {
	r, err := NewRetrier(sender, WithRetryConfig(cfg), WithLogger(log.FromContext(ctx)))
	if err != nil {
		return Receipt{}, err
	}
	return r.Send(ctx, msg)
}

func (r *Retrier) attempt(outcome string) {
	if r.onTry != nil {
		r.onTry(outcome)
	}
}

func (r *Retrier) result(outcome string) {
	if r.onFinal != nil {
		r.onFinal(outcome)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
