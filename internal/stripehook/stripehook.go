// Package stripehook verifies and decodes payment-provider webhook deliveries
// on top of stripe-go.
//
// Signature checking ignores stripe-go's own tolerance. Freshness is decided
// by the caller's replay window on the returned signing time, so a stale
// delivery can be answered differently from a forged one.
package stripehook

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

const HeaderName = "Stripe-Signature"

var (
	ErrEmptySecret = errors.New("stripehook: empty signing secret")

	// re-exported so callers need not import stripe-go for errors.Is
	ErrNotSigned        = webhook.ErrNotSigned
	ErrInvalidHeader    = webhook.ErrInvalidHeader
	ErrNoValidSignature = webhook.ErrNoValidSignature
)

// Verify checks header against payload and returns the signing time.
func Verify(payload []byte, header, secret string) (time.Time, error) {
	if secret == "" {
		return time.Time{}, ErrEmptySecret
	}
	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, secret); err != nil {
		return time.Time{}, err
	}
	return signedAt(header)
}

// signedAt reads t= from a header stripe-go has already accepted.
func signedAt(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k != "t" {
			continue
		}
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, xerrors.Wrapf(ErrInvalidHeader, "timestamp %q", v)
		}
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, xerrors.Wrap(ErrInvalidHeader, "no timestamp")
}

// SignatureHeader builds a v1 header value, used by tests and local tooling.
func SignatureHeader(payload []byte, secret string, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}
