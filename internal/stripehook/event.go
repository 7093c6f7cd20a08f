package stripehook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

var ErrMalformedEvent = errors.New("stripehook: malformed event")

// ParseEvent decodes a verified payload. The account's API version is not
// compared with stripe-go's; only the envelope and checkout sessions are read.
func ParseEvent(payload []byte) (stripe.Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return stripe.Event{}, xerrors.Wrapf(ErrMalformedEvent, "decode: %v", err)
	}
	if ev.ID == "" {
		return stripe.Event{}, xerrors.Wrap(ErrMalformedEvent, "missing id")
	}
	if ev.Type == "" {
		return stripe.Event{}, xerrors.Wrap(ErrMalformedEvent, "missing type")
	}
	return ev, nil
}

// CheckoutSession decodes data.object of a checkout.session.completed event.
func CheckoutSession(ev stripe.Event) (*stripe.CheckoutSession, error) {
	if ev.Type != stripe.EventTypeCheckoutSessionCompleted {
		return nil, xerrors.Wrapf(ErrMalformedEvent, "event %s is %s, not a checkout session", ev.ID, ev.Type)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, xerrors.Wrapf(ErrMalformedEvent, "event %s has no data.object", ev.ID)
	}
	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return nil, xerrors.Wrapf(ErrMalformedEvent, "decode checkout session: %v", err)
	}
	return &s, nil
}

// CustomerEmail prefers customer_details.email, falling back to customer_email.
func CustomerEmail(s *stripe.CheckoutSession) string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

func CustomerName(s *stripe.CheckoutSession) string {
	if s.CustomerDetails == nil {
		return ""
	}
	return s.CustomerDetails.Name
}

func Course(s *stripe.CheckoutSession) string { return s.Metadata["course"] }

// Amount formats amount_total (minor units) as "49.00 USD".
func Amount(s *stripe.CheckoutSession) string {
	if s.Currency == "" {
		return ""
	}
	return fmt.Sprintf("%d.%02d %s", s.AmountTotal/100, s.AmountTotal%100, strings.ToUpper(string(s.Currency)))
}
