package mail

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers through Amazon SES v2.
type SESSender struct {
	client           SESAPI
	configurationSet string
}

type SESOption func(*SESSender)

// WithConfigurationSet tags sends with an SES configuration set for event publishing.
func WithConfigurationSet(name string) SESOption {
	return func(s *SESSender) { s.configurationSet = name }
}

func NewSESSender(client SESAPI, opts ...SESOption) *SESSender {
	s := &SESSender{client: client}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SESSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, xerrors.Permanent(err)
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.ReplyTo != "" {
		in.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configurationSet != "" {
		in.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, in)
	if err != nil {
		if isRejected(err) {
			err = xerrors.Permanent(err)
		}
		return Receipt{}, xerrors.Wrap(err, "ses send email")
	}
	return Receipt{MessageID: aws.ToString(out.MessageId), Provider: "ses"}, nil
}

// isRejected reports SES errors that a retry cannot fix. Throttling and
// service errors are left retryable.
func isRejected(err error) bool {
	var (
		rejected   *types.MessageRejected
		badRequest *types.BadRequestException
		notFound   *types.NotFoundException
		unverified *types.MailFromDomainNotVerifiedException
	)
	return errors.As(err, &rejected) ||
		errors.As(err, &badRequest) ||
		errors.As(err, &notFound) ||
		errors.As(err, &unverified)
}
