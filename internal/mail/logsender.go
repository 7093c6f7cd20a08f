package mail

import (
	"context"

	"github.com/google/uuid"

	"github.com/keithlinneman/academy-api/internal/log"
)

// LogSender logs messages instead of delivering them. For local development.
type LogSender struct {
	Logger log.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}
	id := uuid.NewString()
	l := s.Logger
	if l == nil {
		l = log.FromContext(ctx)
	}
	l.Info(ctx, "email not sent (log provider)",
		"message_id", id,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"html_bytes", len(msg.HTML),
	)
	return Receipt{MessageID: id, Provider: "log"}, nil
}
