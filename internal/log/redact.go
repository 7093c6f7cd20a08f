package log

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// defaultSecretKeys are always replaced, whatever Options.RedactKeys says.
var defaultSecretKeys = []string{"password", "secret", "authorization", "signature", "stripe_signature"}

// MaskEmail keeps the first rune of the local part and the domain:
// "ada@example.com" -> "a***@example.com". Values without an @ are fully masked.
func MaskEmail(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return redacted
	}
	local := []rune(addr[:at])
	return string(local[0]) + "***" + addr[at:]
}

// redactHandler masks secrets and email addresses before records reach the
// output handler. Keys match case-insensitively; any key ending in "email"
// is masked with MaskEmail.
type redactHandler struct {
	next    slog.Handler
	secrets map[string]struct{}
}

func newRedactHandler(next slog.Handler, extra []string) redactHandler {
	keys := make(map[string]struct{}, len(defaultSecretKeys)+len(extra))
	for _, k := range defaultSecretKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactHandler{next: next, secrets: keys}
}

func (h redactHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h redactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h redactHandler) redact(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if _, ok := h.secrets[key]; ok {
		return slog.String(a.Key, redacted)
	}
	if strings.HasSuffix(key, "email") && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, MaskEmail(a.Value.String()))
	}
	return a
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redact(a)
	}
	return redactHandler{next: h.next.WithAttrs(clean), secrets: h.secrets}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{next: h.next.WithGroup(name), secrets: h.secrets}
}
