package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	defaultRequestIDHeader = "X-Request-Id"
	// longer inbound ids are replaced instead of echoed into every log line
	maxRequestIDLen = 128
)

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID keeps the id the load balancer sent in header, or mints a v4
// UUID, and echoes it on the response for support correlation.
func RequestID(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = defaultRequestIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			w.Header().Set(header, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}
