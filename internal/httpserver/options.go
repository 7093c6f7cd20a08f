package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/academy-api/internal/health"
	"github.com/keithlinneman/academy-api/internal/httpmw"
	"github.com/keithlinneman/academy-api/internal/log"
)

// DefaultMaxBodyBytes caps request bodies. The largest legitimate body is a
// provider webhook payload.
const DefaultMaxBodyBytes int64 = 64 << 10

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers the application endpoints.
	APIRoutes func(chi.Router)
	// Fallback serves unmatched routes and methods; nil means JSON 404/405.
	Fallback http.Handler
}
