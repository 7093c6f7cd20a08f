package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/academy-api/internal/health"
	"github.com/keithlinneman/academy-api/internal/httpmw"
	"github.com/keithlinneman/academy-api/internal/log"
	"github.com/keithlinneman/academy-api/internal/xerrors"
)

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultPort              = 8080

	shutdownTimeout = 5 * time.Second
)

// untraced paths never start a span: probes and browser noise.
var untraced = map[string]bool{
	"/-/healthy":   true,
	"/-/ready":     true,
	"/favicon.ico": true,
	"/robots.txt":  true,
}

// NewHandler returns the public handler: the chi router wrapped in the
// request pipeline. main owns the *http.Server for graceful shutdown.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return wrap(newRouter(opts), opts)
}

func newRouter(opts Options) chi.Router {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Compress(5, "application/json", "text/plain"),
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(),
		httpmw.MaxBody(maxBody),
	)

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	notFound := jsonStatus(http.StatusNotFound, "not found")
	notAllowed := jsonStatus(http.StatusMethodNotAllowed, "method not allowed")
	if opts.Fallback != nil {
		notFound, notAllowed = opts.Fallback.ServeHTTP, opts.Fallback.ServeHTTP
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notAllowed)
	return r
}

// wrap applies the outer middleware, innermost first. Order matters: the
// client IP must be resolved before the flood guard and the request logger
// read it, and security headers go on every response including panics.
func wrap(h http.Handler, opts Options) http.Handler {
	h = httpmw.WithLogger(opts.Logger)(h)
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !untraced[r.URL.Path] }),
		// renamed to the route pattern by AnnotateHTTPRoute once chi matches
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method + " " + r.URL.Path }),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}
	return httpmw.SecurityHeaders(h)
}

func jsonStatus(status int, msg string) http.HandlerFunc {
	body := []byte(fmt.Sprintf("{\"error\":%q}\n", msg))
	return func(w http.ResponseWriter, _ *http.Request) {
		h := w.Header()
		h.Set("Content-Type", "application/json; charset=utf-8")
		h.Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on Options.Port and serves NewHandler in the background.
// The returned stop shuts the server down gracefully and is safe to call
// more than once.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}
	return Serve(ctx, opts.Logger, "http", NewServer(addr, NewHandler(opts)), ln), nil
}

// Serve runs srv on ln until the returned stop is called. name prefixes the
// lifecycle log lines.
func Serve(ctx context.Context, L log.Logger, name string, srv *http.Server, ln net.Listener) func(context.Context) error {
	go func() {
		L.Info(ctx, name+" server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, name+" server error")
		}
	}()

	var (
		once sync.Once
		err  error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, name+" server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownTimeout)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}
}
