package health

import (
	"net/http"
	"strings"
)

// HealthzHandler answers 200 "ok" or 503 with the probe's reason.
func HealthzHandler(p Probe) http.HandlerFunc { return handler(p, "ok") }

// ReadyzHandler answers 200 "ready" or 503 with the probe's reason.
func ReadyzHandler(p Probe) http.HandlerFunc { return handler(p, "ready") }

func handler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		status, body := http.StatusOK, okBody
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				// joined failures are one per line already
				status, body = http.StatusServiceUnavailable, strings.TrimSpace(err.Error())
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body + "\n"))
	}
}
