package httpmw

import "net/http"

// MaxBody caps request bodies at limit bytes. Reads past the limit fail with
// *http.MaxBytesError, which the API handlers map to 413.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
