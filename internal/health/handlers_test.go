package health

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name       string
		h          http.HandlerFunc
		wantStatus int
		wantBody   string
	}{
		{name: "healthy", h: HealthzHandler(Live), wantStatus: http.StatusOK, wantBody: "ok\n"},
		{name: "healthy nil probe", h: HealthzHandler(nil), wantStatus: http.StatusOK, wantBody: "ok\n"},
		{name: "unhealthy", h: HealthzHandler(Failing("wedged")), wantStatus: http.StatusServiceUnavailable, wantBody: "wedged\n"},
		{name: "ready", h: ReadyzHandler(Live), wantStatus: http.StatusOK, wantBody: "ready\n"},
		{name: "not ready lists each failure", h: ReadyzHandler(All(Failing("redis: timeout"), Failing("draining"))), wantStatus: http.StatusServiceUnavailable, wantBody: "redis: timeout\ndraining\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.h(w, httptest.NewRequest(http.MethodGet, "/", nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if w.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
			if w.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}
