package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/academy-api/internal/health"
	"github.com/keithlinneman/academy-api/internal/log/logtest"
)

func serve(t *testing.T, h http.Handler, remote, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewHandler_Routes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# HELP contact_submissions_total\n")
	})
	var gate health.ShutdownGate
	h := NewHandler(nil, Options{
		Health:    health.Live,
		Readiness: gate.Probe(),
		Metrics:   metrics,
	})

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/healthz", wantStatus: http.StatusOK, wantBody: "ok"},
		{path: "/readyz", wantStatus: http.StatusOK, wantBody: "ready"},
		{path: "/metrics", wantStatus: http.StatusOK, wantBody: "contact_submissions_total"},
		{path: "/debug/pprof/", wantStatus: http.StatusNotFound},
		{path: "/debug/pprof/heap", wantStatus: http.StatusNotFound},
		{path: "/nope", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(t, h, "127.0.0.1:5000", tt.path)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}

	gate.Set("draining")
	if w := serve(t, h, "127.0.0.1:5000", "/readyz"); w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "draining") {
		t.Fatalf("readyz while draining = %d %q", w.Code, w.Body.String())
	}
}

func TestNewHandler_NilProbesAreOK(t *testing.T) {
	h := NewHandler(nil, Options{})
	for _, p := range []string{"/healthz", "/readyz"} {
		if w := serve(t, h, "10.1.2.3:80", p); w.Code != http.StatusOK {
			t.Fatalf("%s = %d", p, w.Code)
		}
	}
	if w := serve(t, h, "10.1.2.3:80", "/metrics"); w.Code != http.StatusNotFound {
		t.Fatalf("/metrics without handler = %d, want 404", w.Code)
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	h := NewHandler(nil, Options{EnablePprof: true})
	w := serve(t, h, "127.0.0.1:5000", "/debug/pprof/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "goroutine") {
		t.Fatalf("pprof index = %d", w.Code)
	}
	if w := serve(t, h, "127.0.0.1:5000", "/debug/pprof/cmdline"); w.Code != http.StatusOK {
		t.Fatalf("cmdline = %d", w.Code)
	}
}

func TestNewHandler_RejectsPublicPeers(t *testing.T) {
	rec := logtest.New()
	h := NewHandler(rec, Options{Health: health.Live, EnablePprof: true})

	tests := []struct {
		remote string
		want   int
	}{
		{remote: "127.0.0.1:1", want: http.StatusOK},
		{remote: "[::1]:1", want: http.StatusOK},
		{remote: "10.0.0.5:1", want: http.StatusOK},
		{remote: "172.16.4.4:1", want: http.StatusOK},
		{remote: "192.168.1.1:1", want: http.StatusOK},
		{remote: "169.254.169.254:1", want: http.StatusOK},
		{remote: "[::ffff:10.0.0.5]:1", want: http.StatusOK},
		{remote: "10.0.0.5", want: http.StatusOK},
		{remote: "203.0.113.7:1", want: http.StatusForbidden},
		{remote: "[2001:db8::1]:1", want: http.StatusForbidden},
		{remote: "garbage", want: http.StatusForbidden},
		{remote: "", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			if w := serve(t, h, tt.remote, "/healthz"); w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if rec.Count("warn") != 4 {
		t.Fatalf("warn logs = %d, want 4", rec.Count("warn"))
	}
}

func TestNewHandler_Recover(t *testing.T) {
	panics := 0
	boom := health.CheckFunc(func(context.Context) error { panic("probe exploded") })

	h := NewHandler(logtest.New(), Options{Health: boom, UseRecoverMW: true, OnPanic: func() { panics++ }})
	if w := serve(t, h, "127.0.0.1:1", "/healthz"); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d", panics)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx := context.Background()
	rec := logtest.New()
	stop, err := Start(ctx, rec, &Options{Port: port, Health: health.Live})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port)); err == nil {
		t.Fatal("server still answering after stop")
	}
	if _, ok := rec.Find("ops http server shutting down"); !ok {
		t.Fatal("shutdown not logged")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = Start(context.Background(), nil, &Options{Port: ln.Addr().(*net.TCPAddr).Port})
	if err == nil || !strings.Contains(err.Error(), "listen for ops") {
		t.Fatalf("err = %v", err)
	}
}
