package prof

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/academy-api/internal/log"
	"github.com/keithlinneman/academy-api/internal/log/logtest"
)

func TestStart_Disabled(t *testing.T) {
	rec := logtest.New()
	ctx := log.WithContext(context.Background(), rec)

	stop, err := Start(ctx, Options{Enabled: false, ServerAddress: "ignored", ProfileMutexFraction: 5})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()
	if _, ok := rec.Find("pyroscope disabled"); !ok {
		t.Fatal("disabled state not logged")
	}
}

func TestStart_InvalidAddress(t *testing.T) {
	for _, addr := range []string{"", "pyroscope", "://bad"} {
		t.Run(addr, func(t *testing.T) {
			stop, err := Start(context.Background(), Options{Enabled: true, ServerAddress: addr})
			if err == nil || !strings.Contains(err.Error(), "invalid pyroscope server address") {
				t.Fatalf("err = %v", err)
			}
			if stop == nil {
				t.Fatal("stop must never be nil")
			}
			stop()
		})
	}
}

func TestConfig(t *testing.T) {
	cfg, err := config(Options{
		AppName:       "academy-api.server",
		ServerAddress: "https://pyroscope.internal:4040",
		TenantID:      "academy",
		Tags:          map[string]string{"env": "prod"},
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ApplicationName != "academy-api.server" || cfg.TenantID != "academy" || cfg.Tags["env"] != "prod" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.ProfileTypes) != len(baseProfiles) {
		t.Fatalf("profile types = %v", cfg.ProfileTypes)
	}
}

func TestProfileTypes(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantMutex bool
		wantBlock bool
	}{
		{name: "base only", opts: Options{}},
		{name: "mutex", opts: Options{ProfileMutexFraction: 5}, wantMutex: true},
		{name: "block", opts: Options{BlockProfileRate: 1}, wantBlock: true},
		{name: "both", opts: Options{ProfileMutexFraction: 5, BlockProfileRate: 1}, wantMutex: true, wantBlock: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := profileTypes(tt.opts)
			if !slices.Contains(got, pyroscope.ProfileCPU) || !slices.Contains(got, pyroscope.ProfileGoroutines) {
				t.Fatalf("base profiles missing: %v", got)
			}
			if slices.Contains(got, pyroscope.ProfileMutexCount) != tt.wantMutex {
				t.Errorf("mutex = %v, want %v", !tt.wantMutex, tt.wantMutex)
			}
			if slices.Contains(got, pyroscope.ProfileBlockDuration) != tt.wantBlock {
				t.Errorf("block = %v, want %v", !tt.wantBlock, tt.wantBlock)
			}
		})
	}
	// the shared base slice must not be appended into
	profileTypes(Options{ProfileMutexFraction: 1})
	if len(baseProfiles) != 6 {
		t.Fatalf("baseProfiles mutated: %v", baseProfiles)
	}
}
