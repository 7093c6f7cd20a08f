package opshttp

import (
	"net/http"

	"github.com/keithlinneman/academy-api/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool

	// Health and Readiness back /healthz and /readyz; nil reports ok.
	Health    health.Probe
	Readiness health.Probe

	UseRecoverMW bool
	// OnPanic is called once per recovered panic.
	OnPanic func()
}
