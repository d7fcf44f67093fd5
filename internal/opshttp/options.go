package opshttp

import (
	"net/http"

	"github.com/admissiond/admissiond/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
}
