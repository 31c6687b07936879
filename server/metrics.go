package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler exposes the default registry at /metrics, matching every
// component's init()-time prometheus.MustRegister calls in package core.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
