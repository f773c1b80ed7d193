package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/coordinator"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/health"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
)

// statusProvider is the part of the coordinator the HTTP handlers read.
type statusProvider interface {
	Status() coordinator.Status
}

func newServer(addr string, status statusProvider, metrics *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(status))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// healthHandler serves the component states as JSON. It answers 503 when any
// component has failed.
func healthHandler(status statusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := status.Status()

		code := http.StatusOK
		if st.State == health.Failed {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(st)
	}
}
