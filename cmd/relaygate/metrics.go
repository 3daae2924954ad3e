package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/relaygate/internal/obs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is the JSON view served on /api/state.
type Stats struct {
	CommonName     string `json:"cn"`
	PublicKey      string `json:"publicKey"`
	Sessions       int    `json:"sessions"`
	Threads        int    `json:"threads"`
	AvailablePorts int    `json:"availablePorts"`
	Closing        bool   `json:"closing"`
	Now            string `json:"now"`
}

func collectStats(g *gateway) Stats {
	return Stats{
		CommonName:     g.cn,
		PublicKey:      g.client.PublicKey(),
		Sessions:       len(g.registry.Sessions()),
		Threads:        g.registry.Threads(),
		AvailablePorts: g.registry.Pool().Available(),
		Closing:        g.registry.Closing(),
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
}

func newMetricsMux(g *gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collectStats(g))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !g.isReady(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startMetricsServer serves Prometheus metrics plus health and state endpoints.
func startMetricsServer(addr string, g *gateway) {
	if err := http.ListenAndServe(addr, newMetricsMux(g)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
