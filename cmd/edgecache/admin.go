package main

import (
	"context"
	"net/http"
	"time"

	"github.com/always-cache/edgecache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const readyTimeout = 2 * time.Second

// newAdminRouter serves health, readiness and metrics on the admin listener.
func newAdminRouter(store cache.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", readyHandler(store))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// readyHandler pings the store, if it can be pinged.
func readyHandler(store cache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pinger, ok := store.(cache.Pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Store is not reachable")
				http.Error(w, "store unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	}
}
