package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// RateLimitConfig bounds the cast/catch surface per caller. Hitting the
// limit is the transport form of the rate_limited error: a 429 with a
// Retry-After, safe to retry once after backing off.
type RateLimitConfig struct {
	RequestLimit int
	WindowSize   time.Duration
}

// keyByToken buckets requests by bearer token so one account cannot starve
// the rest of an IP (and vice versa).
func keyByToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth, nil
	}
	return httprate.KeyByIP(r)
}

// NewRouter assembles the engine's HTTP surface. ws serves the presence
// socket; diagnostics and metrics are mounted unthrottled.
func NewRouter(h *Handler, ws http.Handler, diagnostics http.Handler, metrics http.Handler, rate RateLimitConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/diagnostics", diagnostics.ServeHTTP)
	r.Get("/metrics", metrics.ServeHTTP)
	r.Get("/ws", ws.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.Limit(
			rate.RequestLimit,
			rate.WindowSize,
			httprate.WithKeyFuncs(keyByToken),
			httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limited","detail":"too many requests"}`))
			}),
		))

		r.Post("/cast", h.Cast)
		r.Post("/catch", h.Catch)
		r.Get("/pity", h.Pity)
		r.Get("/quota", h.Quota)
		r.Get("/rank", h.Rank)
		r.Post("/autofish", h.Autofish)
		r.Get("/recovery", h.Recovery)
		r.Post("/recovery/viewed", h.RecoveryViewed)
	})

	return r
}
