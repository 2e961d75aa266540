package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/example/reading-sync/internal/platform/auth"
)

// Mount registers the /v1 progress API on r.
func Mount(r chi.Router, d Deps, verifier auth.JWTVerifier, limiter *RateLimiter) {
	r.Route("/v1/progress", func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Get("/", ListProgress(d))
		r.Get("/{book_identifier}", GetProgress(d))
		r.Put("/{book_identifier}", PutProgress(d))
		r.Get("/{book_identifier}/stream", StreamProgress(d))
	})
}
