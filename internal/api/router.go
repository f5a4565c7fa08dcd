/**
 * @description
 * This file sets up the HTTP router for the donation-service. Public donation
 * endpoints accept an optional donor token; operator endpoints under
 * /internal require the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rhci/donation-service/internal/cache"
)

// RouterOptions configures the donation router.
type RouterOptions struct {
	AllowedOrigins []string
	DonorKeys      *JWKSKeySource
	InternalAPIKey string
	RateLimiter    cache.RateLimiter
	// InitiateLimitPerMinute caps donation initiations per donor or client IP.
	InitiateLimitPerMinute int
	// InitiateTimeout bounds /donations/initiate, which waits on a token
	// fetch and a checkout with their retries. Defaults to three minutes.
	InitiateTimeout time.Duration
}

const (
	requestTimeout         = 60 * time.Second
	defaultInitiateTimeout = 3 * time.Minute
)

// DonationRoutes creates and returns the router for the donation service.
func DonationRoutes(h *DonationHandlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	initiateTimeout := opts.InitiateTimeout
	if initiateTimeout <= 0 {
		initiateTimeout = defaultInitiateTimeout
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/donations", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			// The gateway posts callbacks without a donor token.
			r.Post("/callback", h.PaymentCallbackHandler)
			r.Get("/providers", h.ListProvidersHandler)
			r.Get("/status", h.PaymentStatusHandler)
			r.Get("/{externalID}/receipt", h.ReceiptHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(initiateTimeout))
			r.Use(DonorAuthMiddleware(opts.DonorKeys))
			r.Use(RateLimitMiddleware(opts.RateLimiter, "donation_initiate", opts.InitiateLimitPerMinute, time.Minute))
			r.Post("/initiate", h.InitiateDonationHandler)
		})
	})

	r.Route("/internal/donations", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Get("/{externalID}/callbacks", h.ListCallbacksHandler)
		r.Post("/{externalID}/refund", h.RefundHandler)
	})

	return r
}
