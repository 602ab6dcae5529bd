package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/instoredealz/claim-service/internal/api/handlers"
	"github.com/instoredealz/claim-service/internal/api/middleware"
	"github.com/instoredealz/claim-service/internal/metrics"
)

const healthTimeout = 2 * time.Second

// Deps wires the router. Health reports backing store reachability; nil
// means always healthy.
type Deps struct {
	Claims      handlers.ClaimWorkflow
	Auth        *middleware.Authenticator
	VerifyLimit middleware.RateLimit
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Health      func(ctx context.Context) error
}

// NewRouter builds the HTTP router for the claim service.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Logger, d.Metrics))
	r.Use(chimw.Recoverer)

	h := handlers.NewClaimHandler(d.Claims, d.Logger)
	verifyLimiter := middleware.NewRateLimiter(d.VerifyLimit)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		// Customer endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleCustomer))
			r.Post("/deals/{dealID}/claims", h.CreateClaim)
			r.With(verifyLimiter.Middleware).Post("/claims/{code}/verify-pin", h.VerifyPIN)
		})

		// Vendor endpoints
		r.Route("/vendor", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleVendor))
			r.With(verifyLimiter.Middleware).Post("/claims/{code}/verify", h.VerifyClaim)
			r.Post("/claims/{code}/complete", h.CompleteClaim)
			r.Put("/deals/{dealID}/pin", h.SetDealPIN)
			r.Post("/deals/{dealID}/pin/generate", h.GenerateDealPIN)
		})
	})

	// health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := d.Health(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	return r
}
