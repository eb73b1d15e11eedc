package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/reelworks/reelfix/internal/api/middleware"
	"github.com/reelworks/reelfix/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// WebhookSecret authenticates the billing provider's webhook calls.
	WebhookSecret string

	HealthHandler  http.HandlerFunc
	UploadHandler  http.HandlerFunc
	SubmitHandler  http.HandlerFunc
	PollJobHandler http.HandlerFunc
	CreditsHandler http.HandlerFunc
	WebhookHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Billing webhook: machine credential, not a user API key
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireSharedSecret(deps.WebhookSecret))
		r.Post("/api/v1/billing/webhook", orNotImplemented(deps.WebhookHandler))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/uploads", orNotImplemented(deps.UploadHandler))

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.PollJobHandler))

		r.Get("/api/v1/credits", orNotImplemented(deps.CreditsHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
