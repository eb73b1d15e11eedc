package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/reelworks/reelfix/internal/api/response"
	"github.com/reelworks/reelfix/internal/entitlement"
	"github.com/reelworks/reelfix/pkg/models"
)

// Reconciler is the entitlement interface the webhook depends on.
type Reconciler interface {
	Apply(ctx context.Context, ev models.BillingEvent) error
}

// NewBillingWebhookHandler returns an http.HandlerFunc for
// POST /api/v1/billing/webhook. The shared-secret check runs as middleware;
// only authenticated events reach this handler. A 2xx acknowledges the event
// to the provider; 5xx makes it redeliver, so infrastructure failures must
// not be swallowed.
func NewBillingWebhookHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev models.BillingEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if err := rec.Apply(r.Context(), ev); err != nil {
			if errors.Is(err, entitlement.ErrInvalidEvent) {
				response.Error(w, http.StatusBadRequest, "INVALID_EVENT", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to apply billing event", nil)
			return
		}

		response.JSON(w, map[string]bool{"received": true})
	}
}
