package handler

import (
	"net/http"
	"time"

	mw "github.com/reelworks/reelfix/internal/api/middleware"
	"github.com/reelworks/reelfix/internal/api/response"
	"github.com/reelworks/reelfix/internal/ledger"
	"github.com/reelworks/reelfix/pkg/models"
)

// CreditsResult is returned for GET /api/v1/credits.
type CreditsResult struct {
	Plan        models.Plan `json:"plan"`
	CreditLimit int         `json:"credit_limit"`
	CreditsUsed int         `json:"credits_used"`
	Remaining   int         `json:"remaining"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
}

// NewCreditsHandler returns an http.HandlerFunc for GET /api/v1/credits.
// Reading the snapshot also applies any pending period rollover.
func NewCreditsHandler(ld *ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		entry, err := ld.Snapshot(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to load credit balance", nil)
			return
		}

		response.JSON(w, CreditsResult{
			Plan:        entry.Plan,
			CreditLimit: entry.CreditLimit,
			CreditsUsed: entry.CreditsUsed,
			Remaining:   entry.Remaining(),
			PeriodStart: entry.PeriodStart,
			PeriodEnd:   entry.PeriodEnd,
		})
	}
}
