package handler

import (
	"net/http"

	"github.com/reelworks/reelfix/internal/api/response"
	"github.com/reelworks/reelfix/internal/store"
)

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			response.Error(w, http.StatusServiceUnavailable,
				"UNAVAILABLE", "Database unreachable", nil)
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}
