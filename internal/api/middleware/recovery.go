package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/reelworks/reelfix/internal/api/response"
)

// Recovery converts handler panics into 500 responses. The stack is logged
// server-side only; the client sees a generic error.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			slog.Error("panic while serving request",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
