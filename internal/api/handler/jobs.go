package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/reelworks/reelfix/internal/api/middleware"
	"github.com/reelworks/reelfix/internal/api/response"
	"github.com/reelworks/reelfix/internal/cache"
	"github.com/reelworks/reelfix/internal/dedup"
	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/pkg/models"
)

// Cache TTLs for polled job state. Terminal states are immutable so they can
// sit longer.
const (
	activeStateTTL   = 10 * time.Second
	terminalStateTTL = 5 * time.Minute
)

// Submitter is the job submission interface the handler depends on.
type Submitter interface {
	Submit(ctx context.Context, req dedup.SubmitRequest) (*models.Job, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The response is the job to poll; identical concurrent requests may receive
// the same job id.
func NewSubmitJobHandler(engine Submitter, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Kind       string   `json:"kind"`
			ContentID  string   `json:"content_id"`
			InputRef   string   `json:"input_ref"`
			MediaType  string   `json:"media_type"`
			ProblemIDs []string `json:"problem_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := engine.Submit(r.Context(), dedup.SubmitRequest{
			OwnerID:    userID,
			Kind:       models.JobKind(req.Kind),
			InputRef:   req.InputRef,
			ContentID:  req.ContentID,
			MediaType:  req.MediaType,
			ProblemIDs: req.ProblemIDs,
		})
		if err != nil {
			switch {
			case errors.Is(err, dedup.ErrInvalidRequest):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			case errors.Is(err, dedup.ErrInsufficientCredits):
				response.Error(w, http.StatusPaymentRequired,
					"INSUFFICIENT_CREDITS", "Not enough credits for this operation", nil)
			default:
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "Failed to submit job", nil)
			}
			return
		}

		cacheJobState(r, c, job)

		if job.State.Terminal() {
			// Deduplicated onto an already-finished result.
			response.JSON(w, job)
			return
		}
		response.Accepted(w, job)
	}
}

// NewPollJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewPollJobHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		job, err := st.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}
		if job.OwnerID != userID {
			// Watchers coalesced onto this build and may poll it; they see it
			// under their own id. Everyone else gets a 404 so job ids are not
			// confirmable across users.
			watcher, werr := st.IsJobWatcher(r.Context(), jobID, userID)
			if werr != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
				return
			}
			if !watcher {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			job.OwnerID = userID
		}

		cacheJobState(r, c, job)
		response.JSON(w, job)
	}
}

func cacheJobState(r *http.Request, c cache.Cache, job *models.Job) {
	ttl := activeStateTTL
	if job.State.Terminal() {
		ttl = terminalStateTTL
	}
	// Best effort; the store stays authoritative.
	_ = c.SetJobState(r.Context(), job.ID, string(job.State), ttl)
}
