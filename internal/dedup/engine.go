// Package dedup implements content-addressed job submission. Identical
// requests coalesce onto one in-flight build, and completed builds are reused
// as independent per-request copies instead of recomputing.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelworks/reelfix/internal/config"
	"github.com/reelworks/reelfix/internal/contentaddr"
	"github.com/reelworks/reelfix/internal/ledger"
	"github.com/reelworks/reelfix/internal/queue"
	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/pkg/models"
)

var (
	// ErrInvalidRequest marks a structurally invalid submission.
	ErrInvalidRequest = errors.New("invalid submit request")
	// ErrInsufficientCredits is returned when the owner cannot afford the
	// requested kind.
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
)

// SubmitRequest is one job submission.
type SubmitRequest struct {
	OwnerID  string
	Kind     models.JobKind
	InputRef string
	// ContentID is the content-address digest of the input media. Required
	// for analysis and fix kinds.
	ContentID string
	// MediaType hints the analysis provider ("image", "video").
	MediaType string
	// ProblemIDs selects the corrections for fix kinds.
	ProblemIDs []string
}

// Engine decides, per submission, whether to reuse an existing job, copy a
// completed one, or create and dispatch a fresh build.
type Engine struct {
	store         store.Store
	ledger        *ledger.Service
	queue         queue.Queue
	topicPrefix   string
	billingPolicy string
	logger        *slog.Logger
	now           func() time.Time
}

// New creates an Engine.
func New(st store.Store, ld *ledger.Service, q queue.Queue, topicPrefix, billingPolicy string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         st,
		ledger:        ld,
		queue:         q,
		topicPrefix:   topicPrefix,
		billingPolicy: billingPolicy,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Submit resolves a submission to a job. The returned job may be a
// pre-existing in-flight build shared with other requesters, a fresh copy of
// a completed build, or a newly dispatched one. Failed builds never satisfy a
// lookup; they are retried from scratch.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	cost := models.KindCreditCost[req.Kind]
	if cost > 0 {
		remaining, err := e.ledger.Remaining(ctx, req.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("check credits: %w", err)
		}
		if remaining < cost {
			return nil, ErrInsufficientCredits
		}
	}

	domain, key := dedupKey(req)
	if key != "" {
		existing, err := e.store.FindJobByDedupKey(ctx, domain, key)
		switch {
		case err == nil && !existing.State.Terminal():
			return e.coalesce(ctx, req.OwnerID, existing)
		case err == nil && existing.State == models.JobStateCompleted:
			return e.copyCompleted(ctx, req, existing, cost)
		case err == nil:
			// Failed builds are a miss: fall through and rebuild.
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("lookup dedup key: %w", err)
		}
	}

	return e.createAndDispatch(ctx, req, domain, key)
}

// coalesce shares an in-flight build with the requester. A requester who is
// not the job's owner is recorded as a watcher so the poll endpoint admits
// them, and sees the job under their own owner id: the builder's identity is
// never disclosed across users.
func (e *Engine) coalesce(ctx context.Context, ownerID string, job *models.Job) (*models.Job, error) {
	if job.OwnerID == ownerID {
		return job, nil
	}
	if err := e.store.AddJobWatcher(ctx, job.ID, ownerID); err != nil {
		return nil, fmt.Errorf("record job watcher: %w", err)
	}
	e.logger.Info("coalesced onto shared build",
		"job_id", job.ID, "kind", job.Kind, "watcher_id", ownerID)
	shared := *job
	shared.OwnerID = ownerID
	return &shared, nil
}

// copyCompleted synthesizes an independent completed job carrying a copy of
// the shared result. Mutating or deleting the copy never touches the
// original. Under the on-request billing policy the copy is debited here;
// otherwise cached results are free.
func (e *Engine) copyCompleted(ctx context.Context, req SubmitRequest, src *models.Job, cost int) (*models.Job, error) {
	charged := false
	if e.billingPolicy == config.BillingOnRequest && cost > 0 {
		if err := e.ledger.Debit(ctx, req.OwnerID, cost); err != nil {
			if errors.Is(err, ErrInsufficientCredits) {
				return nil, ErrInsufficientCredits
			}
			return nil, fmt.Errorf("debit credits: %w", err)
		}
		charged = true
	}

	now := e.now()
	job := &models.Job{
		ID:             uuid.New(),
		OwnerID:        req.OwnerID,
		Kind:           req.Kind,
		InputRef:       req.InputRef,
		DedupDomain:    src.DedupDomain,
		DedupKey:       src.DedupKey,
		State:          models.JobStateCompleted,
		Payload:        append(json.RawMessage(nil), src.Payload...),
		Result:         append(json.RawMessage(nil), src.Result...),
		CreditsCharged: charged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		// The debit, if any, already landed. Surface the failure; a refund
		// would need a cross-record transaction the store does not offer.
		e.logger.Error("failed to persist cached-result copy",
			"owner_id", req.OwnerID, "source_job", src.ID, "charged", charged, "error", err)
		return nil, fmt.Errorf("create job copy: %w", err)
	}

	e.logger.Info("reused completed build",
		"job_id", job.ID, "source_job", src.ID, "kind", job.Kind, "charged", charged)
	return job, nil
}

func (e *Engine) createAndDispatch(ctx context.Context, req SubmitRequest, domain, key string) (*models.Job, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	job := &models.Job{
		ID:        uuid.New(),
		OwnerID:   req.OwnerID,
		Kind:      req.Kind,
		InputRef:  req.InputRef,
		State:     models.JobStatePending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if key != "" {
		job.DedupDomain = &domain
		job.DedupKey = &key
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDedupRace) {
			// Another submitter won the race for this key; share their job.
			winner, ferr := e.store.FindJobByDedupKey(ctx, domain, key)
			if ferr != nil {
				return nil, fmt.Errorf("refetch after dedup race: %w", ferr)
			}
			e.logger.Debug("lost dedup race, coalescing",
				"winner_job", winner.ID, "domain", domain)
			return e.coalesce(ctx, req.OwnerID, winner)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	env := queue.Envelope{JobID: job.ID, Kind: job.Kind, Payload: job.Payload}
	if err := e.queue.Publish(ctx, queue.Topic(e.topicPrefix, job.Kind), env); err != nil {
		// The job would otherwise sit pending forever; fail it so the client
		// sees a terminal state and can resubmit.
		msg := "dispatch failed"
		if _, terr := e.store.TransitionJob(ctx, job.ID, models.JobStatePending, models.JobStateFailed, store.JobPatch{Error: &msg}); terr != nil {
			e.logger.Error("failed to fail undispatched job", "job_id", job.ID, "error", terr)
		}
		return nil, fmt.Errorf("publish job: %w", err)
	}

	e.logger.Info("dispatched job", "job_id", job.ID, "kind", job.Kind, "owner_id", req.OwnerID)
	return job, nil
}

func (e *Engine) validate(req SubmitRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidRequest)
	}
	if !models.ValidKind(req.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.InputRef == "" {
		return fmt.Errorf("%w: missing input ref", ErrInvalidRequest)
	}
	switch req.Kind {
	case models.JobKindAnalysis:
		if req.ContentID == "" {
			return fmt.Errorf("%w: missing content id", ErrInvalidRequest)
		}
	case models.JobKindFix:
		if req.ContentID == "" {
			return fmt.Errorf("%w: missing content id", ErrInvalidRequest)
		}
		if len(req.ProblemIDs) == 0 {
			return fmt.Errorf("%w: fix requires at least one problem id", ErrInvalidRequest)
		}
	}
	return nil
}

// dedupKey derives the dedup identity for a submission. Analysis keys on the
// media content alone; fix keys on content plus the canonical problem set;
// thumbnails are cheap enough to rebuild every time.
func dedupKey(req SubmitRequest) (domain, key string) {
	switch req.Kind {
	case models.JobKindAnalysis:
		return models.DedupDomainContent, req.ContentID
	case models.JobKindFix:
		return models.DedupDomainRequest, contentaddr.FixRequest(req.ContentID, req.ProblemIDs)
	default:
		return "", ""
	}
}

func buildPayload(req SubmitRequest) (json.RawMessage, error) {
	var payload any
	switch req.Kind {
	case models.JobKindAnalysis:
		payload = models.AnalysisPayload{ContentID: req.ContentID, InputRef: req.InputRef, MediaType: req.MediaType}
	case models.JobKindFix:
		payload = models.FixPayload{ContentID: req.ContentID, InputRef: req.InputRef, ProblemIDs: contentaddr.CanonicalProblems(req.ProblemIDs)}
	case models.JobKindThumbnail:
		payload = models.ThumbnailPayload{InputRef: req.InputRef}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
