// Package worker consumes dispatched jobs and drives them to a terminal
// state. Every step is idempotent against redelivery: claims and terminal
// transitions are compare-and-swap writes, transforms are repeatable, and
// credit settlement is guarded by the job's charged flag.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelworks/reelfix/internal/config"
	"github.com/reelworks/reelfix/internal/ledger"
	"github.com/reelworks/reelfix/internal/queue"
	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/internal/transform"
	"github.com/reelworks/reelfix/pkg/models"
)

// Pipeline executes one job per delivery. Handle satisfies queue.Handler: a
// nil return acknowledges the delivery, an error leaves it for redelivery.
type Pipeline struct {
	store            store.Store
	ledger           *ledger.Service
	provider         models.AIProvider
	transformer      transform.Transformer
	cfg              config.WorkerConfig
	inferenceTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error
}

// New creates a Pipeline.
func New(st store.Store, ld *ledger.Service, provider models.AIProvider, tr transform.Transformer, cfg config.WorkerConfig, inferenceTimeout time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:            st,
		ledger:           ld,
		provider:         provider,
		transformer:      tr,
		cfg:              cfg,
		inferenceTimeout: inferenceTimeout,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
		sleep:            sleepCtx,
	}
}

// SetClock overrides the pipeline clock. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// SetSleep overrides the retry backoff sleep. Test hook.
func (p *Pipeline) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { p.sleep = sleep }

// Run consumes one topic per job kind until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, q queue.Queue, topicPrefix string) error {
	kinds := []models.JobKind{models.JobKindAnalysis, models.JobKindFix, models.JobKindThumbnail}

	var wg sync.WaitGroup
	errc := make(chan error, len(kinds))
	for _, kind := range kinds {
		wg.Add(1)
		go func(kind models.JobKind) {
			defer wg.Done()
			topic := queue.Topic(topicPrefix, kind)
			p.logger.Info("consuming", "topic", topic)
			if err := q.Consume(ctx, topic, p.Handle); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("consume %s: %w", topic, err)
			}
		}(kind)
	}
	wg.Wait()
	close(errc)
	return <-errc
}

// Handle processes one delivery. Duplicate and stale deliveries are absorbed
// with a nil return; only infrastructure failures propagate so the transport
// redelivers.
func (p *Pipeline) Handle(ctx context.Context, env queue.Envelope) error {
	log := p.logger.With("job_id", env.JobID, "kind", env.Kind)

	job, err := p.store.GetJob(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("delivery references unknown job, dropping")
			return nil
		}
		return fmt.Errorf("get job: %w", err)
	}

	if job.State.Terminal() {
		// Duplicate delivery after completion. The only work possibly left
		// is an interrupted settlement.
		return p.settle(ctx, job, log)
	}

	claimed, err := p.claim(ctx, job, log)
	if err != nil {
		return err
	}
	if claimed == nil {
		return nil
	}

	result, execErr := p.execute(ctx, claimed)
	if execErr != nil {
		return p.fail(ctx, claimed, execErr, log)
	}
	return p.complete(ctx, claimed, result, log)
}

// claim moves the job to processing. A nil job with nil error means the
// delivery should be acknowledged without work: another worker owns a live
// lease, or the job reached a terminal state in the meantime.
func (p *Pipeline) claim(ctx context.Context, job *models.Job, log *slog.Logger) (*models.Job, error) {
	claimed, err := p.store.TransitionJob(ctx, job.ID, models.JobStatePending, models.JobStateProcessing, store.JobPatch{})
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, store.ErrStaleState) {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	current, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("refetch job: %w", err)
	}
	if current.State.Terminal() {
		return nil, p.settle(ctx, current, log)
	}

	// Still processing: this is a redelivery. Take over only if the previous
	// holder's lease expired; otherwise it is live and we step aside.
	staleBefore := p.now().Add(-p.cfg.LeaseTTL)
	reclaimed, err := p.store.ReclaimJob(ctx, job.ID, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("reclaim job: %w", err)
	}
	if !reclaimed {
		log.Debug("job held by a live worker, dropping delivery")
		return nil, nil
	}
	log.Warn("reclaimed job with expired lease")
	return current, nil
}

func (p *Pipeline) execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		result, err := p.executeOnce(ctx, job)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !transient(err) {
			return nil, err
		}
		if attempt < p.cfg.MaxAttempts {
			p.logger.Warn("transient failure, retrying",
				"job_id", job.ID, "attempt", attempt, "error", err)
			if serr := p.sleep(ctx, p.cfg.RetryBackoff); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func (p *Pipeline) executeOnce(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	switch job.Kind {
	case models.JobKindAnalysis:
		var payload models.AnalysisPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode analysis payload: %w", err)
		}
		inferCtx, cancel := context.WithTimeout(ctx, p.inferenceTimeout)
		defer cancel()
		res, err := p.provider.Analyze(inferCtx, models.AnalysisRequest{
			ContentID: payload.ContentID,
			InputRef:  payload.InputRef,
			MediaType: payload.MediaType,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(models.AnalysisJobResult{
			Problems: res.Problems,
			Provider: p.provider.Name(),
			Model:    res.Model,
		})

	case models.JobKindFix:
		var payload models.FixPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode fix payload: %w", err)
		}
		res, err := p.transformer.Fix(ctx, transform.FixRequest{
			InputRef:   payload.InputRef,
			ProblemIDs: payload.ProblemIDs,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(models.FixJobResult{
			OutputRef:    res.OutputRef,
			ThumbnailRef: res.ThumbnailRef,
			AppliedFixes: res.AppliedFixes,
		})

	case models.JobKindThumbnail:
		var payload models.ThumbnailPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode thumbnail payload: %w", err)
		}
		ref, err := p.transformer.Thumbnail(ctx, payload.InputRef)
		if err != nil {
			return nil, err
		}
		return json.Marshal(models.ThumbnailJobResult{ThumbnailRef: ref})

	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (p *Pipeline) complete(ctx context.Context, job *models.Job, result json.RawMessage, log *slog.Logger) error {
	completed, err := p.store.TransitionJob(ctx, job.ID, models.JobStateProcessing, models.JobStateCompleted, store.JobPatch{Result: result})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			// Lost the terminal race to another worker with the same
			// deterministic result. Their settle path owns billing.
			log.Debug("lost completion race, absorbing")
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	log.Info("job completed")
	return p.settle(ctx, completed, log)
}

func (p *Pipeline) fail(ctx context.Context, job *models.Job, execErr error, log *slog.Logger) error {
	msg := execErr.Error()
	if _, err := p.store.TransitionJob(ctx, job.ID, models.JobStateProcessing, models.JobStateFailed, store.JobPatch{Error: &msg}); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			log.Debug("lost failure race, absorbing")
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}
	log.Error("job failed", "error", execErr)
	return nil
}

// settle applies the credit debit owed for a completed job, exactly once.
// Failed jobs and zero-cost kinds are never billed. An insufficient balance
// at settlement time leaves the job completed but uncharged; the work is
// already done and cannot be clawed back.
func (p *Pipeline) settle(ctx context.Context, job *models.Job, log *slog.Logger) error {
	if job.State != models.JobStateCompleted || job.CreditsCharged {
		return nil
	}
	cost := models.KindCreditCost[job.Kind]
	if cost == 0 {
		return nil
	}

	if err := p.ledger.Debit(ctx, job.OwnerID, cost); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			log.Warn("completed job left uncharged, balance exhausted", "owner_id", job.OwnerID)
			return nil
		}
		return fmt.Errorf("debit credits: %w", err)
	}
	charged, err := p.store.MarkJobCharged(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark job charged: %w", err)
	}
	if !charged {
		// A concurrent settle flipped the flag between our read and debit.
		log.Error("duplicate settlement detected", "owner_id", job.OwnerID, "cost", cost)
		return nil
	}
	log.Info("job charged", "owner_id", job.OwnerID, "cost", cost)
	return nil
}

// transient reports whether err is worth retrying within this delivery.
func transient(err error) bool {
	return errors.Is(err, models.ErrProviderUnavailable) ||
		errors.Is(err, models.ErrInferenceTimeout) ||
		errors.Is(err, models.ErrInvalidResponse) ||
		errors.Is(err, transform.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
