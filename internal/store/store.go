package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reelfix/pkg/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when a job with the same id already exists.
	ErrConflict = errors.New("duplicate job id")
	// ErrDedupRace is returned when another pending/processing job holds the
	// same dedup key. The caller should re-read by key and reuse that job.
	ErrDedupRace = errors.New("active job with same dedup key exists")
	// ErrStaleState is returned when a compare-and-swap transition lost a
	// race. It is an expected outcome, absorbed silently by consumers.
	ErrStaleState = errors.New("job state does not match expected state")
	// ErrInsufficientCredits is returned when a debit would exceed the
	// period's credit limit. The ledger row is left unchanged.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// JobPatch carries the fields written alongside a state transition. Nil
// fields are left untouched, so result and error are each set at most once.
type JobPatch struct {
	Result json.RawMessage
	Error  *string
}

// EntitlementPatch is the ledger update derived from a billing event. It is
// applied only when the event is strictly newer than the last applied one.
type EntitlementPatch struct {
	Plan        models.Plan
	CreditLimit int
	PeriodStart time.Time
	PeriodEnd   time.Time
	Store       string
	// ResetUsage zeroes credits_used as part of the write (new billing period).
	ResetUsage bool
	EventID    string
	EventAt    time.Time
}

// Store is the data access interface. All persistent mutations are
// single-record and atomic; there are no cross-record transactions.
type Store interface {
	Ping(ctx context.Context) error

	// CreateJob inserts a new job. Returns ErrConflict on a duplicate id and
	// ErrDedupRace when a pending/processing job already holds the same
	// (dedup_domain, dedup_key).
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// FindJobByDedupKey returns the most relevant job for a dedup key:
	// an active (pending/processing) job first, else the newest terminal one.
	// Returns ErrNotFound when no job carries the key.
	FindJobByDedupKey(ctx context.Context, domain, key string) (*models.Job, error)
	// TransitionJob moves a job from expected to next, applying the patch in
	// the same atomic write. Returns ErrStaleState when the current state no
	// longer matches expected. This CAS is the concurrency-control primitive
	// that makes worker idempotency possible.
	TransitionJob(ctx context.Context, id uuid.UUID, expected, next models.JobState, patch JobPatch) (*models.Job, error)
	// ReclaimJob re-stamps a processing job whose lease expired (updated_at
	// at or before staleBefore). Returns false when the job is not
	// processing or its lease is still live.
	ReclaimJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)
	// MarkJobCharged flips credits_charged false -> true. Returns false when
	// the job was already charged, guarding against double debits.
	MarkJobCharged(ctx context.Context, id uuid.UUID) (bool, error)
	// AddJobWatcher grants watcherID poll access to a job it coalesced onto
	// but does not own. Idempotent.
	AddJobWatcher(ctx context.Context, jobID uuid.UUID, watcherID string) error
	// IsJobWatcher reports whether watcherID was recorded for the job.
	IsJobWatcher(ctx context.Context, jobID uuid.UUID, watcherID string) (bool, error)

	// EnsureLedgerEntry inserts the entry if absent and returns the current
	// row either way.
	EnsureLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error)
	GetLedgerEntry(ctx context.Context, userID string) (*models.LedgerEntry, error)
	// DebitCredits atomically checks credits_used+amount <= credit_limit and
	// increments; returns ErrInsufficientCredits without mutation otherwise.
	DebitCredits(ctx context.Context, userID string, amount int) error
	// RolloverPeriod resets usage for a new period, guarded by the observed
	// period_end so concurrent rollovers apply once.
	RolloverPeriod(ctx context.Context, userID string, expectedEnd, newStart, newEnd time.Time) (bool, error)
	// ApplyEntitlement writes the patch when EventAt is strictly newer than
	// the entry's last_event_at. Returns false for duplicates and stale
	// out-of-order events.
	ApplyEntitlement(ctx context.Context, userID string, patch EntitlementPatch) (bool, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}
