package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/reelworks/reelfix/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5. Every mutation
// is a single-row conditional statement; RowsAffected()==0 is how CAS losses
// surface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, owner_id, kind, input_ref, dedup_domain, dedup_key, state, payload, result, error, credits_charged, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.InputRef, &j.DedupDomain, &j.DedupKey,
		&j.State, &j.Payload, &j.Result, &j.Error, &j.CreditsCharged, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, kind, input_ref, dedup_domain, dedup_key, state, payload, result, error, credits_charged, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.OwnerID, job.Kind, job.InputRef, job.DedupDomain, job.DedupKey,
		job.State, job.Payload, job.Result, job.Error, job.CreditsCharged, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "ux_jobs_active_dedup" {
				return ErrDedupRace
			}
			return ErrConflict
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) FindJobByDedupKey(ctx context.Context, domain, key string) (*models.Job, error) {
	// Active jobs win; among terminal jobs the newest wins, so a completed
	// retry shadows an earlier failure.
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE dedup_domain = $1 AND dedup_key = $2
		 ORDER BY CASE WHEN state IN ('pending', 'processing') THEN 0 ELSE 1 END,
		          updated_at DESC
		 LIMIT 1`, domain, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by dedup key: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, expected, next models.JobState, patch JobPatch) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET state = $3,
		     result = COALESCE($4, result),
		     error = COALESCE($5, error),
		     updated_at = now()
		 WHERE id = $1 AND state = $2
		 RETURNING `+jobColumns, id, expected, next, patch.Result, patch.Error))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish the lost race from a missing job.
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStaleState
	}
	if err != nil {
		return nil, fmt.Errorf("transition job %s -> %s: %w", expected, next, err)
	}
	return j, nil
}

func (s *PostgresStore) ReclaimJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET updated_at = now()
		 WHERE id = $1 AND state = 'processing' AND updated_at <= $2`,
		id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("reclaim job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkJobCharged(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET credits_charged = TRUE, updated_at = now()
		 WHERE id = $1 AND credits_charged = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark job charged: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AddJobWatcher(ctx context.Context, jobID uuid.UUID, watcherID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_watchers (job_id, watcher_id, created_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (job_id, watcher_id) DO NOTHING`, jobID, watcherID)
	if err != nil {
		return fmt.Errorf("add job watcher: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsJobWatcher(ctx context.Context, jobID uuid.UUID, watcherID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_watchers WHERE job_id = $1 AND watcher_id = $2)`,
		jobID, watcherID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is job watcher: %w", err)
	}
	return exists, nil
}

// --- Ledger ---

const ledgerColumns = `user_id, plan, credit_limit, credits_used, period_start, period_end, store, last_event_id, last_event_at, created_at, updated_at`

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.UserID, &e.Plan, &e.CreditLimit, &e.CreditsUsed, &e.PeriodStart,
		&e.PeriodEnd, &e.Store, &e.LastEventID, &e.LastEventAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) EnsureLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, plan, credit_limit, credits_used, period_start, period_end, store, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) DO NOTHING`,
		entry.UserID, entry.Plan, entry.CreditLimit, entry.CreditsUsed,
		entry.PeriodStart, entry.PeriodEnd, entry.Store, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure ledger entry: %w", err)
	}
	return s.GetLedgerEntry(ctx, entry.UserID)
}

func (s *PostgresStore) GetLedgerEntry(ctx context.Context, userID string) (*models.LedgerEntry, error) {
	e, err := scanLedgerEntry(s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) DebitCredits(ctx context.Context, userID string, amount int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries
		 SET credits_used = credits_used + $2, updated_at = now()
		 WHERE user_id = $1 AND credits_used + $2 <= credit_limit`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetLedgerEntry(ctx, userID); getErr != nil {
			return getErr
		}
		return ErrInsufficientCredits
	}
	return nil
}

func (s *PostgresStore) RolloverPeriod(ctx context.Context, userID string, expectedEnd, newStart, newEnd time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries
		 SET credits_used = 0, period_start = $3, period_end = $4, updated_at = now()
		 WHERE user_id = $1 AND period_end = $2`,
		userID, expectedEnd, newStart, newEnd)
	if err != nil {
		return false, fmt.Errorf("rollover period: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ApplyEntitlement(ctx context.Context, userID string, patch EntitlementPatch) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries
		 SET plan = $2,
		     credit_limit = $3,
		     period_start = $4,
		     period_end = $5,
		     store = $6,
		     credits_used = CASE WHEN $7 THEN 0 ELSE credits_used END,
		     last_event_id = $8,
		     last_event_at = $9,
		     updated_at = now()
		 WHERE user_id = $1 AND (last_event_at IS NULL OR last_event_at < $9)`,
		userID, patch.Plan, patch.CreditLimit, patch.PeriodStart, patch.PeriodEnd,
		patch.Store, patch.ResetUsage, patch.EventID, patch.EventAt)
	if err != nil {
		return false, fmt.Errorf("apply entitlement: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}
