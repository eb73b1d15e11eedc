// Package ledger meters per-user credit usage against subscription limits.
// All mutation goes through single-record conditional store operations, so
// concurrent debits for the same user never overshoot the limit.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/pkg/models"
)

// ErrInsufficientCredits is returned when a debit would exceed the current
// period's limit.
var ErrInsufficientCredits = store.ErrInsufficientCredits

// Service is the credit ledger.
type Service struct {
	store        store.Store
	periodLength time.Duration
	now          func() time.Time
}

// New creates a ledger Service. periodLength sizes the free plan's billing
// period and period advancement on rollover.
func New(st store.Store, periodLength time.Duration) *Service {
	return &Service{
		store:        st,
		periodLength: periodLength,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Snapshot returns the user's current ledger entry, creating a free-plan
// entry on first touch and applying lazy period rollover: usage resets on
// the first access after periodEnd has passed, never via a background timer.
func (s *Service) Snapshot(ctx context.Context, userID string) (*models.LedgerEntry, error) {
	now := s.now()

	entry, err := s.store.EnsureLedgerEntry(ctx, &models.LedgerEntry{
		UserID:      userID,
		Plan:        models.PlanFree,
		CreditLimit: models.PlanCreditLimit[models.PlanFree],
		PeriodStart: now,
		PeriodEnd:   now.Add(s.periodLength),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure ledger entry: %w", err)
	}

	if !now.After(entry.PeriodEnd) {
		return entry, nil
	}

	newStart, newEnd := advancePeriod(entry.PeriodStart, entry.PeriodEnd, now, s.periodLength)
	// CAS on the observed period end: concurrent accessors roll over once.
	if _, err := s.store.RolloverPeriod(ctx, userID, entry.PeriodEnd, newStart, newEnd); err != nil {
		return nil, fmt.Errorf("rollover period: %w", err)
	}
	return s.store.GetLedgerEntry(ctx, userID)
}

// Remaining returns the credits left in the user's current period.
func (s *Service) Remaining(ctx context.Context, userID string) (int, error) {
	entry, err := s.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return entry.Remaining(), nil
}

// Debit charges amount against the user's current period. Returns
// ErrInsufficientCredits without mutation when the limit would be exceeded.
func (s *Service) Debit(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return nil
	}
	// Snapshot first so an overdue rollover happens before the check.
	if _, err := s.Snapshot(ctx, userID); err != nil {
		return err
	}
	return s.store.DebitCredits(ctx, userID, amount)
}

// advancePeriod slides the period window forward by whole period lengths
// until it covers now, preserving the original period phase.
func advancePeriod(start, end, now time.Time, length time.Duration) (time.Time, time.Time) {
	if length <= 0 {
		length = 30 * 24 * time.Hour
	}
	for !end.After(now) {
		start = end
		end = end.Add(length)
	}
	return start, end
}
