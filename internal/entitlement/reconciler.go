// Package entitlement reconciles billing-provider webhook events into the
// credit ledger. Apply is idempotent and tolerant of out-of-order delivery:
// events are ordered by their provider timestamp, never by arrival order, so
// a delayed older event can never regress a newer state.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/pkg/models"
)

// ErrInvalidEvent marks a structurally invalid event. The webhook handler
// rejects these; nothing reaches the ledger.
var ErrInvalidEvent = errors.New("invalid billing event")

// Reconciler applies billing events to ledger entries.
type Reconciler struct {
	store        store.Store
	periodLength time.Duration
	logger       *slog.Logger
}

// New creates a Reconciler. periodLength sizes the subscription period
// granted by activation and renewal events.
func New(st store.Store, periodLength time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, periodLength: periodLength, logger: logger}
}

// Apply reconciles one pre-authenticated event. Duplicates and events older
// than the last applied one are absorbed silently; they are expected races,
// not failures.
func (r *Reconciler) Apply(ctx context.Context, ev models.BillingEvent) error {
	if err := Validate(ev); err != nil {
		return err
	}

	now := time.Now().UTC()
	entry, err := r.store.EnsureLedgerEntry(ctx, &models.LedgerEntry{
		UserID:      ev.UserID,
		Plan:        models.PlanFree,
		CreditLimit: models.PlanCreditLimit[models.PlanFree],
		PeriodStart: now,
		PeriodEnd:   now.Add(r.periodLength),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("ensure ledger entry: %w", err)
	}

	patch := r.buildPatch(ev, entry)
	applied, err := r.store.ApplyEntitlement(ctx, ev.UserID, patch)
	if err != nil {
		return fmt.Errorf("apply entitlement: %w", err)
	}
	if !applied {
		r.logger.Debug("billing event absorbed as duplicate or stale",
			"event_id", ev.EventID, "user_id", ev.UserID, "type", ev.Type)
	}
	return nil
}

func (r *Reconciler) buildPatch(ev models.BillingEvent, entry *models.LedgerEntry) store.EntitlementPatch {
	patch := store.EntitlementPatch{
		Store:   ev.Store,
		EventID: ev.EventID,
		EventAt: ev.Timestamp,
		// Plan changes keep the running period; a fresh period is only
		// opened by activation and renewal.
		PeriodStart: entry.PeriodStart,
		PeriodEnd:   entry.PeriodEnd,
	}

	// Known limitation of drop-older ordering: when a changed event lands
	// before a delayed, older renewal, the renewal is dropped whole, so its
	// usage reset and fresh period never apply. The event schema carries no
	// per-field versions to merge by; the final plan is still correct.
	switch ev.Type {
	case models.BillingEventActivated, models.BillingEventRenewed:
		patch.Plan = ev.Plan
		patch.CreditLimit = models.PlanCreditLimit[ev.Plan]
		patch.PeriodStart = ev.Timestamp
		patch.PeriodEnd = ev.Timestamp.Add(r.periodLength)
		patch.ResetUsage = true
	case models.BillingEventChanged:
		patch.Plan = ev.Plan
		patch.CreditLimit = models.PlanCreditLimit[ev.Plan]
	case models.BillingEventCancelled:
		patch.Plan = models.PlanFree
		patch.CreditLimit = models.PlanCreditLimit[models.PlanFree]
	}
	return patch
}

// Validate checks the event's structure. The webhook's bearer credential is
// verified upstream; only structurally valid, pre-authenticated events reach
// the reconciler.
func Validate(ev models.BillingEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	}
	if ev.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidEvent)
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	switch ev.Type {
	case models.BillingEventActivated, models.BillingEventRenewed, models.BillingEventChanged:
		if !models.ValidPlan(ev.Plan) {
			return fmt.Errorf("%w: unknown plan %q", ErrInvalidEvent, ev.Plan)
		}
	case models.BillingEventCancelled:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	return nil
}
