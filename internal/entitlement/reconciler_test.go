package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/pkg/models"
)

const month = 30 * 24 * time.Hour

func newReconciler(t *testing.T) (*Reconciler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, month, nil), st
}

func event(id, userID, typ string, plan models.Plan, at time.Time) models.BillingEvent {
	return models.BillingEvent{
		EventID:   id,
		UserID:    userID,
		Type:      typ,
		Plan:      plan,
		Timestamp: at,
		Store:     "app-store",
	}
}

func TestApplyActivation(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := r.Apply(ctx, event("ev-1", "user-1", models.BillingEventActivated, models.PlanPro, at))
	require.NoError(t, err)

	entry, err := st.GetLedgerEntry(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, entry.Plan)
	assert.Equal(t, models.PlanCreditLimit[models.PlanPro], entry.CreditLimit)
	assert.Equal(t, 0, entry.CreditsUsed)
	assert.Equal(t, at, entry.PeriodStart)
	assert.Equal(t, at.Add(month), entry.PeriodEnd)
	require.NotNil(t, entry.LastEventAt)
	assert.Equal(t, at, *entry.LastEventAt)
}

func TestApplyDuplicateEventIsNoOp(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := event("ev-1", "user-1", models.BillingEventActivated, models.PlanStarter, at)

	require.NoError(t, r.Apply(ctx, ev))
	require.NoError(t, st.DebitCredits(ctx, "user-1", 5))

	// Same event redelivered: usage must survive.
	require.NoError(t, r.Apply(ctx, ev))

	entry, err := st.GetLedgerEntry(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, entry.CreditsUsed)
	assert.Equal(t, models.PlanStarter, entry.Plan)
}

func TestApplyOutOfOrderConverges(t *testing.T) {
	// A cancellation at T1 and a renewal at T2 > T1 must converge on the
	// renewed state no matter which webhook arrives first.
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	cancelled := event("ev-cancel", "user-1", models.BillingEventCancelled, "", t1)
	renewed := event("ev-renew", "user-1", models.BillingEventRenewed, models.PlanPro, t2)

	for name, order := range map[string][]models.BillingEvent{
		"in order":     {cancelled, renewed},
		"out of order": {renewed, cancelled},
	} {
		t.Run(name, func(t *testing.T) {
			r, st := newReconciler(t)
			ctx := context.Background()
			for _, ev := range order {
				require.NoError(t, r.Apply(ctx, ev))
			}
			entry, err := st.GetLedgerEntry(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, models.PlanPro, entry.Plan)
			assert.Equal(t, models.PlanCreditLimit[models.PlanPro], entry.CreditLimit)
			assert.Equal(t, t2, entry.PeriodStart)
		})
	}
}

func TestApplyChangeBeforeDelayedRenewalDropsReset(t *testing.T) {
	// Pins the drop-older semantics for the one pair that is not fully
	// order-independent: a plan change applied before a delayed, older
	// renewal drops the renewal entirely, so its usage reset and fresh
	// period are lost. The final plan is the newest event's either way.
	r, st := newReconciler(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	require.NoError(t, r.Apply(ctx, event("ev-activate", "user-1", models.BillingEventActivated, models.PlanStarter, t0)))
	require.NoError(t, st.DebitCredits(ctx, "user-1", 9))

	require.NoError(t, r.Apply(ctx, event("ev-change", "user-1", models.BillingEventChanged, models.PlanPro, t2)))
	require.NoError(t, r.Apply(ctx, event("ev-renew", "user-1", models.BillingEventRenewed, models.PlanStarter, t1)))

	entry, err := st.GetLedgerEntry(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, entry.Plan, "the newest event decides the plan")
	assert.Equal(t, 9, entry.CreditsUsed, "the stale renewal's usage reset is dropped")
	assert.Equal(t, t0, entry.PeriodStart, "the stale renewal's period is dropped")
	require.NotNil(t, entry.LastEventAt)
	assert.Equal(t, t2, *entry.LastEventAt)
}

func TestApplyChangeKeepsUsageAndPeriod(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.Apply(ctx, event("ev-1", "user-1", models.BillingEventActivated, models.PlanStarter, t1)))
	require.NoError(t, st.DebitCredits(ctx, "user-1", 7))
	require.NoError(t, r.Apply(ctx, event("ev-2", "user-1", models.BillingEventChanged, models.PlanPro, t1.Add(time.Minute))))

	entry, err := st.GetLedgerEntry(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, entry.Plan)
	assert.Equal(t, 7, entry.CreditsUsed, "plan change must not reset usage")
	assert.Equal(t, t1, entry.PeriodStart, "plan change must not open a new period")
}

func TestApplyCancellationDowngradesToFree(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.Apply(ctx, event("ev-1", "user-1", models.BillingEventActivated, models.PlanProMax, t1)))
	require.NoError(t, r.Apply(ctx, event("ev-2", "user-1", models.BillingEventCancelled, "", t1.Add(time.Hour))))

	entry, err := st.GetLedgerEntry(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, entry.Plan)
	assert.Equal(t, models.PlanCreditLimit[models.PlanFree], entry.CreditLimit)
}

func TestValidate(t *testing.T) {
	at := time.Now()
	cases := []struct {
		name string
		ev   models.BillingEvent
		ok   bool
	}{
		{"valid activation", event("e", "u", models.BillingEventActivated, models.PlanPro, at), true},
		{"valid cancellation", event("e", "u", models.BillingEventCancelled, "", at), true},
		{"missing event id", event("", "u", models.BillingEventRenewed, models.PlanPro, at), false},
		{"missing user id", event("e", "", models.BillingEventRenewed, models.PlanPro, at), false},
		{"zero timestamp", event("e", "u", models.BillingEventRenewed, models.PlanPro, time.Time{}), false},
		{"unknown type", event("e", "u", "paused", models.PlanPro, at), false},
		{"unknown plan", event("e", "u", models.BillingEventActivated, "enterprise", at), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.ev)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			}
		})
	}
}
