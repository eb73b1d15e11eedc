package models

import "time"

// Plan is a subscription tier. Plans are a static lookup, not stored state.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanProMax  Plan = "pro_max"
)

// PlanCreditLimit maps each plan to its per-period credit allowance.
var PlanCreditLimit = map[Plan]int{
	PlanFree:    10,
	PlanStarter: 100,
	PlanPro:     400,
	PlanProMax:  1500,
}

// ValidPlan reports whether p names a known plan.
func ValidPlan(p Plan) bool {
	_, ok := PlanCreditLimit[p]
	return ok
}

// KindCreditCost maps job kinds to their billable credit cost. Zero-cost
// kinds are never billed.
var KindCreditCost = map[JobKind]int{
	JobKindAnalysis:  1,
	JobKindFix:       2,
	JobKindThumbnail: 0,
}

// LedgerEntry is the per-user subscription and credit state. It is mutated
// only by ledger debits, lazy period rollover, and entitlement reconciliation.
type LedgerEntry struct {
	UserID      string    `db:"user_id"       json:"user_id"`
	Plan        Plan      `db:"plan"          json:"plan"`
	CreditLimit int       `db:"credit_limit"  json:"credit_limit"`
	CreditsUsed int       `db:"credits_used"  json:"credits_used"`
	PeriodStart time.Time `db:"period_start"  json:"period_start"`
	PeriodEnd   time.Time `db:"period_end"    json:"period_end"`
	// Store is the origin of the subscription (app-store, play-store, "" for free).
	Store string `db:"store" json:"store,omitempty"`
	// LastEventID and LastEventAt are the reconciliation dedup markers: the
	// id and provider timestamp of the newest billing event applied so far.
	LastEventID *string    `db:"last_event_id" json:"last_event_id,omitempty"`
	LastEventAt *time.Time `db:"last_event_at" json:"last_event_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"    json:"updated_at"`
}

// Remaining returns the credits left in the current period.
func (e *LedgerEntry) Remaining() int {
	if r := e.CreditLimit - e.CreditsUsed; r > 0 {
		return r
	}
	return 0
}

// Billing event types delivered by the subscription provider webhook.
const (
	BillingEventActivated = "activated"
	BillingEventRenewed   = "renewed"
	BillingEventChanged   = "changed"
	BillingEventCancelled = "cancelled"
)

// BillingEvent is a pre-authenticated, structurally valid webhook event.
// EventID is unique per event; Timestamp is the provider's ordering clock,
// not the arrival time.
type BillingEvent struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Plan      Plan      `json:"plan"`
	Timestamp time.Time `json:"timestamp"`
	Store     string    `json:"store"`
}
