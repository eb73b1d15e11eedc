package dedup

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reelfix/internal/config"
	"github.com/reelworks/reelfix/internal/contentaddr"
	"github.com/reelworks/reelfix/internal/ledger"
	"github.com/reelworks/reelfix/internal/queue"
	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/pkg/models"
)

const month = 30 * 24 * time.Hour

func newEngine(t *testing.T, policy string) (*Engine, *store.MemoryStore, *queue.MemoryQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ld := ledger.New(st, month)
	return New(st, ld, q, "jobs", policy, nil), st, q
}

func analysisReq(owner, contentID string) SubmitRequest {
	return SubmitRequest{
		OwnerID:   owner,
		Kind:      models.JobKindAnalysis,
		InputRef:  "uploads/" + contentID,
		ContentID: contentID,
		MediaType: "image",
	}
}

func TestSubmitDispatchesFreshJob(t *testing.T) {
	e, st, q := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()
	contentID := contentaddr.Content([]byte("clip-a"))

	job, err := e.Submit(ctx, analysisReq("user-1", contentID))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, job.State)
	require.NotNil(t, job.DedupKey)
	assert.Equal(t, contentID, *job.DedupKey)
	assert.Equal(t, models.DedupDomainContent, *job.DedupDomain)
	assert.Equal(t, 1, q.Depth("jobs.analysis"))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, stored.State)
	assert.False(t, stored.CreditsCharged, "fresh jobs are debited by the worker, not at submit")
}

func TestSubmitCoalescesOnActiveJob(t *testing.T) {
	e, st, q := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()
	contentID := contentaddr.Content([]byte("clip-b"))

	first, err := e.Submit(ctx, analysisReq("user-1", contentID))
	require.NoError(t, err)
	second, err := e.Submit(ctx, analysisReq("user-2", contentID))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "identical active requests share one job")
	assert.Equal(t, 1, q.Depth("jobs.analysis"), "coalesced submit must not publish again")

	// The second caller sees the shared build under their own id and is
	// recorded as a watcher so they can poll it later.
	assert.Equal(t, "user-2", second.OwnerID, "the builder's identity must not leak")
	watcher, err := st.IsJobWatcher(ctx, first.ID, "user-2")
	require.NoError(t, err)
	assert.True(t, watcher)

	stored, err := st.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.OwnerID, "the stored row keeps the builder as owner")
}

func TestSubmitConcurrentSameKeySingleDispatch(t *testing.T) {
	e, _, q := newEngine(t, config.BillingOnRequest)
	contentID := contentaddr.Content([]byte("clip-race"))

	const n = 16
	jobs := make([]*models.Job, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs[i], errs[i] = e.Submit(context.Background(), analysisReq("user-1", contentID))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, jobs[0].ID, jobs[i].ID)
	}
	assert.Equal(t, 1, q.Depth("jobs.analysis"), "at most one build per key may be dispatched")
}

func TestSubmitCopiesCompletedJob(t *testing.T) {
	e, st, q := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()
	contentID := contentaddr.Content([]byte("clip-c"))

	original, err := e.Submit(ctx, analysisReq("user-1", contentID))
	require.NoError(t, err)

	result, _ := json.Marshal(models.AnalysisJobResult{Model: "mock-v1"})
	_, err = st.TransitionJob(ctx, original.ID, models.JobStatePending, models.JobStateProcessing, store.JobPatch{})
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, original.ID, models.JobStateProcessing, models.JobStateCompleted, store.JobPatch{Result: result})
	require.NoError(t, err)

	dup, err := e.Submit(ctx, analysisReq("user-2", contentID))
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, dup.ID, "completed results are copied, not shared")
	assert.Equal(t, models.JobStateCompleted, dup.State)
	assert.Equal(t, "user-2", dup.OwnerID)
	assert.JSONEq(t, string(result), string(dup.Result))
	assert.True(t, dup.CreditsCharged, "on_request policy debits the copy at synthesis")
	assert.Equal(t, 1, q.Depth("jobs.analysis"), "cache hits never dispatch")

	// Mutating the copy's result must not leak into the original.
	dup.Result[0] = '!'
	stored, err := st.GetJob(ctx, original.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(stored.Result))

	entry, err := st.GetLedgerEntry(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, models.KindCreditCost[models.JobKindAnalysis], entry.CreditsUsed)
}

func TestSubmitOnComputePolicyCopiesAreFree(t *testing.T) {
	e, st, _ := newEngine(t, config.BillingOnCompute)
	ctx := context.Background()
	contentID := contentaddr.Content([]byte("clip-d"))

	original, err := e.Submit(ctx, analysisReq("user-1", contentID))
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, original.ID, models.JobStatePending, models.JobStateProcessing, store.JobPatch{})
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, original.ID, models.JobStateProcessing, models.JobStateCompleted, store.JobPatch{Result: json.RawMessage(`{}`)})
	require.NoError(t, err)

	dup, err := e.Submit(ctx, analysisReq("user-2", contentID))
	require.NoError(t, err)
	assert.False(t, dup.CreditsCharged)

	entry, err := st.GetLedgerEntry(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.CreditsUsed)
}

func TestSubmitFailedJobIsAMiss(t *testing.T) {
	e, st, q := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()
	contentID := contentaddr.Content([]byte("clip-e"))

	first, err := e.Submit(ctx, analysisReq("user-1", contentID))
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, first.ID, models.JobStatePending, models.JobStateProcessing, store.JobPatch{})
	require.NoError(t, err)
	msg := "provider unavailable"
	_, err = st.TransitionJob(ctx, first.ID, models.JobStateProcessing, models.JobStateFailed, store.JobPatch{Error: &msg})
	require.NoError(t, err)

	second, err := e.Submit(ctx, analysisReq("user-1", contentID))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "failed builds must be retried from scratch")
	assert.Equal(t, models.JobStatePending, second.State)
	assert.Equal(t, 2, q.Depth("jobs.analysis"))
}

func TestSubmitFixKeysOnCanonicalProblemSet(t *testing.T) {
	e, _, _ := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()
	contentID := contentaddr.Content([]byte("clip-f"))

	first, err := e.Submit(ctx, SubmitRequest{
		OwnerID: "user-1", Kind: models.JobKindFix, InputRef: "uploads/x",
		ContentID: contentID, ProblemIDs: []string{"noise", "low-light"},
	})
	require.NoError(t, err)
	second, err := e.Submit(ctx, SubmitRequest{
		OwnerID: "user-2", Kind: models.JobKindFix, InputRef: "uploads/x",
		ContentID: contentID, ProblemIDs: []string{"low-light", "noise", "noise"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "problem order and duplicates must not change the key")
}

func TestSubmitThumbnailNeverDeduplicates(t *testing.T) {
	e, _, q := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()
	req := SubmitRequest{OwnerID: "user-1", Kind: models.JobKindThumbnail, InputRef: "uploads/x"}

	first, err := e.Submit(ctx, req)
	require.NoError(t, err)
	second, err := e.Submit(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Nil(t, first.DedupKey)
	assert.Equal(t, 2, q.Depth("jobs.thumbnail"))
}

func TestSubmitRejectsWhenCreditsExhausted(t *testing.T) {
	e, st, q := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()

	// Free plan: 10 credits. Burn all of them.
	_, err := e.Submit(ctx, analysisReq("user-1", contentaddr.Content([]byte("seed"))))
	require.NoError(t, err)
	require.NoError(t, st.DebitCredits(ctx, "user-1", models.PlanCreditLimit[models.PlanFree]))

	_, err = e.Submit(ctx, analysisReq("user-1", contentaddr.Content([]byte("over-budget"))))
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, 1, q.Depth("jobs.analysis"))

	// Zero-cost kinds are exempt from the credit check.
	_, err = e.Submit(ctx, SubmitRequest{OwnerID: "user-1", Kind: models.JobKindThumbnail, InputRef: "uploads/x"})
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	e, _, _ := newEngine(t, config.BillingOnRequest)
	ctx := context.Background()

	cases := []SubmitRequest{
		{Kind: models.JobKindAnalysis, InputRef: "x", ContentID: "c"},            // no owner
		{OwnerID: "u", Kind: "transcode", InputRef: "x"},                         // unknown kind
		{OwnerID: "u", Kind: models.JobKindAnalysis, ContentID: "c"},             // no input ref
		{OwnerID: "u", Kind: models.JobKindAnalysis, InputRef: "x"},              // no content id
		{OwnerID: "u", Kind: models.JobKindFix, InputRef: "x", ContentID: "c"},   // no problems
	}
	for _, req := range cases {
		_, err := e.Submit(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}
