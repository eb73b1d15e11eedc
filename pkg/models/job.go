package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an async job.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether the state is an end state. Terminal jobs never
// transition again; duplicate queue deliveries for them are discarded.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobKind distinguishes job families. Each family has its own result schema,
// dispatch topic, and credit cost.
type JobKind string

const (
	JobKindAnalysis  JobKind = "analysis"
	JobKindFix       JobKind = "fix"
	JobKindThumbnail JobKind = "thumbnail"
)

// ValidKind reports whether k names a known job family.
func ValidKind(k JobKind) bool {
	switch k {
	case JobKindAnalysis, JobKindFix, JobKindThumbnail:
		return true
	}
	return false
}

// Dedup domains. Keys from different domains never collide because every
// digest is computed over a domain-prefixed canonical form.
const (
	DedupDomainContent = "content" // raw-content identity, shared across users
	DedupDomainRequest = "request" // fix-request identity (content + problem set)
)

// Job is one unit of asynchronous work. The API returns a job id on
// submission; the client polls GET /api/v1/jobs/{jobID} until the state is
// completed or failed.
type Job struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	OwnerID     string          `db:"owner_id"     json:"owner_id"`
	Kind        JobKind         `db:"kind"         json:"kind"`
	InputRef    string          `db:"input_ref"    json:"input_ref"`
	DedupDomain *string         `db:"dedup_domain" json:"dedup_domain,omitempty"`
	DedupKey    *string         `db:"dedup_key"    json:"dedup_key,omitempty"`
	State       JobState        `db:"state"        json:"state"`
	Payload     json.RawMessage `db:"payload"      json:"payload,omitempty"`
	Result      json.RawMessage `db:"result"       json:"result,omitempty"`
	Error       *string         `db:"error"        json:"error,omitempty"`
	// CreditsCharged records whether the ledger debit for this job has been
	// applied. It flips false -> true exactly once, never back.
	CreditsCharged bool      `db:"credits_charged" json:"credits_charged"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// AnalysisPayload is the queue payload for analysis jobs.
type AnalysisPayload struct {
	ContentID string `json:"content_id"`
	InputRef  string `json:"input_ref"`
	MediaType string `json:"media_type"`
}

// FixPayload is the queue payload for fix jobs. ProblemIDs is stored sorted
// so the payload is canonical for identical requests.
type FixPayload struct {
	ContentID  string   `json:"content_id"`
	InputRef   string   `json:"input_ref"`
	ProblemIDs []string `json:"problem_ids"`
}

// ThumbnailPayload is the queue payload for thumbnail jobs.
type ThumbnailPayload struct {
	InputRef string `json:"input_ref"`
}

// AnalysisJobResult is the result schema for completed analysis jobs.
type AnalysisJobResult struct {
	Problems []Problem `json:"problems"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
}

// FixJobResult is the result schema for completed fix jobs.
type FixJobResult struct {
	OutputRef    string   `json:"output_ref"`
	ThumbnailRef string   `json:"thumbnail_ref"`
	AppliedFixes []string `json:"applied_fixes"`
}

// ThumbnailJobResult is the result schema for completed thumbnail jobs.
type ThumbnailJobResult struct {
	ThumbnailRef string `json:"thumbnail_ref"`
}
