package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reelfix/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It mirrors the Postgres
// semantics exactly (CAS losses, dedup uniqueness, conditional debits) and
// backs unit tests plus single-process dev deployments.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	watchers map[uuid.UUID]map[string]struct{}
	ledger   map[string]*models.LedgerEntry
	apiKeys  map[uuid.UUID]*models.APIKey
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[uuid.UUID]*models.Job),
		watchers: make(map[uuid.UUID]map[string]struct{}),
		ledger:   make(map[string]*models.LedgerEntry),
		apiKeys:  make(map[uuid.UUID]*models.APIKey),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func copyJob(j *models.Job) *models.Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		cp.Result = append([]byte(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.DedupDomain != nil {
		d := *j.DedupDomain
		cp.DedupDomain = &d
	}
	if j.DedupKey != nil {
		k := *j.DedupKey
		cp.DedupKey = &k
	}
	return &cp
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrConflict
	}
	if job.DedupKey != nil && !job.State.Terminal() {
		for _, other := range s.jobs {
			if other.DedupKey == nil || other.State.Terminal() {
				continue
			}
			if *other.DedupDomain == *job.DedupDomain && *other.DedupKey == *job.DedupKey {
				return ErrDedupRace
			}
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) FindJobByDedupKey(_ context.Context, domain, key string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, j := range s.jobs {
		if j.DedupKey == nil || *j.DedupDomain != domain || *j.DedupKey != key {
			continue
		}
		if best == nil {
			best = j
			continue
		}
		bestActive := !best.State.Terminal()
		jActive := !j.State.Terminal()
		if jActive && !bestActive {
			best = j
		} else if jActive == bestActive && j.UpdatedAt.After(best.UpdatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyJob(best), nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id uuid.UUID, expected, next models.JobState, patch JobPatch) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != expected {
		return nil, ErrStaleState
	}
	j.State = next
	if patch.Result != nil {
		j.Result = append([]byte(nil), patch.Result...)
	}
	if patch.Error != nil {
		e := *patch.Error
		j.Error = &e
	}
	j.UpdatedAt = s.now()
	return copyJob(j), nil
}

func (s *MemoryStore) ReclaimJob(_ context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.State != models.JobStateProcessing || j.UpdatedAt.After(staleBefore) {
		return false, nil
	}
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) MarkJobCharged(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.CreditsCharged {
		return false, nil
	}
	j.CreditsCharged = true
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) AddJobWatcher(_ context.Context, jobID uuid.UUID, watcherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	if s.watchers[jobID] == nil {
		s.watchers[jobID] = make(map[string]struct{})
	}
	s.watchers[jobID][watcherID] = struct{}{}
	return nil
}

func (s *MemoryStore) IsJobWatcher(_ context.Context, jobID uuid.UUID, watcherID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.watchers[jobID][watcherID]
	return ok, nil
}

// --- Ledger ---

func copyLedgerEntry(e *models.LedgerEntry) *models.LedgerEntry {
	cp := *e
	if e.LastEventID != nil {
		id := *e.LastEventID
		cp.LastEventID = &id
	}
	if e.LastEventAt != nil {
		at := *e.LastEventAt
		cp.LastEventAt = &at
	}
	return &cp
}

func (s *MemoryStore) EnsureLedgerEntry(_ context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ledger[entry.UserID]; ok {
		return copyLedgerEntry(existing), nil
	}
	s.ledger[entry.UserID] = copyLedgerEntry(entry)
	return copyLedgerEntry(entry), nil
}

func (s *MemoryStore) GetLedgerEntry(_ context.Context, userID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledger[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLedgerEntry(e), nil
}

func (s *MemoryStore) DebitCredits(_ context.Context, userID string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledger[userID]
	if !ok {
		return ErrNotFound
	}
	if e.CreditsUsed+amount > e.CreditLimit {
		return ErrInsufficientCredits
	}
	e.CreditsUsed += amount
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RolloverPeriod(_ context.Context, userID string, expectedEnd, newStart, newEnd time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledger[userID]
	if !ok || !e.PeriodEnd.Equal(expectedEnd) {
		return false, nil
	}
	e.CreditsUsed = 0
	e.PeriodStart = newStart
	e.PeriodEnd = newEnd
	e.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) ApplyEntitlement(_ context.Context, userID string, patch EntitlementPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledger[userID]
	if !ok {
		return false, ErrNotFound
	}
	if e.LastEventAt != nil && !e.LastEventAt.Before(patch.EventAt) {
		return false, nil
	}
	e.Plan = patch.Plan
	e.CreditLimit = patch.CreditLimit
	e.PeriodStart = patch.PeriodStart
	e.PeriodEnd = patch.PeriodEnd
	e.Store = patch.Store
	if patch.ResetUsage {
		e.CreditsUsed = 0
	}
	id := patch.EventID
	at := patch.EventAt
	e.LastEventID = &id
	e.LastEventAt = &at
	e.UpdatedAt = s.now()
	return true, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.apiKeys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apiKeys[key.ID]; exists {
		return ErrConflict
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}
