package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
)

// MemoryStore is an in-process RecordStore and PrincipalStore.
// Used by tests and the one-shot scan command.
type MemoryStore struct {
	window time.Duration

	mu         sync.RWMutex
	records    map[uuid.UUID]domain.Record
	order      []uuid.UUID // insertion order
	byHash     map[string][]uuid.UUID
	principals map[string]domain.Principal

	// hashLocks serialises Put per content hash
	hashLocks sync.Map
}

// NewMemoryStore creates an empty store
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		window:     opts.DedupWindow,
		records:    make(map[uuid.UUID]domain.Record),
		byHash:     make(map[string][]uuid.UUID),
		principals: make(map[string]domain.Principal),
	}
}

func (s *MemoryStore) lockHash(hash string) func() {
	v, _ := s.hashLocks.LoadOrStore(hash, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Put appends a record
func (s *MemoryStore) Put(ctx context.Context, record *domain.Record) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	hash := record.Artifact.Hash
	unlock := s.lockHash(hash)
	defer unlock()

	if canonical, ok := s.canonical(hash, record.CreatedAt); ok {
		if record.Supersedes == nil || *record.Supersedes != canonical.ID {
			return canonical.ID, domain.ErrDuplicateRecord
		}
	}

	stored := cloneRecord(*record)
	stored.Artifact.Payload = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	s.byHash[hash] = append(s.byHash[hash], stored.ID)
	return stored.ID, nil
}

// Get retrieves a record by ID
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneRecord(record)
	return &out, nil
}

// Canonical retrieves the newest record for hash inside the dedup window
func (s *MemoryStore) Canonical(ctx context.Context, hash string, at time.Time) (*domain.Record, error) {
	record, ok := s.canonical(hash, at)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &record, nil
}

func (s *MemoryStore) canonical(hash string, at time.Time) (domain.Record, bool) {
	if s.window <= 0 {
		return domain.Record{}, false
	}
	latest, ok := s.latest(hash)
	if !ok || latest.CreatedAt.Before(at.Add(-s.window)) {
		return domain.Record{}, false
	}
	return latest, true
}

// Latest retrieves the newest non-cancelled record for hash
func (s *MemoryStore) Latest(ctx context.Context, hash string) (*domain.Record, error) {
	record, ok := s.latest(hash)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &record, nil
}

func (s *MemoryStore) latest(hash string) (domain.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  domain.Record
		found bool
	)
	for _, id := range s.byHash[hash] {
		r := s.records[id]
		if r.Cancelled {
			continue
		}
		if !found || !r.CreatedAt.Before(best.CreatedAt) {
			best, found = r, true
		}
	}
	if !found {
		return domain.Record{}, false
	}
	return cloneRecord(best), true
}

// ListByOwner retrieves a principal's records, newest first
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, page domain.Page) ([]domain.Record, error) {
	return s.list(page, func(r domain.Record) bool { return r.OwnerID == ownerID }), nil
}

// ListAll retrieves every record, newest first
func (s *MemoryStore) ListAll(ctx context.Context, page domain.Page) ([]domain.Record, error) {
	return s.list(page, func(domain.Record) bool { return true }), nil
}

func (s *MemoryStore) list(page domain.Page, keep func(domain.Record) bool) []domain.Record {
	s.mu.RLock()
	matched := make([]domain.Record, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		if r := s.records[s.order[i]]; keep(r) {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	// newest first; ties keep the most recent insertion first
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if page.Offset >= len(matched) {
		return []domain.Record{}
	}
	end := len(matched)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}

	out := make([]domain.Record, 0, end-page.Offset)
	for _, r := range matched[page.Offset:end] {
		out = append(out, cloneRecord(r))
	}
	return out
}

// UpsertPrincipal creates or refreshes a principal keyed by ExternalID
func (s *MemoryStore) UpsertPrincipal(ctx context.Context, p domain.Principal) (*domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.principals[p.ExternalID]
	if !ok {
		s.principals[p.ExternalID] = p
		return &p, nil
	}

	if p.Email != "" {
		existing.Email = p.Email
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.ImageURL != "" {
		existing.ImageURL = p.ImageURL
	}
	if p.LastLoginAt != nil {
		existing.LastLoginAt = p.LastLoginAt
	}
	existing.UpdatedAt = p.UpdatedAt
	s.principals[p.ExternalID] = existing
	return &existing, nil
}

// GetPrincipalByExternalID retrieves a principal by identity provider subject
func (s *MemoryStore) GetPrincipalByExternalID(ctx context.Context, externalID string) (*domain.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

// SetPrincipalStatus changes a principal's status
func (s *MemoryStore) SetPrincipalStatus(ctx context.Context, externalID, status string, at time.Time) (*domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	s.principals[externalID] = p
	return &p, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(r domain.Record) domain.Record {
	r.Findings = append([]domain.Finding(nil), r.Findings...)
	r.Verdict.ContributingFindings = append([]uuid.UUID{}, r.Verdict.ContributingFindings...)
	if r.Supersedes != nil {
		id := *r.Supersedes
		r.Supersedes = &id
	}
	return r
}
