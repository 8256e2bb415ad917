package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stoik/content-inspection/internal/logging"
	"github.com/stoik/content-inspection/internal/metrics"
	"github.com/stoik/content-inspection/internal/ports"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPageSize     = 20
	DefaultMaxPageSize  = 100
	DefaultStoreTimeout = 10 * time.Second
)

// SubmitRequest is one artifact submitted on behalf of a principal
type SubmitRequest struct {
	Principal domain.Principal
	Artifact  domain.Artifact
	// Rescan bypasses deduplication and creates a record that supersedes
	// the latest one for the same artifact
	Rescan bool
}

// SubmitResult is what the submission interface returns
type SubmitResult struct {
	Record *domain.Record
	// Deduplicated is set when Record was created by an earlier submission
	Deduplicated bool
}

// Verification compares a stored verdict with a fresh recomputation
type Verification struct {
	RecordID     uuid.UUID      `json:"record_id"`
	Stored       domain.Verdict `json:"stored"`
	Recomputed   domain.Verdict `json:"recomputed"`
	Reproducible bool           `json:"reproducible"`
	Diff         string         `json:"diff,omitempty"`
}

// RecordCreatedEvent is published after a record is persisted
type RecordCreatedEvent struct {
	RecordID       uuid.UUID             `json:"record_id"`
	ContentHash    string                `json:"content_hash"`
	Kind           domain.ArtifactKind   `json:"kind"`
	OwnerID        uuid.UUID             `json:"owner_id"`
	Classification domain.Classification `json:"classification"`
	PolicyVersion  string                `json:"policy_version"`
	Supersedes     *uuid.UUID            `json:"supersedes,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// InspectionService orchestrates submission, inspection and querying of records
type InspectionService struct {
	records    ports.RecordStore
	payloads   ports.PayloadStore
	events     ports.EventPublisher
	pipeline   *Pipeline
	aggregator *detection.Aggregator

	// inflight collapses concurrent submissions of the same hash in this
	// process; the record store arbitrates across processes
	inflight singleflight.Group

	maxPageSize  int
	storeTimeout time.Duration
	now          func() time.Time
}

// ServiceOption configures an InspectionService
type ServiceOption func(*InspectionService)

// WithPayloadStore persists raw payloads before inspection
func WithPayloadStore(store ports.PayloadStore) ServiceOption {
	return func(s *InspectionService) { s.payloads = store }
}

// WithEventPublisher announces created records
func WithEventPublisher(publisher ports.EventPublisher) ServiceOption {
	return func(s *InspectionService) { s.events = publisher }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ServiceOption {
	return func(s *InspectionService) { s.now = now }
}

// WithMaxPageSize caps list queries
func WithMaxPageSize(n int) ServiceOption {
	return func(s *InspectionService) {
		if n > 0 {
			s.maxPageSize = n
		}
	}
}

// WithStoreTimeout bounds the persistence of one submission, which runs
// detached from the caller
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *InspectionService) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// NewInspectionService creates a new inspection service with dependency injection
func NewInspectionService(
	records ports.RecordStore,
	pipeline *Pipeline,
	aggregator *detection.Aggregator,
	opts ...ServiceOption,
) *InspectionService {
	s := &InspectionService{
		records:      records,
		pipeline:     pipeline,
		aggregator:   aggregator,
		maxPageSize:  DefaultMaxPageSize,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type outcome struct {
	record       *domain.Record
	deduplicated bool
}

// Submit inspects an artifact and returns its record.
//
// Within the dedup window a repeated hash returns the canonical record
// without invoking any detector. The verdict is only returned once the
// record is durable; store failures surface as *domain.StoreError.
//
// If ctx ends during inspection the record is still persisted, flagged as
// cancelled so that it never serves later submissions, and the caller
// receives ctx.Err().
func (s *InspectionService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateSubmission(req); err != nil {
		return nil, err
	}
	hash := req.Artifact.Hash

	if !req.Rescan {
		existing, err := s.records.Canonical(ctx, hash, s.now())
		switch {
		case err == nil:
			metrics.DedupHits.Inc()
			logging.Ctx(ctx).Info().
				Str("hash", hash).
				Str("record_id", existing.ID.String()).
				Msg("submission deduplicated")
			return &SubmitResult{Record: existing, Deduplicated: true}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, s.storeFailure(ctx, "canonical", err)
		}
	}

	key := hash
	if req.Rescan {
		key = "rescan:" + hash
	}

	leader := false
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		leader = true
		return s.inspect(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out := v.(outcome)

	if leader && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// A cancelled leader's findings are partial; inspect again
	if !leader && out.record.Cancelled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.Submit(ctx, req)
	}
	return &SubmitResult{Record: out.record, Deduplicated: out.deduplicated || !leader}, nil
}

func (s *InspectionService) inspect(ctx context.Context, req SubmitRequest) (outcome, error) {
	artifact := req.Artifact
	log := logging.Ctx(ctx)

	// detached so that a record is persisted even if the caller goes away
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	var supersedes *uuid.UUID
	if req.Rescan {
		prev, err := s.records.Latest(storeCtx, artifact.Hash)
		switch {
		case err == nil:
			id := prev.ID
			supersedes = &id
		case !errors.Is(err, domain.ErrNotFound):
			return outcome{}, s.storeFailure(ctx, "latest", err)
		}
	}

	if s.payloads != nil {
		ref, err := s.payloads.Put(storeCtx, artifact.Hash, artifact.Payload)
		if err != nil {
			return outcome{}, s.storeFailure(ctx, "put_payload", err)
		}
		artifact.PayloadRef = ref
	}

	log.Info().
		Str("hash", artifact.Hash).
		Str("kind", string(artifact.Kind)).
		Int64("size", artifact.Size).
		Bool("rescan", req.Rescan).
		Msg("inspection started")

	res := s.pipeline.Run(ctx, artifact)
	at := s.now().UTC()
	verdict := s.aggregator.Aggregate(res.Findings, at)

	record := &domain.Record{
		ID:               uuid.New(),
		Artifact:         artifact.Metadata(),
		Verdict:          verdict,
		Findings:         res.Findings,
		OwnerID:          req.Principal.ID,
		CreatedAt:        at,
		Supersedes:       supersedes,
		PipelineTimedOut: res.TimedOut,
		Cancelled:        res.Cancelled,
	}

	id, err := s.records.Put(storeCtx, record)
	if errors.Is(err, domain.ErrDuplicateRecord) {
		winner, gerr := s.records.Get(storeCtx, id)
		if gerr != nil {
			return outcome{}, s.storeFailure(ctx, "get", gerr)
		}
		log.Info().
			Str("hash", artifact.Hash).
			Str("record_id", winner.ID.String()).
			Msg("concurrent submission won, returning its record")
		metrics.DedupHits.Inc()
		return outcome{record: winner, deduplicated: true}, nil
	}
	if err != nil {
		return outcome{}, s.storeFailure(ctx, "put", err)
	}
	record.ID = id

	metrics.InspectionsTotal.WithLabelValues(string(artifact.Kind), string(verdict.Classification)).Inc()
	log.Info().
		Str("hash", artifact.Hash).
		Str("record_id", record.ID.String()).
		Str("verdict", string(verdict.Classification)).
		Bool("pipeline_timed_out", res.TimedOut).
		Bool("cancelled", res.Cancelled).
		Msg("inspection recorded")

	s.publish(storeCtx, record)

	return outcome{record: record}, nil
}

func (s *InspectionService) publish(ctx context.Context, record *domain.Record) {
	if s.events == nil {
		return
	}
	event := RecordCreatedEvent{
		RecordID:       record.ID,
		ContentHash:    record.Artifact.Hash,
		Kind:           record.Artifact.Kind,
		OwnerID:        record.OwnerID,
		Classification: record.Verdict.Classification,
		PolicyVersion:  record.Verdict.PolicyVersion,
		Supersedes:     record.Supersedes,
		CreatedAt:      record.CreatedAt,
	}
	if err := s.events.Publish(ctx, ports.SubjectRecordCreated, event); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("record_id", record.ID.String()).Msg("failed to publish record event")
	}
}

// ListMine returns the principal's own records, newest first
func (s *InspectionService) ListMine(ctx context.Context, principal domain.Principal, page domain.Page) ([]domain.Record, error) {
	records, err := s.records.ListByOwner(ctx, principal.ID, s.clampPage(page))
	if err != nil {
		return nil, s.storeFailure(ctx, "list_by_owner", err)
	}
	return records, nil
}

// ListAll returns every record; admin only
func (s *InspectionService) ListAll(ctx context.Context, principal domain.Principal, page domain.Page) ([]domain.Record, error) {
	if !principal.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	records, err := s.records.ListAll(ctx, s.clampPage(page))
	if err != nil {
		return nil, s.storeFailure(ctx, "list_all", err)
	}
	return records, nil
}

// Get returns a record visible to the principal. Records owned by someone
// else are reported as not found unless the principal is an admin.
func (s *InspectionService) Get(ctx context.Context, principal domain.Principal, id uuid.UUID) (*domain.Record, error) {
	record, err := s.records.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, s.storeFailure(ctx, "get", err)
	}
	if record.OwnerID != principal.ID && !principal.IsAdmin() {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

// Verify recomputes a stored verdict from its findings under the policy
// version recorded on it
func (s *InspectionService) Verify(ctx context.Context, principal domain.Principal, id uuid.UUID) (*Verification, error) {
	record, err := s.Get(ctx, principal, id)
	if err != nil {
		return nil, err
	}

	stored := record.Verdict
	recomputed, err := detection.Aggregate(stored.PolicyVersion, record.Findings, stored.ComputedAt)
	if err != nil {
		return nil, fmt.Errorf("verify record %s: %w", id, err)
	}

	diff := cmp.Diff(stored, recomputed, cmpopts.EquateEmpty())
	return &Verification{
		RecordID:     record.ID,
		Stored:       stored,
		Recomputed:   recomputed,
		Reproducible: diff == "",
		Diff:         diff,
	}, nil
}

func (s *InspectionService) clampPage(page domain.Page) domain.Page {
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	if page.Limit > s.maxPageSize {
		page.Limit = s.maxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}

func (s *InspectionService) storeFailure(ctx context.Context, op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	logging.Ctx(ctx).Error().Err(err).Str("operation", op).Msg("record store failure")

	var storeErr *domain.StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return domain.NewStoreError(op, err)
}

func validateSubmission(req SubmitRequest) error {
	verr := &domain.ValidationError{Fields: map[string]string{}}
	a := req.Artifact

	if req.Principal.ID == uuid.Nil {
		verr.Fields["principal"] = "is required"
	}
	switch a.Kind {
	case domain.KindFile, domain.KindNetwork:
	default:
		verr.Fields["kind"] = fmt.Sprintf("unsupported artifact kind %q", a.Kind)
	}
	if len(a.Payload) == 0 {
		verr.Fields["payload"] = "must not be empty"
	} else if a.Hash != domain.HashBytes(a.Payload) {
		verr.Fields["hash"] = "does not match payload"
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}
