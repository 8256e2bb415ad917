package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// ArtifactKind identifies what is being inspected
type ArtifactKind string

const (
	KindFile    ArtifactKind = "file"
	KindNetwork ArtifactKind = "network"
)

// Classification is a detector's (or the aggregate) opinion about an artifact
type Classification string

const (
	ClassClean        Classification = "clean"
	ClassSuspicious   Classification = "suspicious"
	ClassMalicious    Classification = "malicious"
	ClassInconclusive Classification = "inconclusive"
)

// Severity orders classifications for aggregation.
// Inconclusive has no severity and returns -1.
func (c Classification) Severity() int {
	switch c {
	case ClassClean:
		return 0
	case ClassSuspicious:
		return 1
	case ClassMalicious:
		return 2
	default:
		return -1
	}
}

// FindingStatus records how a detector invocation ended
type FindingStatus string

const (
	StatusCompleted FindingStatus = "completed"
	StatusTimedOut  FindingStatus = "timed_out"
	StatusErrored   FindingStatus = "errored"
	StatusSkipped   FindingStatus = "skipped"
)

// Role is the authorization level of a principal
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Artifact is the immutable description of the thing being inspected.
//
// Hash is the SHA-256 of Payload, computed once by NewFileArtifact or
// NewNetworkArtifact. It doubles as the idempotency key: two submissions
// with the same bytes describe the same artifact.
//
// The pipeline hands every detector its own Clone, so a detector that
// writes to Payload cannot affect the caller or another detector.
type Artifact struct {
	Hash       string       `json:"hash"`
	Kind       ArtifactKind `json:"kind"`
	Payload    []byte       `json:"-"`
	PayloadRef string       `json:"payload_ref,omitempty"` // blob store location, if payloads are persisted
	Size       int64        `json:"size"`
	Name       string       `json:"name"` // filename for files, traffic source for network records
	IngestedAt time.Time    `json:"ingested_at"`
}

// Metadata returns a copy of the artifact without its payload, suitable for
// embedding in a Record.
func (a Artifact) Metadata() Artifact {
	a.Payload = nil
	return a
}

// Bytes returns a copy of the payload
func (a Artifact) Bytes() []byte {
	return bytes.Clone(a.Payload)
}

// Clone returns the artifact with a private copy of its payload
func (a Artifact) Clone() Artifact {
	a.Payload = a.Bytes()
	return a
}

// Finding is one detector's opinion about one artifact
type Finding struct {
	ID             uuid.UUID      `json:"id"`
	DetectorID     string         `json:"detector_id"`
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"` // 0.0 to 1.0
	Elapsed        time.Duration  `json:"elapsed"`
	Status         FindingStatus  `json:"status"`
}

// Verdict is the aggregated classification for an artifact.
//
// A Verdict is a pure function of its findings, its policy version and
// ComputedAt: recomputing it from the same inputs yields the same value.
type Verdict struct {
	Classification       Classification `json:"classification"`
	ContributingFindings []uuid.UUID    `json:"contributing_findings"`
	PolicyVersion        string         `json:"policy_version"`
	ComputedAt           time.Time      `json:"computed_at"`
	// Confidence is carried through from contributing findings as metadata.
	// It never changes Classification.
	Confidence *float64 `json:"confidence,omitempty"`
}

// Record is the persisted, queryable result of one inspection.
// Records are append-only: a re-scan creates a new Record that Supersedes
// the previous one for the same artifact.
type Record struct {
	ID               uuid.UUID  `json:"id"`
	Artifact         Artifact   `json:"artifact"`
	Verdict          Verdict    `json:"verdict"`
	Findings         []Finding  `json:"findings"`
	OwnerID          uuid.UUID  `json:"owner_id"`
	CreatedAt        time.Time  `json:"created_at"`
	Supersedes       *uuid.UUID `json:"supersedes,omitempty"`
	PipelineTimedOut bool       `json:"pipeline_timed_out"`
	// Cancelled records were cut short by their submitter. They are kept for
	// audit but never become canonical for their hash.
	Cancelled bool `json:"cancelled"`
}

// Principal is the authenticated caller on whose behalf artifacts are submitted.
// ExternalID is the stable subject issued by the identity provider.
type Principal struct {
	ID          uuid.UUID  `json:"id"`
	ExternalID  string     `json:"external_id"`
	Email       string     `json:"email"`
	Name        string     `json:"name,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	Role        Role       `json:"role"`
	Status      string     `json:"status"` // "active", "disabled"
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsAdmin reports whether the principal may use privileged queries
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Page bounds list queries
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Confidence is a helper for building optional confidence values
func Confidence(v float64) *float64 {
	return &v
}
