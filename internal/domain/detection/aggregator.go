package detection

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
)

// PolicyMaxSeverityV1 is the default aggregation policy:
//   - only findings with status completed count
//   - the verdict is the maximum severity (clean < suspicious < malicious)
//   - inconclusive when no completed finding carries a severity
//   - every completed finding at the winning severity contributes
//   - confidence is metadata (max over contributors) and never overrides severity
const PolicyMaxSeverityV1 = "max-severity/v1"

// DefaultPolicyVersion is used when no version is configured
const DefaultPolicyVersion = PolicyMaxSeverityV1

// Policy reduces findings to a classification, its contributing findings and
// an optional confidence. Policies must be pure; once a version is released
// its behaviour is frozen so stored verdicts stay reproducible. Changes ship
// as a new version.
type Policy func(findings []domain.Finding) (domain.Classification, []uuid.UUID, *float64)

var policies = map[string]Policy{
	PolicyMaxSeverityV1: maxSeverityV1,
}

// KnownPolicy reports whether version is registered
func KnownPolicy(version string) bool {
	_, ok := policies[version]
	return ok
}

// Aggregator produces verdicts under one policy version
type Aggregator struct {
	version string
	policy  Policy
}

// NewAggregator creates an aggregator for a registered policy version
func NewAggregator(version string) (*Aggregator, error) {
	if version == "" {
		version = DefaultPolicyVersion
	}
	policy, ok := policies[version]
	if !ok {
		return nil, fmt.Errorf("unknown aggregation policy %q", version)
	}
	return &Aggregator{version: version, policy: policy}, nil
}

// Version returns the policy version stamped on every verdict
func (a *Aggregator) Version() string {
	return a.version
}

// Aggregate reduces findings to a verdict computed at the given time
func (a *Aggregator) Aggregate(findings []domain.Finding, at time.Time) domain.Verdict {
	class, contributors, confidence := a.policy(findings)
	sortIDs(contributors)
	return domain.Verdict{
		Classification:       class,
		ContributingFindings: contributors,
		PolicyVersion:        a.version,
		ComputedAt:           at.UTC(),
		Confidence:           confidence,
	}
}

// Aggregate recomputes a verdict under an explicit policy version.
// Used to verify stored records.
func Aggregate(version string, findings []domain.Finding, at time.Time) (domain.Verdict, error) {
	agg, err := NewAggregator(version)
	if err != nil {
		return domain.Verdict{}, err
	}
	return agg.Aggregate(findings, at), nil
}

func maxSeverityV1(findings []domain.Finding) (domain.Classification, []uuid.UUID, *float64) {
	best := -1
	for _, f := range findings {
		if f.Status != domain.StatusCompleted {
			continue
		}
		if sev := f.Classification.Severity(); sev > best {
			best = sev
		}
	}

	contributors := []uuid.UUID{}
	if best < 0 {
		return domain.ClassInconclusive, contributors, nil
	}

	var class domain.Classification
	var confidence *float64
	for _, f := range findings {
		if f.Status != domain.StatusCompleted || f.Classification.Severity() != best {
			continue
		}
		class = f.Classification
		contributors = append(contributors, f.ID)
		if f.Confidence != nil && (confidence == nil || *f.Confidence > *confidence) {
			c := *f.Confidence
			confidence = &c
		}
	}
	return class, contributors, confidence
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
