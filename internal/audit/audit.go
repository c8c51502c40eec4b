// Package audit wraps assessments in self-verifying audit records.
//
// The assembler copies, it never decides: points, severities and levels are
// taken from the assessment as given.
package audit

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/clearance/internal/canonical"
	"github.com/opensource-finance/clearance/internal/domain"
)

// Rulebook identifies the rule set an assessment was produced with.
type Rulebook interface {
	Version() string
	Digest() string
}

// Assembler builds audit records.
type Assembler struct {
	now   func() time.Time
	newID func() string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock overrides the generation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithIDGenerator overrides record ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(a *Assembler) { a.newID = newID }
}

// NewAssembler creates an assembler using wall-clock UTC time and UUIDs.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble snapshots the input and assessment into a new record.
func (a *Assembler) Assemble(tenantID string, in *domain.AssessmentInput, assessment *domain.RiskAssessment, rb Rulebook) (*domain.AuditRecord, error) {
	if assessment == nil {
		return nil, fmt.Errorf("assessment is required")
	}
	inputDigest, err := InputDigest(in)
	if err != nil {
		return nil, err
	}
	snapshot := CopyAssessment(assessment)
	assessmentDigest, err := canonical.Digest(snapshot)
	if err != nil {
		return nil, fmt.Errorf("assessment digest: %w", err)
	}

	return &domain.AuditRecord{
		ID:               a.newID(),
		TenantID:         tenantID,
		ProcedureID:      in.Requirements.ProcedureID,
		EntityID:         in.EntityID,
		GeneratedAt:      a.now(),
		RuleVersion:      rb.Version(),
		RulebookDigest:   rb.Digest(),
		InputDigest:      inputDigest,
		AssessmentDigest: assessmentDigest,
		Assessment:       snapshot,
		Documents:        SnapshotDocuments(in.Documents),
		Disclaimer:       domain.Disclaimer,
	}, nil
}

// digestView is the part of an input that determines an assessment.
type digestView struct {
	Documents   domain.DocumentSet `json:"documents"`
	ProcedureID string             `json:"procedureId"`
	Required    []domain.Role      `json:"required"`
	Known       bool               `json:"known"`
	PriorFlag   bool               `json:"priorFlag"`
	EntityID    string             `json:"entityId"`
}

// InputDigest returns the canonical digest of an input. Requirement order
// and duplicates do not change it.
func InputDigest(in *domain.AssessmentInput) (string, error) {
	if in == nil {
		return "", fmt.Errorf("input is required")
	}
	required := slices.Clone(in.Requirements.Required)
	domain.SortRoles(required)
	required = slices.Compact(required)
	if required == nil {
		required = []domain.Role{}
	}
	docs := in.Documents
	if docs == nil {
		docs = domain.DocumentSet{}
	}

	d, err := canonical.Digest(digestView{
		Documents:   docs,
		ProcedureID: in.Requirements.ProcedureID,
		Required:    required,
		Known:       in.Requirements.Known,
		PriorFlag:   in.PriorFlag,
		EntityID:    in.EntityID,
	})
	if err != nil {
		return "", fmt.Errorf("input digest: %w", err)
	}
	return d, nil
}

// CopyAssessment returns a deep copy of a.
func CopyAssessment(a *domain.RiskAssessment) domain.RiskAssessment {
	out := *a
	out.Factors = make([]domain.Finding, len(a.Factors))
	for i, f := range a.Factors {
		f.Evidence = f.Evidence.Clone()
		out.Factors[i] = f
	}
	if a.MinConfidence != nil {
		v := *a.MinConfidence
		out.MinConfidence = &v
	}
	return out
}

// SnapshotDocuments copies every present document in canonical role order.
func SnapshotDocuments(docs domain.DocumentSet) []domain.DocumentSnapshot {
	out := make([]domain.DocumentSnapshot, 0, len(docs))
	for _, role := range docs.PresentRoles() {
		doc := docs[role]
		out = append(out, domain.DocumentSnapshot{
			Role:       role,
			DocID:      doc.DocID,
			Confidence: doc.Confidence,
			Fields:     doc.Fields.Clone(),
		})
	}
	return out
}

// Verification is the outcome of re-checking a stored record.
type Verification struct {
	RecordID   string `json:"recordId"`
	Valid      bool   `json:"valid"`
	Stored     string `json:"storedDigest"`
	Recomputed string `json:"recomputedDigest"`
	Reason     string `json:"reason,omitempty"`
}

// Verify recomputes the assessment digest of rec and checks that the
// record's rule version matches the one inside the assessment.
func Verify(rec *domain.AuditRecord) (*Verification, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is required")
	}
	d, err := canonical.Digest(rec.Assessment)
	if err != nil {
		return nil, fmt.Errorf("assessment digest: %w", err)
	}

	v := &Verification{RecordID: rec.ID, Stored: rec.AssessmentDigest, Recomputed: d, Valid: true}
	switch {
	case d != rec.AssessmentDigest:
		v.Valid = false
		v.Reason = "assessment digest mismatch"
	case rec.RuleVersion != rec.Assessment.RuleVersion:
		v.Valid = false
		v.Reason = "rule version mismatch"
	}
	return v, nil
}
