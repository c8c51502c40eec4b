package domain

import (
	"time"
)

// Level is the severity bucket derived from a score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Confidence is the extraction confidence bucket of an assessment.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// EvidenceItem is one field value that a rule inspected.
type EvidenceItem struct {
	Role  Role   `json:"role,omitempty"`
	DocID string `json:"docId,omitempty"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// Evidence holds the values and derived facts behind a finding.
type Evidence struct {
	Items []EvidenceItem    `json:"items"`
	Facts map[string]string `json:"facts,omitempty"`
}

// Clone returns a deep copy of e.
func (e Evidence) Clone() Evidence {
	out := Evidence{Items: append([]EvidenceItem(nil), e.Items...)}
	if e.Facts != nil {
		out.Facts = make(map[string]string, len(e.Facts))
		for k, v := range e.Facts {
			out.Facts[k] = v
		}
	}
	return out
}

// Finding is the output of one fired rule.
type Finding struct {
	RuleID      string   `json:"ruleId"`
	Severity    Severity `json:"severity"`
	PointsAdded int      `json:"pointsAdded"`
	Message     string   `json:"message"`
	Evidence    Evidence `json:"evidence"`
	Passed      bool     `json:"passed"`
}

// RiskAssessment is the result of one scoring run.
type RiskAssessment struct {
	Score          int        `json:"score"`
	Level          Level      `json:"level"`
	Factors        []Finding  `json:"factors"`
	Confidence     Confidence `json:"confidence"`
	MinConfidence  *float64   `json:"minConfidence,omitempty"`
	RuleVersion    string     `json:"ruleVersion"`
	ReviewRequired bool       `json:"reviewRequired"`
}

// DocumentSnapshot records which document filled a role at assessment time.
type DocumentSnapshot struct {
	Role       Role    `json:"role"`
	DocID      string  `json:"docId"`
	Confidence float64 `json:"confidence"`
	Fields     Fields  `json:"fields"`
}

// AuditRecord wraps an assessment with everything needed to verify it later.
type AuditRecord struct {
	ID               string             `json:"id"`
	TenantID         string             `json:"tenantId"`
	ProcedureID      string             `json:"procedureId,omitempty"`
	EntityID         string             `json:"entityId,omitempty"`
	GeneratedAt      time.Time          `json:"generatedAt"`
	RuleVersion      string             `json:"ruleVersion"`
	RulebookDigest   string             `json:"rulebookDigest"`
	InputDigest      string             `json:"inputDigest"`
	AssessmentDigest string             `json:"assessmentDigest"`
	Assessment       RiskAssessment     `json:"assessment"`
	Documents        []DocumentSnapshot `json:"documents"`
	Disclaimer       string             `json:"disclaimer"`
}

// AssessmentFilter narrows ListAssessments results.
type AssessmentFilter struct {
	Level          Level
	ReviewRequired *bool
	ProcedureID    string
	Limit          int
}

// ComplianceFlag is an externally maintained marker on a trading entity.
type ComplianceFlag struct {
	TenantID  string    `json:"tenantId"`
	EntityID  string    `json:"entityId"`
	Flagged   bool      `json:"flagged"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Disclaimer is attached to every audit record.
const Disclaimer = "Automated consistency assessment. It does not constitute a legal determination; findings require officer review."
