package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/clearance/internal/domain"
)

// AssessmentEvent is published on TopicAssessmentCompleted and, when review
// is required, on TopicReviewRequired.
type AssessmentEvent struct {
	RecordID       string       `json:"recordId"`
	ProcedureID    string       `json:"procedureId,omitempty"`
	EntityID       string       `json:"entityId,omitempty"`
	Score          int          `json:"score"`
	Level          domain.Level `json:"level"`
	ReviewRequired bool         `json:"reviewRequired"`
	RuleVersion    string       `json:"ruleVersion"`
	RuleIDs        []string     `json:"ruleIds"`
}

// NewAssessmentEvent summarizes an audit record.
func NewAssessmentEvent(rec *domain.AuditRecord) AssessmentEvent {
	ids := make([]string, 0, len(rec.Assessment.Factors))
	for _, f := range rec.Assessment.Factors {
		ids = append(ids, f.RuleID)
	}
	return AssessmentEvent{
		RecordID:       rec.ID,
		ProcedureID:    rec.ProcedureID,
		EntityID:       rec.EntityID,
		Score:          rec.Assessment.Score,
		Level:          rec.Assessment.Level,
		ReviewRequired: rec.Assessment.ReviewRequired,
		RuleVersion:    rec.RuleVersion,
		RuleIDs:        ids,
	}
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// PublishAssessment announces a completed assessment, and a review request
// when the assessment needs one.
func PublishAssessment(ctx context.Context, b domain.EventBus, rec *domain.AuditRecord) error {
	ev := NewAssessmentEvent(rec)
	if err := PublishJSON(ctx, b, rec.TenantID, domain.TopicAssessmentCompleted, ev); err != nil {
		return err
	}
	if ev.ReviewRequired {
		return PublishJSON(ctx, b, rec.TenantID, domain.TopicReviewRequired, ev)
	}
	return nil
}
