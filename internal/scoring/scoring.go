// Package scoring reduces fired findings into a bounded risk score, a level,
// a confidence bucket and the review flag.
package scoring

import (
	"github.com/opensource-finance/clearance/internal/domain"
)

// Score bounds. Sums above MaxScore are clamped, not scaled.
const (
	MinScore = 0
	MaxScore = 100
)

// Processor aggregates findings into a RiskAssessment.
type Processor struct {
	Thresholds domain.Thresholds
	Bands      domain.ConfidenceBands
}

// NewProcessor creates a processor for one threshold table and band set.
func NewProcessor(th domain.Thresholds, bands domain.ConfidenceBands) *Processor {
	return &Processor{Thresholds: th, Bands: bands}
}

// DecisionInput contains all data needed for one scoring run.
type DecisionInput struct {
	Findings    []domain.Finding
	Documents   domain.DocumentSet
	RuleVersion string
}

// AggregateResult holds the raw totals before clamping.
type AggregateResult struct {
	RawPoints        int
	FindingsFired    int
	HasCriticalFired bool
}

// Process produces a new assessment. Passed checklist entries carry no
// points and are not included in the factors.
func (p *Processor) Process(input *DecisionInput) *domain.RiskAssessment {
	factors := make([]domain.Finding, 0, len(input.Findings))
	for _, f := range input.Findings {
		if f.Passed {
			continue
		}
		f.Evidence = f.Evidence.Clone()
		factors = append(factors, f)
	}

	agg := aggregate(factors)
	score := Clamp(agg.RawPoints)
	level := LevelFor(score, p.Thresholds)

	minConf, hasConf := MinConfidence(factors, input.Documents)
	confidence := domain.ConfidenceHigh
	var minPtr *float64
	if hasConf {
		confidence = Bucket(minConf, p.Bands)
		minPtr = &minConf
	}

	return &domain.RiskAssessment{
		Score:          score,
		Level:          level,
		Factors:        factors,
		Confidence:     confidence,
		MinConfidence:  minPtr,
		RuleVersion:    input.RuleVersion,
		ReviewRequired: ReviewRequired(level, confidence, agg.HasCriticalFired),
	}
}

func aggregate(findings []domain.Finding) AggregateResult {
	var agg AggregateResult
	for _, f := range findings {
		agg.RawPoints += f.PointsAdded
		agg.FindingsFired++
		if f.Severity == domain.SeverityCritical {
			agg.HasCriticalFired = true
		}
	}
	return agg
}

// Clamp bounds a point sum to [MinScore, MaxScore].
func Clamp(points int) int {
	if points < MinScore {
		return MinScore
	}
	if points > MaxScore {
		return MaxScore
	}
	return points
}

// LevelFor maps a clamped score onto closed-open threshold intervals:
// [0,low) LOW, [low,medium) MEDIUM, [medium,high) HIGH, [high,100] CRITICAL.
func LevelFor(score int, th domain.Thresholds) domain.Level {
	switch {
	case score < th.Low:
		return domain.LevelLow
	case score < th.Medium:
		return domain.LevelMedium
	case score < th.High:
		return domain.LevelHigh
	default:
		return domain.LevelCritical
	}
}

// Bucket maps a minimum extraction confidence onto the configured bands.
func Bucket(minConfidence float64, bands domain.ConfidenceBands) domain.Confidence {
	switch {
	case minConfidence >= bands.High:
		return domain.ConfidenceHigh
	case minConfidence >= bands.Medium:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// MinConfidence returns the lowest extraction confidence among documents
// referenced by the evidence of the given findings. ok is false when no
// document was referenced.
func MinConfidence(findings []domain.Finding, docs domain.DocumentSet) (lowest float64, ok bool) {
	for _, f := range findings {
		for _, it := range f.Evidence.Items {
			if it.DocID == "" {
				continue
			}
			doc, present := docs.Get(it.Role)
			if !present || doc.DocID != it.DocID {
				continue
			}
			if !ok || doc.Confidence < lowest {
				lowest = doc.Confidence
				ok = true
			}
		}
	}
	return lowest, ok
}

// ReviewRequired is true for HIGH or CRITICAL levels, any fired critical
// finding, or LOW confidence.
func ReviewRequired(level domain.Level, confidence domain.Confidence, criticalFired bool) bool {
	return level == domain.LevelHigh ||
		level == domain.LevelCritical ||
		criticalFired ||
		confidence == domain.ConfidenceLow
}

// GetReasons extracts the rendered messages of the contributing findings.
func GetReasons(a *domain.RiskAssessment) []string {
	reasons := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		if f.Message != "" {
			reasons = append(reasons, f.Message)
		}
	}
	return reasons
}
