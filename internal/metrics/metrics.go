// Package metrics exposes Prometheus instrumentation for assessments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the assessment pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Assessments by level and review flag
	Assessments *prometheus.CounterVec

	// Fired findings by rule
	FindingsFired *prometheus.CounterVec

	// Requests rejected before scoring, by reason
	Rejected *prometheus.CounterVec

	// Cache lookups by result
	CacheLookups *prometheus.CounterVec

	// Distribution of clamped scores
	Scores prometheus.Histogram

	// Full assessment latency including persistence
	AssessLatency prometheus.Histogram

	// Rule evaluation plus scoring latency
	EvaluateLatency prometheus.Histogram

	// Active rulebook, one series per loaded version
	RulebookInfo *prometheus.GaugeVec
}

// New registers all assessment metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Assessments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_assessments_total",
			Help: "Total assessments produced by level and review flag",
		}, []string{"level", "review_required"}),

		FindingsFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_findings_total",
			Help: "Total fired findings by rule",
		}, []string{"rule_id"}),

		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_rejected_total",
			Help: "Assessment requests rejected before scoring",
		}, []string{"reason"}), // reason: "input", "rate_limit"

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_cache_lookups_total",
			Help: "Assessment cache lookups by result",
		}, []string{"result"}), // result: "hit", "miss", "error"

		Scores: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearance_assessment_score",
			Help:    "Distribution of clamped risk scores",
			Buckets: []float64{0, 10, 25, 40, 50, 60, 75, 90, 100},
		}),

		AssessLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearance_assess_duration_seconds",
			Help:    "Duration of a full assessment including persistence",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		EvaluateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearance_evaluate_duration_seconds",
			Help:    "Duration of rule evaluation and scoring",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),

		RulebookInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearance_rulebook_info",
			Help: "Active rulebook version and digest (value is always 1)",
		}, []string{"version", "digest"}),
	}
}

// ObserveAssessment records one produced assessment and its fired rules.
func (m *Metrics) ObserveAssessment(level string, reviewRequired bool, score int, ruleIDs []string) {
	if m == nil {
		return
	}
	review := "false"
	if reviewRequired {
		review = "true"
	}
	m.Assessments.WithLabelValues(level, review).Inc()
	m.Scores.Observe(float64(score))
	for _, id := range ruleIDs {
		m.FindingsFired.WithLabelValues(id).Inc()
	}
}

// IncrementRejected records a request rejected before scoring.
func (m *Metrics) IncrementRejected(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}

// IncrementCacheLookup records a cache hit, miss or error.
func (m *Metrics) IncrementCacheLookup(result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

// ObserveAssessLatency records the duration of a full assessment.
func (m *Metrics) ObserveAssessLatency(d time.Duration) {
	if m != nil {
		m.AssessLatency.Observe(d.Seconds())
	}
}

// ObserveEvaluateLatency records the duration of evaluation and scoring.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// SetRulebook marks version as the active rulebook.
func (m *Metrics) SetRulebook(version, digest string) {
	if m == nil {
		return
	}
	m.RulebookInfo.Reset()
	m.RulebookInfo.WithLabelValues(version, digest).Set(1)
}
