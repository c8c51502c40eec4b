package assessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/clearance/internal/audit"
	"github.com/opensource-finance/clearance/internal/bus"
	"github.com/opensource-finance/clearance/internal/compliance"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/metrics"
	"github.com/opensource-finance/clearance/internal/procedure"
	"github.com/opensource-finance/clearance/internal/registry"
	"github.com/opensource-finance/clearance/internal/rules"
)

var tracer = otel.Tracer("clearance-assessor")

// DefaultResultTTL is how long a computed assessment stays cached.
const DefaultResultTTL = 10 * time.Minute

// Service wraps the pure pipeline with caching, persistence, compliance
// lookups, events and archiving. Every dependency except the registry
// holder is optional.
type Service struct {
	holder    *registry.Holder
	catalog   *procedure.Catalog
	engine    *rules.Engine
	assembler *audit.Assembler

	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	flags     *compliance.Service
	archive   domain.Archive
	metrics   *metrics.Metrics
	resultTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithRepository persists every audit record and rulebook snapshot.
func WithRepository(repo domain.Repository) Option {
	return func(s *Service) { s.repo = repo }
}

// WithCache caches assessments by rule version and input digest.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.resultTTL = ttl
		}
	}
}

// WithEventBus publishes completion and review events.
func WithEventBus(b domain.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithCompliance resolves prior flags for requests that do not carry one.
func WithCompliance(c *compliance.Service) Option {
	return func(s *Service) { s.flags = c }
}

// WithArchive copies every record to write-once storage.
func WithArchive(a domain.Archive) Option {
	return func(s *Service) { s.archive = a }
}

// WithMetrics records assessment metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEngine replaces the default rule engine.
func WithEngine(e *rules.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithAssembler replaces the default audit assembler.
func WithAssembler(a *audit.Assembler) Option {
	return func(s *Service) { s.assembler = a }
}

// NewService creates a service serving the registry held by holder.
func NewService(holder *registry.Holder, catalog *procedure.Catalog, opts ...Option) *Service {
	s := &Service{
		holder:    holder,
		catalog:   catalog,
		engine:    rules.NewEngine(0),
		assembler: audit.NewAssembler(),
		resultTTL: DefaultResultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if reg := holder.Current(); reg != nil {
		s.metrics.SetRulebook(reg.Version(), reg.Digest())
	}
	return s
}

// Registry returns the registry currently in use.
func (s *Service) Registry() *registry.Registry {
	return s.holder.Current()
}

// Catalog returns the procedure catalog.
func (s *Service) Catalog() *procedure.Catalog {
	return s.catalog
}

// Compliance returns the compliance service, or nil.
func (s *Service) Compliance() *compliance.Service {
	return s.flags
}

// Assess builds, evaluates, records and announces one assessment.
func (s *Service) Assess(ctx context.Context, tenantID string, req *Request) (*domain.AuditRecord, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "assessor.Assess",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	reg := s.holder.Current()
	span.SetAttributes(attribute.String("rule.version", reg.Version()))

	in, err := BuildInput(s.catalog, req)
	if err != nil {
		return nil, s.reject(span, err)
	}
	if req.PriorFlag == nil {
		in.PriorFlag = s.priorFlag(ctx, tenantID, in.EntityID)
	}
	if err := in.Validate(); err != nil {
		return nil, s.reject(span, err)
	}

	inputDigest, err := audit.InputDigest(in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	key := domain.AssessmentCacheKey(reg.Version(), inputDigest)

	assessment := s.cached(ctx, tenantID, key)
	if assessment == nil {
		evalStart := time.Now()
		assessment, err = Evaluate(reg, s.engine, in)
		if err != nil {
			return nil, s.reject(span, err)
		}
		s.metrics.ObserveEvaluateLatency(time.Since(evalStart))

		if s.cache != nil {
			if err := s.cache.SetAssessment(ctx, tenantID, key, assessment, s.resultTTL); err != nil {
				slog.Warn("failed to cache assessment", "tenant_id", tenantID, "error", err)
			}
		}
	}

	rec, err := s.assembler.Assemble(tenantID, in, assessment, reg)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to assemble audit record: %w", err)
	}

	if s.repo != nil {
		if err := s.repo.SaveAssessment(ctx, tenantID, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persistence failed")
			return nil, fmt.Errorf("failed to save assessment: %w", err)
		}
	}

	if s.archive != nil {
		if loc, err := s.archive.Put(ctx, rec); err != nil {
			slog.Error("failed to archive assessment", "tenant_id", tenantID, "assessment_id", rec.ID, "error", err)
		} else {
			slog.Debug("assessment archived", "assessment_id", rec.ID, "location", loc)
		}
	}

	if s.bus != nil {
		if err := bus.PublishAssessment(ctx, s.bus, rec); err != nil {
			slog.Warn("failed to publish assessment", "tenant_id", tenantID, "assessment_id", rec.ID, "error", err)
		}
	}

	ruleIDs := make([]string, 0, len(rec.Assessment.Factors))
	for _, f := range rec.Assessment.Factors {
		ruleIDs = append(ruleIDs, f.RuleID)
	}
	s.metrics.ObserveAssessment(string(rec.Assessment.Level), rec.Assessment.ReviewRequired, rec.Assessment.Score, ruleIDs)
	s.metrics.ObserveAssessLatency(time.Since(start))

	span.SetAttributes(
		attribute.String("assessment.id", rec.ID),
		attribute.Int("assessment.score", rec.Assessment.Score),
		attribute.String("assessment.level", string(rec.Assessment.Level)),
		attribute.Bool("assessment.review_required", rec.Assessment.ReviewRequired),
	)

	slog.Info("assessment completed",
		"tenant_id", tenantID,
		"assessment_id", rec.ID,
		"procedure_id", rec.ProcedureID,
		"score", rec.Assessment.Score,
		"level", rec.Assessment.Level,
		"review_required", rec.Assessment.ReviewRequired,
		"rule_version", rec.RuleVersion,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return rec, nil
}

// Checklist reports every enabled rule for the request without recording
// anything.
func (s *Service) Checklist(ctx context.Context, tenantID string, req *Request) ([]domain.Finding, error) {
	in, err := BuildInput(s.catalog, req)
	if err != nil {
		return nil, err
	}
	if req.PriorFlag == nil {
		in.PriorFlag = s.priorFlag(ctx, tenantID, in.EntityID)
	}
	return Checklist(s.holder.Current(), s.engine, in)
}

func (s *Service) reject(span trace.Span, err error) error {
	var inputErr *domain.InputError
	if errors.As(err, &inputErr) {
		s.metrics.IncrementRejected("input")
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid input")
	return err
}

// priorFlag looks up the stored flag. Failures count as no flag.
func (s *Service) priorFlag(ctx context.Context, tenantID, entityID string) bool {
	if s.flags == nil || entityID == "" {
		return false
	}
	flagged, err := s.flags.PriorFlag(ctx, tenantID, entityID)
	if err != nil {
		slog.Warn("compliance lookup failed, assuming no prior flag",
			"tenant_id", tenantID,
			"entity_id", entityID,
			"error", err,
		)
		return false
	}
	return flagged
}

func (s *Service) cached(ctx context.Context, tenantID, key string) *domain.RiskAssessment {
	if s.cache == nil {
		return nil
	}
	a, err := s.cache.GetAssessment(ctx, tenantID, key)
	switch {
	case err != nil:
		s.metrics.IncrementCacheLookup("error")
		slog.Warn("assessment cache lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	case a == nil:
		s.metrics.IncrementCacheLookup("miss")
		return nil
	default:
		s.metrics.IncrementCacheLookup("hit")
		return a
	}
}

// RecordRulebook stores a snapshot of the current rulebook.
func (s *Service) RecordRulebook(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.SaveRulebook(ctx, s.holder.Current().Snapshot(time.Now()))
}

// Reload loads the rulebook at path and makes it current. The new rulebook
// must carry a higher version, or the same version with identical content.
// An empty path reloads the embedded default.
func (s *Service) Reload(ctx context.Context, path string) (*registry.Registry, error) {
	next, err := registry.LoadFile(path)
	if err != nil {
		return nil, err
	}

	if err := s.holder.CanSwap(next); err != nil {
		return nil, err
	}
	if s.repo != nil {
		if err := s.repo.SaveRulebook(ctx, next.Snapshot(time.Now())); err != nil {
			return nil, fmt.Errorf("failed to record rulebook %s: %w", next.Version(), err)
		}
	}

	prev, err := s.holder.Swap(next)
	if err != nil {
		return nil, err
	}

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}

	s.metrics.SetRulebook(next.Version(), next.Digest())
	slog.Info("rulebook reloaded",
		"previous_version", prevVersion,
		"rule_version", next.Version(),
		"rulebook_digest", next.Digest(),
		"source", next.Source(),
	)
	return next, nil
}
