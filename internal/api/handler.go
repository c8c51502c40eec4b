package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/clearance/internal/assessor"
	"github.com/opensource-finance/clearance/internal/audit"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/guardrail"
	"github.com/opensource-finance/clearance/internal/registry"
	"github.com/opensource-finance/clearance/internal/repository"
	"github.com/opensource-finance/clearance/internal/scoring"
)

// maxListLimit caps GET /assessments.
const maxListLimit = 500

// Handler holds dependencies for API handlers.
type Handler struct {
	svc          *assessor.Service
	repo         domain.Repository
	cache        domain.Cache
	checker      *guardrail.Checker
	rulebookPath string
	version      string
}

// NewHandler creates a new API handler. rulebookPath is the file reloaded by
// POST /rules/reload; empty reloads the embedded rulebook.
func NewHandler(svc *assessor.Service, repo domain.Repository, cache domain.Cache, rulebookPath, version string) *Handler {
	return &Handler{
		svc:          svc,
		repo:         repo,
		cache:        cache,
		checker:      guardrail.NewChecker(guardrail.DefaultTolerance),
		rulebookPath: rulebookPath,
		version:      version,
	}
}

// AssessResponse is the response for POST /assess.
type AssessResponse struct {
	*domain.AuditRecord
	Reasons  []string `json:"reasons"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Assess handles POST /assess requests.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req assessor.Request
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.svc.Assess(ctx, GetTenantID(ctx), &req)
	if err != nil {
		writeAssessError(w, err)
		return
	}

	resp := AssessResponse{AuditRecord: rec, Reasons: scoring.GetReasons(&rec.Assessment)}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Checklist handles POST /assess/checklist: every active rule with its
// outcome, including rules that passed.
func (h *Handler) Checklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req assessor.Request
	if !decodeBody(w, r, &req) {
		return
	}

	findings, err := h.svc.Checklist(ctx, GetTenantID(ctx), &req)
	if err != nil {
		writeAssessError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ruleVersion": h.svc.Registry().Version(),
		"checks":      findings,
		"count":       len(findings),
	})
}

// GetAssessment retrieves an audit record by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListAssessments returns the tenant's audit records, newest first.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireRepo(w) {
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	records, err := h.repo.ListAssessments(ctx, GetTenantID(ctx), filter)
	if err != nil {
		slog.Error("failed to list assessments", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list assessments",
		})
		return
	}
	if records == nil {
		records = []*domain.AuditRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": records,
		"count":       len(records),
	})
}

// VerifyAssessment recomputes the digests of a stored record.
func (h *Handler) VerifyAssessment(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	v, err := audit.Verify(rec)
	if err != nil {
		slog.Error("failed to verify assessment", "id", rec.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to verify assessment",
		})
		return
	}
	if !v.Valid {
		slog.Warn("assessment digest mismatch", "id", rec.ID, "reason", v.Reason)
	}

	writeJSON(w, http.StatusOK, v)
}

// ExplanationRequest is the request body for explanation verification.
type ExplanationRequest struct {
	Text string `json:"text"`
}

// VerifyExplanation checks that every number in a generated explanation is
// backed by the stored assessment.
func (h *Handler) VerifyExplanation(w http.ResponseWriter, r *http.Request) {
	var req ExplanationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "text is required",
		})
		return
	}

	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	th, err := h.thresholdsFor(r, rec)
	if err != nil {
		slog.Error("failed to resolve rulebook", "rule_version", rec.RuleVersion, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "rulebook " + rec.RuleVersion + " not available",
		})
		return
	}

	result := h.checker.Check(req.Text, guardrail.FromAssessment(&rec.Assessment, th))
	if !result.Valid {
		slog.Info("explanation rejected",
			"id", rec.ID,
			"discrepancies", len(result.Discrepancies),
		)
	}

	writeJSON(w, http.StatusOK, result)
}

// thresholdsFor returns the thresholds of the rulebook that produced rec.
func (h *Handler) thresholdsFor(r *http.Request, rec *domain.AuditRecord) (domain.Thresholds, error) {
	current := h.svc.Registry()
	if current.Version() == rec.RuleVersion {
		return current.Thresholds(), nil
	}
	if h.repo == nil {
		return domain.Thresholds{}, repository.ErrNotFound
	}
	snap, err := h.repo.GetRulebook(r.Context(), rec.RuleVersion)
	if err != nil {
		return domain.Thresholds{}, err
	}
	old, err := registry.Load("stored:"+snap.Version, snap.Source)
	if err != nil {
		return domain.Thresholds{}, err
	}
	return old.Thresholds(), nil
}

// ListRules returns the active rulebook.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	reg := h.svc.Registry()
	defs := reg.Definitions()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    reg.Version(),
		"digest":     reg.Digest(),
		"source":     reg.Source(),
		"thresholds": reg.Thresholds(),
		"confidence": reg.Confidence(),
		"rules":      defs,
		"count":      len(defs),
	})
}

// ReloadRules reloads the configured rulebook file.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	next, err := h.svc.Reload(ctx, h.rulebookPath)
	if err != nil {
		var cfgErr *domain.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": cfgErr.Error(),
			})
		case errors.Is(err, registry.ErrVersionConflict), errors.Is(err, repository.ErrInvalidInput):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("failed to reload rulebook", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to reload rulebook",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "reloaded",
		"version": next.Version(),
		"digest":  next.Digest(),
		"count":   len(next.Rules()),
	})
}

// ListProcedures returns the procedure catalog.
func (h *Handler) ListProcedures(w http.ResponseWriter, r *http.Request) {
	procs := h.svc.Catalog().List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"procedures": procs,
		"count":      len(procs),
	})
}

// GetProcedure returns one procedure.
func (h *Handler) GetProcedure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.svc.Catalog().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "procedure not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FlagRequest is the request body for PUT /entities/{id}/flag.
type FlagRequest struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"`
}

// SetEntityFlag records a prior compliance flag for an entity.
func (h *Handler) SetEntityFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flags := h.svc.Compliance()
	if flags == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "compliance store not available",
		})
		return
	}

	var req FlagRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flag := &domain.ComplianceFlag{
		EntityID: chi.URLParam(r, "id"),
		Flagged:  req.Flagged,
		Reason:   req.Reason,
	}
	if err := flags.SetFlag(ctx, GetTenantID(ctx), flag); err != nil {
		slog.Error("failed to set compliance flag", "entity_id", flag.EntityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to set compliance flag",
		})
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

// GetEntityFlag returns the stored compliance flag for an entity.
func (h *Handler) GetEntityFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flags := h.svc.Compliance()
	if flags == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "compliance store not available",
		})
		return
	}

	entityID := chi.URLParam(r, "id")
	flag, err := flags.GetFlag(ctx, GetTenantID(ctx), entityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no flag recorded for entity",
			})
			return
		}
		slog.Error("failed to get compliance flag", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get compliance flag",
		})
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

// Health returns service health and the active rulebook.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      status,
		"version":     h.version,
		"ruleVersion": h.svc.Registry().Version(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

func (h *Handler) loadRecord(w http.ResponseWriter, r *http.Request) (*domain.AuditRecord, bool) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return nil, false
	}
	if !h.requireRepo(w) {
		return nil, false
	}

	rec, err := h.repo.GetAssessment(ctx, GetTenantID(ctx), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "assessment not found",
			})
			return nil, false
		}
		slog.Error("failed to get assessment", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get assessment",
		})
		return nil, false
	}
	return rec, true
}

func parseFilter(r *http.Request) (domain.AssessmentFilter, error) {
	q := r.URL.Query()
	filter := domain.AssessmentFilter{
		ProcedureID: q.Get("procedureId"),
		Limit:       100,
	}

	if v := q.Get("level"); v != "" {
		level := domain.Level(strings.ToUpper(v))
		switch level {
		case domain.LevelLow, domain.LevelMedium, domain.LevelHigh, domain.LevelCritical:
			filter.Level = level
		default:
			return filter, errors.New("level must be one of LOW, MEDIUM, HIGH, CRITICAL")
		}
	}

	if v := q.Get("reviewRequired"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("reviewRequired must be a boolean")
		}
		filter.ReviewRequired = &b
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(n, maxListLimit)
	}

	return filter, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func writeAssessError(w http.ResponseWriter, err error) {
	var inErr *domain.InputError
	if errors.As(err, &inErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": inErr.Error(),
			"field": inErr.Field,
		})
		return
	}
	slog.Error("assessment failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "assessment failed",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
