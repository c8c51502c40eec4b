// Package assessor runs the validation and scoring pipeline for one set of
// extracted documents.
package assessor

import (
	"encoding/json"

	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/procedure"
	"github.com/opensource-finance/clearance/internal/registry"
	"github.com/opensource-finance/clearance/internal/rules"
	"github.com/opensource-finance/clearance/internal/scoring"
)

// CustomProcedure names requirements supplied inline with a request.
const CustomProcedure = "custom"

// Request is the wire form of an assessment request.
type Request struct {
	// Documents maps a role to its raw extraction record.
	Documents map[string]json.RawMessage `json:"documents"`

	// ProcedureID selects one procedure from the catalog.
	ProcedureID string `json:"procedureId,omitempty"`

	// ProcedureIDs lists candidate procedures when classification is
	// unresolved. Their requirements are merged.
	ProcedureIDs []string `json:"procedureIds,omitempty"`

	// RequiredRoles overrides the catalog with an explicit list.
	RequiredRoles []domain.Role `json:"requiredRoles,omitempty"`

	EntityID string `json:"entityId,omitempty"`

	// PriorFlag, when set, takes precedence over the stored compliance flag.
	PriorFlag *bool `json:"priorFlag,omitempty"`
}

// BuildInput decodes a request into an assessment input. The prior flag is
// taken from the request only; lookups are the caller's concern.
func BuildInput(catalog *procedure.Catalog, req *Request) (*domain.AssessmentInput, error) {
	if req == nil {
		return nil, &domain.InputError{Field: "request", Reason: "request is required"}
	}

	docs, err := domain.DecodeDocuments(req.Documents)
	if err != nil {
		return nil, err
	}

	reqs, err := requirements(catalog, req)
	if err != nil {
		return nil, err
	}

	in := &domain.AssessmentInput{
		Documents:    docs,
		Requirements: reqs,
		EntityID:     req.EntityID,
	}
	if req.PriorFlag != nil {
		in.PriorFlag = *req.PriorFlag
	}
	return in, nil
}

func requirements(catalog *procedure.Catalog, req *Request) (domain.ProcedureRequirements, error) {
	if req.RequiredRoles != nil {
		roles := append([]domain.Role(nil), req.RequiredRoles...)
		for _, r := range roles {
			if !r.Valid() {
				return domain.ProcedureRequirements{}, &domain.InputError{Field: "requiredRoles", Reason: "unrecognized role " + string(r)}
			}
		}
		domain.SortRoles(roles)
		id := req.ProcedureID
		if id == "" {
			id = CustomProcedure
		}
		return domain.ProcedureRequirements{ProcedureID: id, Required: compactRoles(roles), Known: true}, nil
	}

	ids := req.ProcedureIDs
	if req.ProcedureID != "" {
		ids = append([]string{req.ProcedureID}, ids...)
	}
	if len(ids) == 0 || catalog == nil {
		return domain.UnknownRequirements(), nil
	}
	return catalog.Resolve(ids...)
}

func compactRoles(sorted []domain.Role) []domain.Role {
	out := make([]domain.Role, 0, len(sorted))
	for i, r := range sorted {
		if i > 0 && sorted[i-1] == r {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Evaluate validates the input, runs every enabled rule of reg and scores the
// findings. It performs no I/O.
func Evaluate(reg *registry.Registry, engine *rules.Engine, in *domain.AssessmentInput) (*domain.RiskAssessment, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	findings := engine.Evaluate(reg.Rules(), in)
	p := scoring.NewProcessor(reg.Thresholds(), reg.Confidence())
	return p.Process(&scoring.DecisionInput{
		Findings:    findings,
		Documents:   in.Documents,
		RuleVersion: reg.Version(),
	}), nil
}

// Checklist reports every enabled rule, passed or fired, in registry order.
func Checklist(reg *registry.Registry, engine *rules.Engine, in *domain.AssessmentInput) ([]domain.Finding, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return engine.Checklist(reg.Rules(), in), nil
}
