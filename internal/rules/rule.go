package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/clearance/internal/domain"
)

// DefaultTolerance is the relative difference allowed between invoice total
// and declared value when a rule does not set one.
const DefaultTolerance = 0.10

// Definition is a rule as written in the rulebook.
type Definition struct {
	ID          string          `yaml:"id" json:"id"`
	Kind        domain.RuleKind `yaml:"kind" json:"kind"`
	Severity    domain.Severity `yaml:"severity" json:"severity"`
	Points      int             `yaml:"points" json:"points"`
	Description string          `yaml:"description" json:"description"`
	Enabled     *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Params      Params          `yaml:"params,omitempty" json:"params,omitempty"`
	Expression  string          `yaml:"expression,omitempty" json:"expression,omitempty"`
	Inputs      []string        `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Params holds kind-specific settings.
type Params struct {
	Tolerance *float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
}

// RelativeTolerance is the configured tolerance, or DefaultTolerance when the
// rulebook leaves it out.
func (p Params) RelativeTolerance() float64 {
	if p.Tolerance == nil {
		return DefaultTolerance
	}
	return *p.Tolerance
}

// IsEnabled reports whether the rule participates in evaluation.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Rule is a compiled, immutable rule ready for evaluation.
type Rule struct {
	Definition

	check   checkFunc
	program cel.Program
	inputs  []fieldRef
}

// checkFunc runs one rule against an input and returns its fired findings.
type checkFunc func(r *Rule, in *domain.AssessmentInput) []domain.Finding

// Check evaluates the rule. It never mutates in.
func (r *Rule) Check(in *domain.AssessmentInput) []domain.Finding {
	return r.check(r, in)
}

// Compile validates a definition and binds it to its checker.
func Compile(def Definition) (*Rule, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if def.Points < 0 {
		return nil, fmt.Errorf("rule %s: points must be non-negative, got %d", def.ID, def.Points)
	}
	if !def.Severity.Valid() {
		return nil, fmt.Errorf("rule %s: unknown severity %q", def.ID, def.Severity)
	}

	r := &Rule{Definition: def}

	if def.Kind == domain.KindExpression {
		if err := compileExpression(r); err != nil {
			return nil, err
		}
		return r, nil
	}

	check, ok := builtins[def.Kind]
	if !ok {
		return nil, fmt.Errorf("rule %s: unknown kind %q", def.ID, def.Kind)
	}
	if def.Kind == domain.KindInvoiceDeclaredMismatch && def.Params.Tolerance != nil {
		if tol := *def.Params.Tolerance; !(tol > 0 && tol < 1) {
			return nil, fmt.Errorf("rule %s: tolerance must be within (0,1), got %v", def.ID, tol)
		}
	}
	r.check = check
	return r, nil
}

// fire builds a finding for r with the message rendered from the evidence facts.
func (r *Rule) fire(ev domain.Evidence) domain.Finding {
	return domain.Finding{
		RuleID:      r.ID,
		Severity:    r.Severity,
		PointsAdded: r.Points,
		Message:     render(r.Description, ev.Facts),
		Evidence:    ev,
		Passed:      false,
	}
}

// PassedMessage is the checklist message of a rule that did not fire.
const PassedMessage = "no issue found"

// pass builds the checklist entry for a rule that did not fire.
func (r *Rule) pass() domain.Finding {
	return domain.Finding{
		RuleID:   r.ID,
		Severity: r.Severity,
		Message:  PassedMessage,
		Evidence: domain.Evidence{Items: []domain.EvidenceItem{}},
		Passed:   true,
	}
}

// render substitutes {key} placeholders with fact values.
// Unknown placeholders are left as written.
func render(tmpl string, facts map[string]string) string {
	if len(facts) == 0 {
		return tmpl
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", facts[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
