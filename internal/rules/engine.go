// Package rules provides the document consistency rules and the engine that
// evaluates them.
package rules

import (
	"github.com/opensource-finance/clearance/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Engine evaluates compiled rules against one assessment input.
// It holds no per-call state and may be shared between goroutines.
type Engine struct {
	maxWorkers int
}

// NewEngine creates a rule engine that runs at most maxWorkers rules at once.
func NewEngine(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Engine{maxWorkers: maxWorkers}
}

// Evaluate runs every rule and returns the fired findings. Findings are
// ordered by rule position, then by the order each rule emitted them,
// regardless of which rule finished first.
func (e *Engine) Evaluate(rs []*Rule, in *domain.AssessmentInput) []domain.Finding {
	perRule := e.run(rs, in)

	var out []domain.Finding
	for _, fs := range perRule {
		out = append(out, fs...)
	}
	return out
}

// Checklist reports every rule: fired findings as produced by Evaluate and
// a passed entry for each rule that stayed silent.
func (e *Engine) Checklist(rs []*Rule, in *domain.AssessmentInput) []domain.Finding {
	perRule := e.run(rs, in)

	out := make([]domain.Finding, 0, len(rs))
	for i, fs := range perRule {
		if len(fs) == 0 {
			out = append(out, rs[i].pass())
			continue
		}
		out = append(out, fs...)
	}
	return out
}

// run evaluates rules in parallel, writing each result to its own slot.
func (e *Engine) run(rs []*Rule, in *domain.AssessmentInput) [][]domain.Finding {
	perRule := make([][]domain.Finding, len(rs))
	if len(rs) == 0 {
		return perRule
	}

	var g errgroup.Group
	g.SetLimit(e.maxWorkers)
	for i, r := range rs {
		g.Go(func() error {
			perRule[i] = r.Check(in)
			return nil
		})
	}
	_ = g.Wait()

	return perRule
}
