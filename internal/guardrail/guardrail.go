// Package guardrail checks that numbers quoted in a downstream explanation
// can be traced back to the assessment they explain.
package guardrail

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/clearance/internal/domain"
)

// DefaultTolerance is the relative difference under which two numbers match.
const DefaultTolerance = 0.01

// Placeholder replaces untraceable numbers in sanitized text.
const Placeholder = "[VALUE]"

// numberPattern matches integers and decimals with optional thousands
// separators.
var numberPattern = regexp.MustCompile(`\d+(?:,\d{3})*(?:\.\d+)?`)

// Allowed is the set of values an explanation may quote.
type Allowed struct {
	Numbers []float64 `json:"numbers"`

	// Literals are evidence values that contain digits but are not numbers,
	// such as dates, shipment identifiers and HS codes. They may appear
	// verbatim.
	Literals []string `json:"literals,omitempty"`
}

// FromAssessment collects the score, every points value, the threshold
// bounds, the score range, the rule version and all evidence values.
func FromAssessment(a *domain.RiskAssessment, th domain.Thresholds) Allowed {
	nums := []float64{0, 100, float64(a.Score), float64(th.Low), float64(th.Medium), float64(th.High)}
	literals := make(map[string]bool)

	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || !strings.ContainsAny(v, "0123456789") {
			return
		}
		if n, ok := parseNumber(v); ok {
			nums = append(nums, n)
			return
		}
		literals[v] = true
	}

	add(a.RuleVersion)
	for _, f := range a.Factors {
		nums = append(nums, float64(f.PointsAdded))
		for _, it := range f.Evidence.Items {
			add(it.Value)
		}
		for _, v := range f.Evidence.Facts {
			add(v)
		}
	}
	if a.MinConfidence != nil {
		nums = append(nums, *a.MinConfidence)
	}

	out := Allowed{Numbers: nums}
	for l := range literals {
		out.Literals = append(out.Literals, l)
	}
	// Longest first so an identifier is masked before any shorter literal
	// it contains.
	sort.Slice(out.Literals, func(i, j int) bool {
		if len(out.Literals[i]) != len(out.Literals[j]) {
			return len(out.Literals[i]) > len(out.Literals[j])
		}
		return out.Literals[i] < out.Literals[j]
	})
	return out
}

// Discrepancy is a number in the text that matches nothing allowed.
type Discrepancy struct {
	Text   string  `json:"text"`
	Number float64 `json:"number"`
	Offset int     `json:"offset"`
}

// Result reports the outcome of a check.
type Result struct {
	Valid         bool          `json:"valid"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Sanitized     string        `json:"sanitized"`
}

// Checker verifies explanation text against an allowed set.
type Checker struct {
	Tolerance float64
}

// NewChecker creates a checker. A non-positive tolerance selects
// DefaultTolerance.
func NewChecker(tolerance float64) *Checker {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Checker{Tolerance: tolerance}
}

// Check finds every number in text that is neither close to an allowed
// number nor part of an allowed literal, and returns the text with those
// numbers replaced by Placeholder.
func (c *Checker) Check(text string, allowed Allowed) Result {
	masked := maskLiterals(text, allowed.Literals)

	res := Result{Discrepancies: []Discrepancy{}}
	var b strings.Builder
	last := 0
	for _, loc := range numberPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if masked.covers(start, end) {
			continue
		}
		raw := text[start:end]
		n, ok := parseNumber(raw)
		if !ok || c.allowed(n, allowed.Numbers) {
			continue
		}
		res.Discrepancies = append(res.Discrepancies, Discrepancy{Text: raw, Number: n, Offset: start})
		b.WriteString(text[last:start])
		b.WriteString(Placeholder)
		last = end
	}
	b.WriteString(text[last:])

	res.Valid = len(res.Discrepancies) == 0
	res.Sanitized = b.String()
	return res
}

func (c *Checker) allowed(n float64, nums []float64) bool {
	for _, a := range nums {
		if Close(n, a, c.Tolerance) {
			return true
		}
	}
	return false
}

// Close reports whether a and b differ by at most tol relative to the larger.
func Close(a, b, tol float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= math.Max(math.Abs(a), math.Abs(b))*tol
}

func parseNumber(s string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

type spans [][2]int

func (s spans) covers(start, end int) bool {
	for _, sp := range s {
		if start < sp[1] && end > sp[0] {
			return true
		}
	}
	return false
}

// maskLiterals returns the byte ranges of text occupied by allowed literals.
func maskLiterals(text string, literals []string) spans {
	var out spans
	for _, lit := range literals {
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], lit)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(lit)
			if !out.covers(start, end) {
				out = append(out, [2]int{start, end})
			}
			from = end
		}
	}
	return out
}
