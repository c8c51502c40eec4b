package rules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/clearance/internal/domain"
)

// Fields exposed to expression rules under each role variable.
var expressionFields = map[string]bool{
	"shipment_id":     true,
	"issue_date":      true,
	"total_value":     true,
	"declared_value":  true,
	"currency":        true,
	"hs_codes":        true,
	"conversion_note": true,
	"confidence":      true,
}

const priorFlagInput = "prior_flag"

// fieldRef names one input of an expression rule, e.g. invoice.total_value.
type fieldRef struct {
	role  domain.Role
	field string
}

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable("prior_flag", cel.BoolType),
		cel.Variable("entity_id", cel.StringType),
	}
	for _, role := range domain.Roles {
		opts = append(opts, cel.Variable(string(role), cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
})

func compileExpression(r *Rule) error {
	if strings.TrimSpace(r.Expression) == "" {
		return fmt.Errorf("rule %s: expression is required for kind %s", r.ID, domain.KindExpression)
	}
	if len(r.Inputs) == 0 {
		return fmt.Errorf("rule %s: expression rules must declare their inputs", r.ID)
	}

	refs := make([]fieldRef, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		ref, err := parseFieldRef(in)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		refs = append(refs, ref)
	}

	env, err := celEnv()
	if err != nil {
		return err
	}
	ast, issues := env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
	}

	r.program = program
	r.inputs = refs
	r.check = checkExpression
	return nil
}

func parseFieldRef(s string) (fieldRef, error) {
	if s == priorFlagInput {
		return fieldRef{field: priorFlagInput}, nil
	}
	role, field, ok := strings.Cut(s, ".")
	if !ok {
		return fieldRef{}, fmt.Errorf("input %q must be role.field or %s", s, priorFlagInput)
	}
	if !domain.Role(role).Valid() {
		return fieldRef{}, fmt.Errorf("input %q names unknown role %q", s, role)
	}
	if !expressionFields[field] {
		return fieldRef{}, fmt.Errorf("input %q names unknown field %q", s, field)
	}
	return fieldRef{role: domain.Role(role), field: field}, nil
}

// checkExpression fires when every declared input is present and the
// expression evaluates to true. Evaluation errors are treated as silence.
func checkExpression(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	items := make([]domain.EvidenceItem, 0, len(r.inputs))
	for _, ref := range r.inputs {
		if ref.field == priorFlagInput {
			items = append(items, domain.EvidenceItem{Field: priorFlagInput, Value: strconv.FormatBool(in.PriorFlag)})
			continue
		}
		doc, ok := in.Documents.Get(ref.role)
		if !ok {
			return nil
		}
		v, ok := fieldValue(doc, ref.field)
		if !ok {
			return nil
		}
		items = append(items, domain.EvidenceItem{Role: ref.role, DocID: doc.DocID, Field: ref.field, Value: v})
	}

	out, _, err := r.program.Eval(activation(in))
	if err != nil {
		return nil
	}
	fired, ok := out.(types.Bool)
	if !ok || !bool(fired) {
		return nil
	}
	return []domain.Finding{r.fire(domain.Evidence{
		Items: items,
		Facts: map[string]string{"expression": r.Expression},
	})}
}

func activation(in *domain.AssessmentInput) map[string]any {
	vars := map[string]any{
		"prior_flag": in.PriorFlag,
		"entity_id":  in.EntityID,
	}
	for _, role := range domain.Roles {
		m := map[string]any{}
		if doc, ok := in.Documents.Get(role); ok {
			f := doc.Fields
			m["confidence"] = doc.Confidence
			if f.ShipmentID != "" {
				m["shipment_id"] = f.ShipmentID
			}
			if f.IssueDate != nil {
				m["issue_date"] = *f.IssueDate
			}
			if f.TotalValue != nil {
				m["total_value"] = *f.TotalValue
			}
			if f.DeclaredValue != nil {
				m["declared_value"] = *f.DeclaredValue
			}
			if f.Currency != "" {
				m["currency"] = f.Currency
			}
			if len(f.HSCodes) > 0 {
				m["hs_codes"] = append([]string(nil), f.HSCodes...)
			}
			if f.ConversionNote != "" {
				m["conversion_note"] = f.ConversionNote
			}
		}
		vars[string(role)] = m
	}
	return vars
}

func fieldValue(doc domain.ExtractedDocument, field string) (string, bool) {
	f := doc.Fields
	switch field {
	case "shipment_id":
		return f.ShipmentID, f.ShipmentID != ""
	case "issue_date":
		if f.IssueDate == nil {
			return "", false
		}
		return f.IssueDate.Format("2006-01-02"), true
	case "total_value":
		if f.TotalValue == nil {
			return "", false
		}
		return formatAmount(*f.TotalValue), true
	case "declared_value":
		if f.DeclaredValue == nil {
			return "", false
		}
		return formatAmount(*f.DeclaredValue), true
	case "currency":
		return f.Currency, f.Currency != ""
	case "hs_codes":
		return strings.Join(f.HSCodes, ","), len(f.HSCodes) > 0
	case "conversion_note":
		return f.ConversionNote, f.ConversionNote != ""
	case "confidence":
		return strconv.FormatFloat(doc.Confidence, 'f', -1, 64), true
	}
	return "", false
}
