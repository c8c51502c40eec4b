package rules

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/clearance/internal/domain"
)

// builtins maps each built-in rule kind to its checker.
var builtins = map[domain.RuleKind]checkFunc{
	domain.KindMissingRequiredDoc:      checkMissingRequiredDoc,
	domain.KindShipmentIDInconsistency: checkShipmentID,
	domain.KindInvoiceDeclaredMismatch: checkInvoiceDeclared,
	domain.KindDateSequenceViolation:   checkDateSequence,
	domain.KindCurrencyMismatch:        checkCurrency,
	domain.KindHSCodeInconsistency:     checkHSCodes,
	domain.KindPriorFlagPresent:        checkPriorFlag,
}

// BuiltinKinds returns the kinds backed by a compiled checker, sorted.
func BuiltinKinds() []domain.RuleKind {
	kinds := make([]domain.RuleKind, 0, len(builtins))
	for k := range builtins {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// checkMissingRequiredDoc emits one finding per required role with no
// document, in canonical role order. Unknown requirements never fire.
func checkMissingRequiredDoc(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	if !in.Requirements.Known {
		return nil
	}

	seen := make(map[domain.Role]bool, len(in.Requirements.Required))
	required := make([]domain.Role, 0, len(in.Requirements.Required))
	for _, role := range in.Requirements.Required {
		if !seen[role] {
			seen[role] = true
			required = append(required, role)
		}
	}
	domain.SortRoles(required)

	var out []domain.Finding
	for _, role := range required {
		if _, ok := in.Documents.Get(role); ok {
			continue
		}
		out = append(out, r.fire(domain.Evidence{
			Items: []domain.EvidenceItem{{Role: role, Field: "document", Value: "missing"}},
			Facts: map[string]string{
				"role":      string(role),
				"procedure": in.Requirements.ProcedureID,
			},
		}))
	}
	return out
}

// checkShipmentID fires when two or more documents carry shipment
// identifiers that differ after normalization.
func checkShipmentID(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	var items []domain.EvidenceItem
	distinct := make(map[string]bool)
	for _, role := range in.Documents.PresentRoles() {
		doc := in.Documents[role]
		if !doc.Fields.HasShipmentID() {
			continue
		}
		items = append(items, domain.EvidenceItem{Role: role, DocID: doc.DocID, Field: "shipment_id", Value: doc.Fields.ShipmentID})
		distinct[NormalizeIdentifier(doc.Fields.ShipmentID)] = true
	}
	if len(items) < 2 || len(distinct) < 2 {
		return nil
	}

	values := make([]string, 0, len(items))
	for _, it := range items {
		values = append(values, string(it.Role)+"="+it.Value)
	}
	return []domain.Finding{r.fire(domain.Evidence{
		Items: items,
		Facts: map[string]string{
			"values":          strings.Join(values, ", "),
			"distinct_values": strconv.Itoa(len(distinct)),
		},
	})}
}

// checkInvoiceDeclared compares the invoice total with the declared value
// using the larger amount as denominator.
func checkInvoiceDeclared(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	inv, ok := in.Documents.Get(domain.RoleInvoice)
	if !ok || inv.Fields.TotalValue == nil {
		return nil
	}
	decl, ok := in.Documents.Get(domain.RoleDeclaration)
	if !ok {
		return nil
	}
	declared := decl.Fields.DeclaredValue
	declaredField := "declared_value"
	if declared == nil {
		declared = decl.Fields.TotalValue
		declaredField = "total_value"
	}
	if declared == nil {
		return nil
	}

	a, b := *inv.Fields.TotalValue, *declared
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return nil
	}
	diff := math.Abs(a-b) / denom
	tolerance := r.Params.RelativeTolerance()
	if diff <= tolerance {
		return nil
	}

	return []domain.Finding{r.fire(domain.Evidence{
		Items: []domain.EvidenceItem{
			{Role: domain.RoleInvoice, DocID: inv.DocID, Field: "total_value", Value: formatAmount(a)},
			{Role: domain.RoleDeclaration, DocID: decl.DocID, Field: declaredField, Value: formatAmount(b)},
		},
		Facts: map[string]string{
			"invoice_total":      formatAmount(a),
			"declared_value":     formatAmount(b),
			"difference_percent": strconv.FormatFloat(diff*100, 'f', 2, 64),
			"tolerance_percent":  strconv.FormatFloat(tolerance*100, 'f', 2, 64),
		},
	})}
}

// checkDateSequence enforces invoice <= bill of lading <= declaration over
// every pair of dates that is present.
func checkDateSequence(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	order := []domain.Role{domain.RoleInvoice, domain.RoleBillOfLading, domain.RoleDeclaration}

	type dated struct {
		role  domain.Role
		docID string
		at    time.Time
	}
	var present []dated
	for _, role := range order {
		doc, ok := in.Documents.Get(role)
		if !ok || doc.Fields.IssueDate == nil {
			continue
		}
		present = append(present, dated{role: role, docID: doc.DocID, at: *doc.Fields.IssueDate})
	}
	if len(present) < 2 {
		return nil
	}

	var violations []string
	for i := 0; i < len(present); i++ {
		for j := i + 1; j < len(present); j++ {
			if present[i].at.After(present[j].at) {
				violations = append(violations, string(present[i].role)+" after "+string(present[j].role))
			}
		}
	}
	if len(violations) == 0 {
		return nil
	}

	items := make([]domain.EvidenceItem, 0, len(present))
	for _, d := range present {
		items = append(items, domain.EvidenceItem{Role: d.role, DocID: d.docID, Field: "issue_date", Value: d.at.Format("2006-01-02")})
	}
	return []domain.Finding{r.fire(domain.Evidence{
		Items: items,
		Facts: map[string]string{"violations": strings.Join(violations, "; ")},
	})}
}

// checkCurrency fires when documents name more than one currency and none
// carries a conversion note.
func checkCurrency(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	var items []domain.EvidenceItem
	distinct := make(map[string]bool)
	for _, role := range in.Documents.PresentRoles() {
		doc := in.Documents[role]
		if doc.Fields.ConversionNote != "" {
			return nil
		}
		if !doc.Fields.HasCurrency() {
			continue
		}
		items = append(items, domain.EvidenceItem{Role: role, DocID: doc.DocID, Field: "currency", Value: doc.Fields.Currency})
		distinct[doc.Fields.Currency] = true
	}
	if len(distinct) < 2 {
		return nil
	}

	codes := make([]string, 0, len(distinct))
	for c := range distinct {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return []domain.Finding{r.fire(domain.Evidence{
		Items: items,
		Facts: map[string]string{"currencies": strings.Join(codes, ", ")},
	})}
}

// checkHSCodes fires when two or more documents carry HS code sets that
// differ after normalization.
func checkHSCodes(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	var items []domain.EvidenceItem
	sets := make(map[string]bool)
	for _, role := range in.Documents.PresentRoles() {
		doc := in.Documents[role]
		if !doc.Fields.HasHSCodes() {
			continue
		}
		codes := NormalizeHSCodes(doc.Fields.HSCodes)
		if len(codes) == 0 {
			continue
		}
		joined := strings.Join(codes, ",")
		items = append(items, domain.EvidenceItem{Role: role, DocID: doc.DocID, Field: "hs_codes", Value: joined})
		sets[joined] = true
	}
	if len(items) < 2 || len(sets) < 2 {
		return nil
	}

	values := make([]string, 0, len(items))
	for _, it := range items {
		values = append(values, string(it.Role)+"="+it.Value)
	}
	return []domain.Finding{r.fire(domain.Evidence{
		Items: items,
		Facts: map[string]string{"values": strings.Join(values, "; ")},
	})}
}

// checkPriorFlag fires when the entity carries a prior compliance flag.
func checkPriorFlag(r *Rule, in *domain.AssessmentInput) []domain.Finding {
	if !in.PriorFlag {
		return nil
	}
	entity := in.EntityID
	if entity == "" {
		entity = "unspecified"
	}
	return []domain.Finding{r.fire(domain.Evidence{
		Items: []domain.EvidenceItem{{Field: "prior_flag", Value: "true"}},
		Facts: map[string]string{"entity": entity},
	})}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
