package rules

import (
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/clearance/internal/domain"
)

func amount(v float64) *float64 { return &v }

func date(s string) *time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &d
}

func mustCompile(t *testing.T, def Definition) *Rule {
	t.Helper()
	r, err := Compile(def)
	if err != nil {
		t.Fatalf("failed to compile %s: %v", def.ID, err)
	}
	return r
}

func builtin(t *testing.T, kind domain.RuleKind, points int) *Rule {
	return mustCompile(t, Definition{
		ID:          string(kind),
		Kind:        kind,
		Severity:    domain.SeverityWarn,
		Points:      points,
		Description: string(kind),
	})
}

// cleanInput is a consistent import filing that no built-in rule fires on.
func cleanInput() *domain.AssessmentInput {
	return &domain.AssessmentInput{
		Documents: domain.DocumentSet{
			domain.RoleInvoice: {DocID: "inv-1", Confidence: 0.95, Fields: domain.Fields{
				ShipmentID: "CN-2024-12345", IssueDate: date("2024-03-01"), TotalValue: amount(50000), Currency: "USD", HSCodes: []string{"8471.30"},
			}},
			domain.RoleBillOfLading: {DocID: "bl-1", Confidence: 0.92, Fields: domain.Fields{
				ShipmentID: "CN-2024-12345", IssueDate: date("2024-03-05"),
			}},
			domain.RolePackingList: {DocID: "pl-1", Confidence: 0.9, Fields: domain.Fields{
				ShipmentID: "cn-2024-12345", HSCodes: []string{"847130"},
			}},
			domain.RoleDeclaration: {DocID: "dec-1", Confidence: 0.97, Fields: domain.Fields{
				ShipmentID: " CN-2024-12345", IssueDate: date("2024-03-10"), DeclaredValue: amount(50000), Currency: "USD",
			}},
		},
		Requirements: domain.ProcedureRequirements{
			ProcedureID: "import-regular",
			Required:    []domain.Role{domain.RoleInvoice, domain.RoleBillOfLading, domain.RolePackingList, domain.RoleDeclaration},
			Known:       true,
		},
	}
}

func allBuiltins(t *testing.T) []*Rule {
	points := map[domain.RuleKind]int{
		domain.KindMissingRequiredDoc:      15,
		domain.KindShipmentIDInconsistency: 20,
		domain.KindInvoiceDeclaredMismatch: 25,
		domain.KindDateSequenceViolation:   10,
		domain.KindCurrencyMismatch:        10,
		domain.KindHSCodeInconsistency:     15,
		domain.KindPriorFlagPresent:        30,
	}
	rs := make([]*Rule, 0, len(points))
	for _, k := range BuiltinKinds() {
		rs = append(rs, builtin(t, k, points[k]))
	}
	return rs
}

func TestCompile(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
		want string
	}{
		{"MissingID", Definition{Kind: domain.KindCurrencyMismatch, Severity: domain.SeverityWarn}, "id is required"},
		{"NegativePoints", Definition{ID: "x", Kind: domain.KindCurrencyMismatch, Severity: domain.SeverityWarn, Points: -1}, "non-negative"},
		{"UnknownSeverity", Definition{ID: "x", Kind: domain.KindCurrencyMismatch, Severity: "severe"}, "unknown severity"},
		{"UnknownKind", Definition{ID: "x", Kind: "weather_check", Severity: domain.SeverityWarn}, "unknown kind"},
		{"ToleranceOutOfRange", Definition{ID: "x", Kind: domain.KindInvoiceDeclaredMismatch, Severity: domain.SeverityHigh, Params: Params{Tolerance: amount(1.5)}}, "tolerance"},
		{"ZeroTolerance", Definition{ID: "x", Kind: domain.KindInvoiceDeclaredMismatch, Severity: domain.SeverityHigh, Params: Params{Tolerance: amount(0)}}, "tolerance"},
		{"ExpressionWithoutInputs", Definition{ID: "x", Kind: domain.KindExpression, Severity: domain.SeverityWarn, Expression: "prior_flag"}, "declare their inputs"},
		{"ExpressionNotBool", Definition{ID: "x", Kind: domain.KindExpression, Severity: domain.SeverityWarn, Expression: "invoice.total_value", Inputs: []string{"invoice.total_value"}}, "must return bool"},
		{"ExpressionUnknownField", Definition{ID: "x", Kind: domain.KindExpression, Severity: domain.SeverityWarn, Expression: "true", Inputs: []string{"invoice.weight"}}, "unknown field"},
		{"ExpressionInvalidSyntax", Definition{ID: "x", Kind: domain.KindExpression, Severity: domain.SeverityWarn, Expression: "this is not valid CEL !!!", Inputs: []string{"prior_flag"}}, "failed to compile"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.def)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	t.Run("DefaultTolerance", func(t *testing.T) {
		r := builtin(t, domain.KindInvoiceDeclaredMismatch, 25)
		if r.Params.Tolerance != nil {
			t.Errorf("compile must not rewrite an absent tolerance, got %v", *r.Params.Tolerance)
		}
		if got := r.Params.RelativeTolerance(); got != DefaultTolerance {
			t.Errorf("expected tolerance %v, got %v", DefaultTolerance, got)
		}
	})
}

func TestCleanInputIsSilent(t *testing.T) {
	engine := NewEngine(4)
	if got := engine.Evaluate(allBuiltins(t), cleanInput()); len(got) != 0 {
		t.Errorf("expected no findings, got %+v", got)
	}
}

func TestMissingRequiredDoc(t *testing.T) {
	r := builtin(t, domain.KindMissingRequiredDoc, 15)

	t.Run("OnePerMissingRoleInCanonicalOrder", func(t *testing.T) {
		in := cleanInput()
		delete(in.Documents, domain.RoleDeclaration)
		delete(in.Documents, domain.RoleBillOfLading)
		in.Requirements.Required = []domain.Role{domain.RoleDeclaration, domain.RoleInvoice, domain.RoleBillOfLading, domain.RoleDeclaration}

		got := r.Check(in)
		if len(got) != 2 {
			t.Fatalf("expected 2 findings, got %d", len(got))
		}
		if got[0].Evidence.Facts["role"] != "bill_of_lading" || got[1].Evidence.Facts["role"] != "declaration" {
			t.Errorf("unexpected order: %s, %s", got[0].Evidence.Facts["role"], got[1].Evidence.Facts["role"])
		}
		if got[0].PointsAdded != 15 {
			t.Errorf("expected 15 points per finding, got %d", got[0].PointsAdded)
		}
	})

	t.Run("UnknownProcedureNeverFires", func(t *testing.T) {
		in := &domain.AssessmentInput{Documents: domain.DocumentSet{}, Requirements: domain.UnknownRequirements()}
		if got := r.Check(in); len(got) != 0 {
			t.Errorf("expected no findings, got %d", len(got))
		}
	})
}

func TestShipmentIDInconsistency(t *testing.T) {
	r := builtin(t, domain.KindShipmentIDInconsistency, 20)

	t.Run("NormalizedEqual", func(t *testing.T) {
		if got := r.Check(cleanInput()); len(got) != 0 {
			t.Errorf("expected no findings, got %+v", got)
		}
	})

	t.Run("Different", func(t *testing.T) {
		in := cleanInput()
		bl := in.Documents[domain.RoleBillOfLading]
		bl.Fields.ShipmentID = "CN-2024-99999"
		in.Documents[domain.RoleBillOfLading] = bl

		got := r.Check(in)
		if len(got) != 1 {
			t.Fatalf("expected 1 finding, got %d", len(got))
		}
		if got[0].Evidence.Facts["distinct_values"] != "2" {
			t.Errorf("expected 2 distinct values, got %s", got[0].Evidence.Facts["distinct_values"])
		}
		if len(got[0].Evidence.Items) != 4 {
			t.Errorf("expected evidence from 4 documents, got %d", len(got[0].Evidence.Items))
		}
	})

	t.Run("SingleIdentifier", func(t *testing.T) {
		in := &domain.AssessmentInput{Documents: domain.DocumentSet{
			domain.RoleInvoice: {DocID: "inv-1", Fields: domain.Fields{ShipmentID: "A"}},
		}}
		if got := r.Check(in); len(got) != 0 {
			t.Errorf("expected no findings, got %d", len(got))
		}
	})
}

func TestInvoiceDeclaredMismatch(t *testing.T) {
	r := builtin(t, domain.KindInvoiceDeclaredMismatch, 25)

	withValues := func(invoice float64, declared *float64, declTotal *float64) *domain.AssessmentInput {
		in := cleanInput()
		inv := in.Documents[domain.RoleInvoice]
		inv.Fields.TotalValue = amount(invoice)
		in.Documents[domain.RoleInvoice] = inv
		dec := in.Documents[domain.RoleDeclaration]
		dec.Fields.DeclaredValue = declared
		dec.Fields.TotalValue = declTotal
		in.Documents[domain.RoleDeclaration] = dec
		return in
	}

	t.Run("ExactlyAtToleranceIsSilent", func(t *testing.T) {
		if got := r.Check(withValues(100000, amount(90000), nil)); len(got) != 0 {
			t.Errorf("expected no findings at 10%%, got %+v", got)
		}
	})

	t.Run("AboveToleranceFires", func(t *testing.T) {
		got := r.Check(withValues(80000, amount(50000), nil))
		if len(got) != 1 {
			t.Fatalf("expected 1 finding, got %d", len(got))
		}
		facts := got[0].Evidence.Facts
		if facts["difference_percent"] != "37.50" {
			t.Errorf("expected 37.50, got %s", facts["difference_percent"])
		}
		if facts["invoice_total"] != "80000.00" || facts["declared_value"] != "50000.00" {
			t.Errorf("unexpected facts: %v", facts)
		}
	})

	t.Run("FallsBackToDeclarationTotal", func(t *testing.T) {
		got := r.Check(withValues(80000, nil, amount(50000)))
		if len(got) != 1 {
			t.Fatalf("expected 1 finding, got %d", len(got))
		}
		if got[0].Evidence.Items[1].Field != "total_value" {
			t.Errorf("expected declaration total_value evidence, got %s", got[0].Evidence.Items[1].Field)
		}
	})

	t.Run("NoDeclaredAmount", func(t *testing.T) {
		if got := r.Check(withValues(80000, nil, nil)); len(got) != 0 {
			t.Errorf("expected no findings, got %d", len(got))
		}
	})

	t.Run("BothZero", func(t *testing.T) {
		if got := r.Check(withValues(0, amount(0), nil)); len(got) != 0 {
			t.Errorf("expected no findings, got %d", len(got))
		}
	})
}

func TestInvoiceDeclaredMismatchConfiguredTolerance(t *testing.T) {
	r := mustCompile(t, Definition{
		ID:          "value_gap",
		Kind:        domain.KindInvoiceDeclaredMismatch,
		Severity:    domain.SeverityHigh,
		Points:      25,
		Description: "gap of {difference_percent}% exceeds {tolerance_percent}%",
		Params:      Params{Tolerance: amount(0.5)},
	})

	in := cleanInput()
	inv := in.Documents[domain.RoleInvoice]
	inv.Fields.TotalValue = amount(80000)
	in.Documents[domain.RoleInvoice] = inv
	dec := in.Documents[domain.RoleDeclaration]
	dec.Fields.DeclaredValue = amount(50000)
	in.Documents[domain.RoleDeclaration] = dec

	if got := r.Check(in); len(got) != 0 {
		t.Errorf("37.5%% is within a 50%% tolerance, got %+v", got)
	}
}

func TestDateSequenceViolation(t *testing.T) {
	r := builtin(t, domain.KindDateSequenceViolation, 10)

	t.Run("InvoiceAfterBillOfLading", func(t *testing.T) {
		in := cleanInput()
		inv := in.Documents[domain.RoleInvoice]
		inv.Fields.IssueDate = date("2024-03-07")
		in.Documents[domain.RoleInvoice] = inv

		got := r.Check(in)
		if len(got) != 1 {
			t.Fatalf("expected 1 finding, got %d", len(got))
		}
		if got[0].Evidence.Facts["violations"] != "invoice after bill_of_lading" {
			t.Errorf("unexpected violations: %s", got[0].Evidence.Facts["violations"])
		}
	})

	t.Run("SameDayIsAllowed", func(t *testing.T) {
		in := cleanInput()
		dec := in.Documents[domain.RoleDeclaration]
		dec.Fields.IssueDate = date("2024-03-05")
		in.Documents[domain.RoleDeclaration] = dec
		if got := r.Check(in); len(got) != 0 {
			t.Errorf("expected no findings, got %+v", got)
		}
	})

	t.Run("SingleDate", func(t *testing.T) {
		in := cleanInput()
		for _, role := range []domain.Role{domain.RoleBillOfLading, domain.RoleDeclaration} {
			doc := in.Documents[role]
			doc.Fields.IssueDate = nil
			in.Documents[role] = doc
		}
		if got := r.Check(in); len(got) != 0 {
			t.Errorf("expected no findings, got %d", len(got))
		}
	})
}

func TestCurrencyMismatch(t *testing.T) {
	r := builtin(t, domain.KindCurrencyMismatch, 10)

	in := cleanInput()
	dec := in.Documents[domain.RoleDeclaration]
	dec.Fields.Currency = "EUR"
	in.Documents[domain.RoleDeclaration] = dec

	got := r.Check(in)
	if len(got) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(got))
	}
	if got[0].Evidence.Facts["currencies"] != "EUR, USD" {
		t.Errorf("unexpected currencies: %s", got[0].Evidence.Facts["currencies"])
	}
	if got[0].Message != "currency_mismatch" {
		t.Errorf("unexpected message: %s", got[0].Message)
	}

	dec.Fields.ConversionNote = "EUR converted at 1.08"
	in.Documents[domain.RoleDeclaration] = dec
	if got := r.Check(in); len(got) != 0 {
		t.Errorf("expected conversion note to suppress finding, got %d", len(got))
	}
}

func TestHSCodeInconsistency(t *testing.T) {
	r := builtin(t, domain.KindHSCodeInconsistency, 15)

	in := cleanInput()
	pl := in.Documents[domain.RolePackingList]
	pl.Fields.HSCodes = []string{"8471.30", "8528.52"}
	in.Documents[domain.RolePackingList] = pl

	got := r.Check(in)
	if len(got) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(got))
	}
	if got[0].Evidence.Facts["values"] != "invoice=847130; packing_list=847130,852852" {
		t.Errorf("unexpected values: %s", got[0].Evidence.Facts["values"])
	}
}

func TestPriorFlagPresent(t *testing.T) {
	r := builtin(t, domain.KindPriorFlagPresent, 30)

	in := cleanInput()
	if got := r.Check(in); len(got) != 0 {
		t.Errorf("expected no findings without flag, got %d", len(got))
	}

	in.PriorFlag = true
	in.EntityID = "acme"
	got := r.Check(in)
	if len(got) != 1 || got[0].Evidence.Facts["entity"] != "acme" {
		t.Errorf("unexpected findings: %+v", got)
	}
}

func TestExpressionRule(t *testing.T) {
	r := mustCompile(t, Definition{
		ID:          "high_value_flagged",
		Kind:        domain.KindExpression,
		Severity:    domain.SeverityCritical,
		Points:      40,
		Description: "Flagged entity filing above 40,000",
		Expression:  "prior_flag && invoice.total_value > 40000.0",
		Inputs:      []string{"invoice.total_value", "prior_flag"},
	})

	t.Run("Fires", func(t *testing.T) {
		in := cleanInput()
		in.PriorFlag = true
		got := r.Check(in)
		if len(got) != 1 {
			t.Fatalf("expected 1 finding, got %d", len(got))
		}
		items := got[0].Evidence.Items
		if len(items) != 2 || items[0].Value != "50000.00" || items[1].Value != "true" {
			t.Errorf("unexpected evidence: %+v", items)
		}
	})

	t.Run("FalseIsSilent", func(t *testing.T) {
		if got := r.Check(cleanInput()); len(got) != 0 {
			t.Errorf("expected no findings, got %d", len(got))
		}
	})

	t.Run("MissingInputIsSilent", func(t *testing.T) {
		in := cleanInput()
		in.PriorFlag = true
		delete(in.Documents, domain.RoleInvoice)
		if got := r.Check(in); len(got) != 0 {
			t.Errorf("expected no findings, got %d", len(got))
		}
	})
}

func TestEngineOrdering(t *testing.T) {
	in := cleanInput()
	in.PriorFlag = true
	delete(in.Documents, domain.RolePackingList)
	inv := in.Documents[domain.RoleInvoice]
	inv.Fields.TotalValue = amount(80000)
	inv.Fields.Currency = "EUR"
	in.Documents[domain.RoleInvoice] = inv

	rs := allBuiltins(t)
	want := make([]string, 0)
	for _, r := range rs {
		for range r.Check(in) {
			want = append(want, r.ID)
		}
	}

	engine := NewEngine(3)
	for i := 0; i < 50; i++ {
		got := engine.Evaluate(rs, in)
		ids := make([]string, 0, len(got))
		for _, f := range got {
			ids = append(ids, f.RuleID)
		}
		if !reflect.DeepEqual(ids, want) {
			t.Fatalf("run %d: expected %v, got %v", i, want, ids)
		}
	}
}

func TestChecklist(t *testing.T) {
	in := cleanInput()
	in.PriorFlag = true

	rs := allBuiltins(t)
	got := NewEngine(0).Checklist(rs, in)
	if len(got) != len(rs) {
		t.Fatalf("expected %d entries, got %d", len(rs), len(got))
	}
	for i, f := range got {
		if f.RuleID != rs[i].ID {
			t.Errorf("entry %d: expected %s, got %s", i, rs[i].ID, f.RuleID)
		}
		fired := f.RuleID == string(domain.KindPriorFlagPresent)
		if f.Passed == fired {
			t.Errorf("%s: passed=%v", f.RuleID, f.Passed)
		}
		if f.Passed && f.PointsAdded != 0 {
			t.Errorf("%s: passed entry carries %d points", f.RuleID, f.PointsAdded)
		}
	}
}

func TestChecklistPassedMessage(t *testing.T) {
	r := mustCompile(t, Definition{
		ID:          "missing_required_doc",
		Kind:        domain.KindMissingRequiredDoc,
		Severity:    domain.SeverityWarn,
		Points:      15,
		Description: "Required document {role} is missing",
	})

	got := NewEngine(1).Checklist([]*Rule{r}, cleanInput())
	if len(got) != 1 || !got[0].Passed {
		t.Fatalf("expected one passed entry, got %+v", got)
	}
	if got[0].Message != PassedMessage {
		t.Errorf("expected %q, got %q", PassedMessage, got[0].Message)
	}
	if strings.Contains(got[0].Message, "{") {
		t.Errorf("placeholder leaked into checklist: %q", got[0].Message)
	}
}

func TestEngineConcurrentUse(t *testing.T) {
	engine := NewEngine(2)
	rs := allBuiltins(t)
	in := cleanInput()
	in.PriorFlag = true
	before := in.Documents.Clone()

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := engine.Evaluate(rs, in); len(got) != 1 {
				errs <- "unexpected finding count"
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
	if !reflect.DeepEqual(before, in.Documents) {
		t.Error("evaluation mutated the input")
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"CN-2024-12345":    "cn-2024-12345",
		" cn-2024- 12345 ": "cn-2024-12345",
		"ＣＮ-2024-12345":    "cn-2024-12345",
		"CN 2024 12345":    "cn202412345",
	}
	for in, want := range cases {
		if got := NormalizeIdentifier(in); got != want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeHSCodes(t *testing.T) {
	got := NormalizeHSCodes([]string{"8528.52", "8471.30", "847130", "", "n/a"})
	want := []string{"847130", "852852"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
