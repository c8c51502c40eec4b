package guardrail

import (
	"reflect"
	"slices"
	"testing"

	"github.com/opensource-finance/clearance/internal/domain"
)

var thresholds = domain.Thresholds{Low: 25, Medium: 50, High: 75}

func fraudAssessment() *domain.RiskAssessment {
	return &domain.RiskAssessment{
		Score:       45,
		Level:       domain.LevelMedium,
		RuleVersion: "1.0.0",
		Factors: []domain.Finding{
			{
				RuleID:      "invoice_total_declared_mismatch",
				PointsAdded: 25,
				Evidence: domain.Evidence{
					Items: []domain.EvidenceItem{
						{Role: domain.RoleInvoice, DocID: "inv-1", Field: "total_value", Value: "80000.00"},
						{Role: domain.RoleDeclaration, DocID: "dec-1", Field: "declared_value", Value: "50000.00"},
					},
					Facts: map[string]string{"difference_percent": "37.50", "tolerance_percent": "10.00"},
				},
			},
			{
				RuleID:      "shipment_id_inconsistency",
				PointsAdded: 20,
				Evidence: domain.Evidence{
					Items: []domain.EvidenceItem{
						{Role: domain.RoleBillOfLading, DocID: "bl-1", Field: "shipment_id", Value: "CN-2024-99999"},
						{Role: domain.RoleDeclaration, DocID: "dec-1", Field: "shipment_id", Value: "CN-2024-12345"},
					},
				},
			},
		},
	}
}

func TestFromAssessment(t *testing.T) {
	allowed := FromAssessment(fraudAssessment(), thresholds)

	for _, n := range []float64{0, 100, 45, 25, 50, 75, 20, 80000, 50000, 37.5, 10} {
		if !slices.Contains(allowed.Numbers, n) {
			t.Errorf("expected %v to be allowed", n)
		}
	}
	wantLiterals := []string{"CN-2024-12345", "CN-2024-99999", "1.0.0"}
	if !reflect.DeepEqual(allowed.Literals, wantLiterals) {
		t.Errorf("expected literals %v, got %v", wantLiterals, allowed.Literals)
	}
}

func TestCheck(t *testing.T) {
	allowed := FromAssessment(fraudAssessment(), thresholds)
	c := NewChecker(0)

	tests := []struct {
		name      string
		text      string
		valid     bool
		numbers   []float64
		sanitized string
	}{
		{
			name:      "TraceableNumbers",
			text:      "Score 45 (rules 1.0.0): invoice 80,000 vs declared 50,000, a 37.5% gap; shipment CN-2024-99999 differs.",
			valid:     true,
			sanitized: "Score 45 (rules 1.0.0): invoice 80,000 vs declared 50,000, a 37.5% gap; shipment CN-2024-99999 differs.",
		},
		{
			name:      "WithinTolerance",
			text:      "The gap is 37.4 percent.",
			valid:     true,
			sanitized: "The gap is 37.4 percent.",
		},
		{
			name:      "FabricatedStatistic",
			text:      "Score 45; 87% of similar shipments are fraudulent.",
			valid:     false,
			numbers:   []float64{87},
			sanitized: "Score 45; [VALUE]% of similar shipments are fraudulent.",
		},
		{
			name:      "UnknownIdentifierDigits",
			text:      "Shipment CN-2024-55555 is suspicious.",
			valid:     false,
			numbers:   []float64{2024, 55555},
			sanitized: "Shipment CN-[VALUE]-[VALUE] is suspicious.",
		},
		{
			name:      "NoNumbers",
			text:      "Documents disagree.",
			valid:     true,
			sanitized: "Documents disagree.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Check(tt.text, allowed)
			if res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %v", tt.valid, res.Valid)
			}
			if res.Sanitized != tt.sanitized {
				t.Errorf("sanitized:\n got  %q\n want %q", res.Sanitized, tt.sanitized)
			}

			var got []float64
			for _, d := range res.Discrepancies {
				got = append(got, d.Number)
			}
			if !slices.Equal(got, tt.numbers) {
				t.Errorf("expected discrepancies %v, got %v", tt.numbers, got)
			}
		})
	}
}

func TestCheckReportsOffsets(t *testing.T) {
	res := NewChecker(0).Check("ok 45 then 999", Allowed{Numbers: []float64{45}})
	if len(res.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", res.Discrepancies)
	}
	if d := res.Discrepancies[0]; d.Text != "999" || d.Offset != 11 {
		t.Errorf("expected 999 at offset 11, got %q at %d", d.Text, d.Offset)
	}
}

func TestClose(t *testing.T) {
	tests := []struct {
		a, b float64
		want bool
	}{
		{100, 100.9, true},
		{100, 102, false},
		{0, 0, true},
		{0, 0.001, false},
	}
	for _, tt := range tests {
		if got := Close(tt.a, tt.b, 0.01); got != tt.want {
			t.Errorf("Close(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
