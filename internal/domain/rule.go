package domain

import "time"

// Severity is the qualitative label attached to a rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RuleKind selects the checker that backs a rule definition.
type RuleKind string

const (
	KindMissingRequiredDoc      RuleKind = "missing_required_doc"
	KindShipmentIDInconsistency RuleKind = "shipment_id_inconsistency"
	KindInvoiceDeclaredMismatch RuleKind = "invoice_total_declared_mismatch"
	KindDateSequenceViolation   RuleKind = "date_sequence_violation"
	KindCurrencyMismatch        RuleKind = "currency_mismatch"
	KindHSCodeInconsistency     RuleKind = "hs_code_inconsistency"
	KindPriorFlagPresent        RuleKind = "prior_flag_present"

	// KindExpression rules are CEL predicates declared in the rulebook.
	KindExpression RuleKind = "expression"
)

// Thresholds holds the upper bounds of the LOW, MEDIUM and HIGH levels.
// Scores at or above High are CRITICAL.
type Thresholds struct {
	Low    int `json:"low" yaml:"low"`
	Medium int `json:"medium" yaml:"medium"`
	High   int `json:"high" yaml:"high"`
}

// ConfidenceBands holds the minimum extraction confidence for the HIGH and
// MEDIUM buckets.
type ConfidenceBands struct {
	High   float64 `json:"high" yaml:"high"`
	Medium float64 `json:"medium" yaml:"medium"`
}

// RulebookSnapshot is a stored copy of a loaded rulebook.
type RulebookSnapshot struct {
	Version   string    `json:"version"`
	Digest    string    `json:"digest"`
	Source    []byte    `json:"-"`
	RuleCount int       `json:"ruleCount"`
	LoadedAt  time.Time `json:"loadedAt"`
}
