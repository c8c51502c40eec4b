package domain

import (
	"sort"
	"time"
)

// Role identifies the function a document plays in a customs filing.
type Role string

const (
	RoleInvoice      Role = "invoice"
	RoleBillOfLading Role = "bill_of_lading"
	RolePackingList  Role = "packing_list"
	RoleDeclaration  Role = "declaration"
	RolePermit       Role = "permit"
	RoleOther        Role = "other"
)

// Roles lists every recognized role in canonical order.
// Findings that are emitted per role follow this order.
var Roles = []Role{
	RoleInvoice,
	RoleBillOfLading,
	RolePackingList,
	RoleDeclaration,
	RolePermit,
	RoleOther,
}

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	return r.rank() >= 0
}

func (r Role) rank() int {
	for i, known := range Roles {
		if r == known {
			return i
		}
	}
	return -1
}

// SortRoles orders roles canonically in place. Unknown roles sort last.
func SortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		ri, rj := roles[i].rank(), roles[j].rank()
		if ri < 0 {
			ri = len(Roles)
		}
		if rj < 0 {
			rj = len(Roles)
		}
		return ri < rj
	})
}

// Fields is the normalized, explicitly optional field record extracted from
// one document. A nil pointer or empty value means the field is absent.
type Fields struct {
	ShipmentID     string     `json:"shipmentId,omitempty"`
	IssueDate      *time.Time `json:"issueDate,omitempty"`
	TotalValue     *float64   `json:"totalValue,omitempty"`
	DeclaredValue  *float64   `json:"declaredValue,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	HSCodes        []string   `json:"hsCodes,omitempty"`
	ConversionNote string     `json:"conversionNote,omitempty"`
}

// HasShipmentID reports whether a shipment identifier is present.
func (f Fields) HasShipmentID() bool { return f.ShipmentID != "" }

// HasCurrency reports whether a currency code is present.
func (f Fields) HasCurrency() bool { return f.Currency != "" }

// HasHSCodes reports whether at least one HS code is present.
func (f Fields) HasHSCodes() bool { return len(f.HSCodes) > 0 }

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	out := f
	if f.IssueDate != nil {
		d := *f.IssueDate
		out.IssueDate = &d
	}
	if f.TotalValue != nil {
		v := *f.TotalValue
		out.TotalValue = &v
	}
	if f.DeclaredValue != nil {
		v := *f.DeclaredValue
		out.DeclaredValue = &v
	}
	if f.HSCodes != nil {
		out.HSCodes = append([]string(nil), f.HSCodes...)
	}
	return out
}

// ExtractedDocument is one document record produced by the extraction stage.
type ExtractedDocument struct {
	DocID      string  `json:"docId"`
	Fields     Fields  `json:"fields"`
	Confidence float64 `json:"confidence"`
}

// DocumentSet maps each role to at most one extracted document.
type DocumentSet map[Role]ExtractedDocument

// Get returns the document for role, if present.
func (s DocumentSet) Get(role Role) (ExtractedDocument, bool) {
	doc, ok := s[role]
	return doc, ok
}

// PresentRoles returns the roles with a document, in canonical order.
func (s DocumentSet) PresentRoles() []Role {
	roles := make([]Role, 0, len(s))
	for _, r := range Roles {
		if _, ok := s[r]; ok {
			roles = append(roles, r)
		}
	}
	return roles
}

// Validate checks the structural invariants of the set.
func (s DocumentSet) Validate() error {
	keys := make([]string, 0, len(s))
	for role := range s {
		keys = append(keys, string(role))
	}
	sort.Strings(keys)

	for _, k := range keys {
		role := Role(k)
		doc := s[role]
		if !role.Valid() {
			return &InputError{Field: "documents." + string(role), Reason: "unrecognized document role"}
		}
		if doc.DocID == "" {
			return &InputError{Field: "documents." + string(role) + ".docId", Reason: "document identifier is required"}
		}
		if doc.Confidence < 0 || doc.Confidence > 1 {
			return &InputError{Field: "documents." + string(role) + ".confidence", Reason: "confidence must be within [0,1]"}
		}
	}
	return nil
}

// Clone returns a deep copy of the set.
func (s DocumentSet) Clone() DocumentSet {
	out := make(DocumentSet, len(s))
	for role, doc := range s {
		doc.Fields = doc.Fields.Clone()
		out[role] = doc
	}
	return out
}

// AssessmentInput is everything one scoring run reads.
type AssessmentInput struct {
	Documents    DocumentSet           `json:"documents"`
	Requirements ProcedureRequirements `json:"requirements"`
	EntityID     string                `json:"entityId,omitempty"`
	PriorFlag    bool                  `json:"priorFlag"`
}

// Validate checks the input before any rule runs.
func (in *AssessmentInput) Validate() error {
	if in == nil {
		return &InputError{Field: "input", Reason: "input is required"}
	}
	if err := in.Documents.Validate(); err != nil {
		return err
	}
	for _, r := range in.Requirements.Required {
		if !r.Valid() {
			return &InputError{Field: "requirements", Reason: "unrecognized required role " + string(r)}
		}
	}
	return nil
}

// ProcedureRequirements lists the mandatory roles for a customs procedure.
// When Known is false no missing-document finding can be produced.
type ProcedureRequirements struct {
	ProcedureID string `json:"procedureId,omitempty"`
	Required    []Role `json:"required"`
	Known       bool   `json:"known"`
}

// UnknownRequirements marks the procedure as unresolved.
func UnknownRequirements() ProcedureRequirements {
	return ProcedureRequirements{Required: []Role{}}
}
