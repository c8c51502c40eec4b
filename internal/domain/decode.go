package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RawDocument is the loosely typed record emitted by the extraction stage.
type RawDocument struct {
	DocID      string         `json:"docId"`
	DocIDAlt   string         `json:"doc_id,omitempty"`
	Fields     map[string]any `json:"fields"`
	Confidence *float64       `json:"confidence"`
}

// Field aliases accepted from extraction output, in priority order.
var (
	shipmentIDKeys     = []string{"shipment_id", "shipmentId", "bl_number", "pl_number"}
	issueDateKeys      = []string{"issue_date", "issueDate", "invoice_date", "bl_date", "pl_date", "declaration_date"}
	totalValueKeys     = []string{"total_value", "totalValue", "total_amount"}
	declaredValueKeys  = []string{"declared_value", "declaredValue"}
	currencyKeys       = []string{"currency", "currency_code"}
	hsCodeKeys         = []string{"hs_codes", "hsCodes", "hs_code"}
	conversionNoteKeys = []string{"conversion_note", "conversionNote", "exchange_rate_note"}
)

// dateLayouts are tried against the first ten characters of a date string.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
}

// DecodeDocuments converts raw extraction output keyed by role into a typed
// DocumentSet. Structural problems are InputErrors; fields of the wrong type
// are dropped.
func DecodeDocuments(raw map[string]json.RawMessage) (DocumentSet, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := make(DocumentSet, len(raw))
	for _, k := range keys {
		role := Role(k)
		if !role.Valid() {
			return nil, &InputError{Field: "documents." + k, Reason: "unrecognized document role"}
		}

		msg := bytes.TrimSpace(raw[k])
		if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
			continue
		}

		var rd RawDocument
		if err := json.Unmarshal(msg, &rd); err != nil {
			return nil, &InputError{Field: "documents." + k, Reason: "malformed document record", Err: err}
		}

		doc, err := rd.Decode(role)
		if err != nil {
			return nil, err
		}
		set[role] = doc
	}
	return set, nil
}

// Decode converts a single raw document.
func (rd RawDocument) Decode(role Role) (ExtractedDocument, error) {
	id := strings.TrimSpace(rd.DocID)
	if id == "" {
		id = strings.TrimSpace(rd.DocIDAlt)
	}
	if id == "" {
		return ExtractedDocument{}, &InputError{Field: "documents." + string(role) + ".docId", Reason: "document identifier is required"}
	}
	if rd.Confidence == nil {
		return ExtractedDocument{}, &InputError{Field: "documents." + string(role) + ".confidence", Reason: "confidence is required"}
	}
	c := *rd.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return ExtractedDocument{}, &InputError{Field: "documents." + string(role) + ".confidence", Reason: "confidence must be within [0,1]"}
	}

	return ExtractedDocument{
		DocID:      id,
		Fields:     NormalizeFields(rd.Fields),
		Confidence: c,
	}, nil
}

// NormalizeFields maps a loose field map onto the typed record.
func NormalizeFields(m map[string]any) Fields {
	var f Fields
	if m == nil {
		return f
	}

	if v, ok := lookup(m, shipmentIDKeys, asString); ok {
		f.ShipmentID = v
	}
	if v, ok := lookup(m, issueDateKeys, asDate); ok {
		f.IssueDate = &v
	}
	if v, ok := lookup(m, totalValueKeys, asNumber); ok {
		f.TotalValue = &v
	}
	if v, ok := lookup(m, declaredValueKeys, asNumber); ok {
		f.DeclaredValue = &v
	}
	if v, ok := lookup(m, currencyKeys, asString); ok {
		f.Currency = strings.ToUpper(v)
	}
	if v, ok := lookup(m, hsCodeKeys, asStrings); ok {
		f.HSCodes = v
	}
	if v, ok := lookup(m, conversionNoteKeys, asString); ok {
		f.ConversionNote = v
	}
	return f
}

func lookup[T any](m map[string]any, keys []string, conv func(any) (T, bool)) (T, bool) {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		if v, ok := conv(raw); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func asNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		cleaned := strings.NewReplacer(",", "", "$", "", " ", "").Replace(n)
		if cleaned == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d.UTC(), !d.IsZero()
	case string:
		return ParseDate(d)
	default:
		return time.Time{}, false
	}
}

// ParseDate accepts the date layouts seen in extracted trade documents.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	head := s
	if len(head) > 10 {
		head = head[:10]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, head); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asStrings(v any) ([]string, bool) {
	var out []string
	switch list := v.(type) {
	case string:
		for _, part := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' }) {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	case []string:
		for _, s := range list {
			if p := strings.TrimSpace(s); p != "" {
				out = append(out, p)
			}
		}
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			if p := strings.TrimSpace(s); p != "" {
				out = append(out, p)
			}
		}
	default:
		return nil, false
	}
	return out, len(out) > 0
}
