package rules

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentifier applies NFKC, folds case and drops whitespace, so
// " cn-2024-12345" and "CN-2024-12345" compare equal.
func NormalizeIdentifier(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// NormalizeHSCodes keeps the digits of each code and returns the sorted,
// de-duplicated set.
func NormalizeHSCodes(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, norm.NFKC.String(c))
		if digits == "" || seen[digits] {
			continue
		}
		seen[digits] = true
		out = append(out, digits)
	}
	sort.Strings(out)
	return out
}
