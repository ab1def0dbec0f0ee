package workbook

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeHeader turns a header cell into a record key: NFC-composed,
// trimmed and lowercased with Vietnamese casing rules.
func NormalizeHeader(s string) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return ""
	}
	return cases.Lower(language.Vietnamese).String(s)
}
