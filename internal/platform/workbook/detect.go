package workbook

import (
	"slices"

	"github.com/bhyt/costdash/internal/domain/billing"
)

// SheetCandidate is a sheet whose header covers every required field.
type SheetCandidate struct {
	Sheet         string   `json:"sheet_name"`
	MatchedFields []string `json:"matched_fields"`
	ExtraFields   []string `json:"extra_fields"`
}

// Detect returns the importable sheets of wb in workbook order. Only header
// rows are read. A sheet that fails to read is skipped. When no sheet
// qualifies the error is a *NoCompatibleSheetError.
func Detect(wb *Workbook, required, all []billing.Field) ([]SheetCandidate, error) {
	var candidates []SheetCandidate
	var mismatches []SheetMismatch
	missingCount := make(map[billing.Field]int)

	for _, sheet := range wb.Sheets() {
		header, err := wb.Header(sheet)
		if err != nil {
			mismatches = append(mismatches, SheetMismatch{Sheet: sheet, Error: err.Error()})
			continue
		}
		c, missing := matchSheet(sheet, header, required, all)
		if len(missing) > 0 {
			names := make([]string, len(missing))
			for i, f := range missing {
				names[i] = string(f)
				missingCount[f]++
			}
			mismatches = append(mismatches, SheetMismatch{Sheet: sheet, Missing: names})
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, &NoCompatibleSheetError{
			Sheets:          mismatches,
			CommonlyMissing: mostCommon(required, missingCount),
		}
	}
	return candidates, nil
}

func matchSheet(sheet string, header []string, required, all []billing.Field) (SheetCandidate, []billing.Field) {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		if h != "" {
			present[h] = true
		}
	}

	var missing []billing.Field
	for _, f := range required {
		if !present[string(f)] {
			missing = append(missing, f)
		}
	}

	c := SheetCandidate{Sheet: sheet, MatchedFields: []string{}, ExtraFields: []string{}}
	known := make(map[string]bool, len(all))
	for _, f := range all {
		known[string(f)] = true
		if present[string(f)] {
			c.MatchedFields = append(c.MatchedFields, string(f))
		}
	}
	for _, h := range header {
		if h != "" && !known[h] && !slices.Contains(c.ExtraFields, h) {
			c.ExtraFields = append(c.ExtraFields, h)
		}
	}
	return c, missing
}

// mostCommon returns the required fields missing from the largest number of
// sheets, in required order.
func mostCommon(required []billing.Field, counts map[billing.Field]int) []string {
	best := 0
	for _, n := range counts {
		best = max(best, n)
	}
	out := []string{}
	if best == 0 {
		return out
	}
	for _, f := range required {
		if counts[f] == best {
			out = append(out, string(f))
		}
	}
	return out
}

// SelectSheet resolves the sheet to import. An empty name is accepted only
// when exactly one candidate exists.
func SelectSheet(candidates []SheetCandidate, name string) (SheetCandidate, error) {
	if name == "" {
		if len(candidates) == 1 {
			return candidates[0], nil
		}
		return SheetCandidate{}, ErrSheetRequired
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		if c.Sheet == name {
			return c, nil
		}
		names[i] = c.Sheet
	}
	return SheetCandidate{}, &SheetNotFoundError{Sheet: name, Compatible: names}
}

// CheckHeader applies the detection rule to an already-parsed header, for
// rows that did not come from a workbook.
func CheckHeader(name string, header []string, required, all []billing.Field) (SheetCandidate, error) {
	c, missing := matchSheet(name, header, required, all)
	if len(missing) == 0 {
		return c, nil
	}
	names := make([]string, len(missing))
	for i, f := range missing {
		names[i] = string(f)
	}
	return SheetCandidate{}, &NoCompatibleSheetError{
		Sheets:          []SheetMismatch{{Sheet: name, Missing: names}},
		CommonlyMissing: names,
	}
}
