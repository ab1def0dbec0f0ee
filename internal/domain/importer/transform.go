// Package importer turns spreadsheet rows into validated, deduplicated
// settlement records and commits operator-selected rows to the warehouse.
package importer

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/bhyt/costdash/internal/domain/billing"
)

// Transformer canonicalizes raw rows against a schema.
type Transformer struct {
	schema *billing.Schema
	now    func() time.Time
}

func NewTransformer(schema *billing.Schema) *Transformer {
	return &Transformer{schema: schema, now: time.Now}
}

// WithClock replaces the clock used for the ingestion timestamp.
func (t *Transformer) WithClock(now func() time.Time) *Transformer {
	out := *t
	out.now = now
	return &out
}

// Transform returns one record per raw row, in order. Every record carries
// every schema field plus the ingestion timestamp and sourceLabel.
func (t *Transformer) Transform(raws []billing.RawRecord, sourceLabel string) []*billing.Record {
	stamp := billing.Str(t.now().UTC().Format(time.RFC3339Nano))
	source := billing.Str(sourceLabel)

	out := make([]*billing.Record, len(raws))
	for i, raw := range raws {
		rec := billing.NewRecord(t.schema)
		for key, v := range raw {
			f := billing.Field(key)
			if !t.schema.Has(f) {
				if rec.Extras == nil {
					rec.Extras = make(map[string]billing.Value)
				}
				rec.Extras[key] = v
				continue
			}
			kind, _ := t.schema.Kind(f)
			rec.Set(f, CoerceValue(kind, v))
		}
		rec.Set(billing.FieldImportedAt, stamp)
		rec.Set(billing.FieldSourceFile, source)
		out[i] = rec
	}
	return out
}

// CoerceValue applies the import rule of kind to v.
func CoerceValue(kind billing.Kind, v billing.Value) billing.Value {
	switch kind {
	case billing.KindDate:
		return ParseIntegerDate(v)
	case billing.KindDateTime:
		return ParseCompactDateTime(v)
	case billing.KindMoney:
		return ParseMoney(v)
	case billing.KindCount:
		return ParseCount(v)
	case billing.KindString:
		return NormalizeString(v)
	}
	return v
}

// ParseIntegerDate reads a YYYYMMDD date given as a number or numeric text.
// Anything that does not round to an 8-digit calendar date is null.
func ParseIntegerDate(v billing.Value) billing.Value {
	n, ok := numericValue(v)
	if !ok {
		return billing.Null()
	}
	digits := strconv.FormatFloat(math.Round(n), 'f', 0, 64)
	if len(digits) != 8 {
		return billing.Null()
	}
	d, err := time.Parse("20060102", digits)
	if err != nil {
		return billing.Null()
	}
	return billing.Str(d.Format(billing.DateLayout))
}

var compactLayouts = map[int]string{
	8:  "20060102",
	12: "200601021504",
	14: "20060102150405",
}

// ParseCompactDateTime reads YYYYMMDD, YYYYMMDDHHmm or YYYYMMDDHHmmss,
// tolerating a leading quote. Other shapes go through a generic parse.
func ParseCompactDateTime(v billing.Value) billing.Value {
	s := strings.TrimLeft(strings.TrimSpace(v.Text()), "'")
	if s == "" {
		return billing.Null()
	}
	if layout, ok := compactLayouts[len(s)]; ok && isDigits(s) {
		t, err := time.Parse(layout, s)
		if err != nil {
			return billing.Null()
		}
		return billing.Str(t.Format(billing.DateTimeLayout))
	}
	if t, ok := parseGenericDateTime(s); ok {
		return billing.Str(t.Format(billing.DateTimeLayout))
	}
	return billing.Null()
}

var genericLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"2/1/2006 15:04",
	"2/1/2006",
}

// maxExcelSerial is 9999-12-31 in the 1900 date system.
const maxExcelSerial = 2958465

// looksLikeSerial accepts date-times with a fractional day and five-digit
// day numbers; shorter integers are too ambiguous to read as dates.
func looksLikeSerial(s string) bool {
	return strings.Contains(s, ".") || len(s) == 5
}

func parseGenericDateTime(s string) (time.Time, bool) {
	for _, layout := range genericLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if !looksLikeSerial(s) {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f <= maxExcelSerial {
		t, err := excelize.ExcelDateToTime(f, false)
		if err == nil {
			return t.Round(time.Second), true
		}
	}
	return time.Time{}, false
}

// ParseMoney reads an amount, dropping thousands separators. Non-numeric
// input is null.
func ParseMoney(v billing.Value) billing.Value {
	d, ok := decimalValue(v)
	if !ok {
		return billing.Null()
	}
	return billing.Num(d.InexactFloat64())
}

// ParseCount reads an amount and rounds it half away from zero.
func ParseCount(v billing.Value) billing.Value {
	d, ok := decimalValue(v)
	if !ok {
		return billing.Null()
	}
	return billing.Num(d.Round(0).InexactFloat64())
}

// NormalizeString trims text; empty strings and the "nan"/"undefined"
// tokens are null.
func NormalizeString(v billing.Value) billing.Value {
	if v.IsNull() {
		return v
	}
	s := strings.TrimSpace(v.Text())
	if IsBlankToken(s) {
		return billing.Null()
	}
	return billing.Str(s)
}

// IsBlankToken reports whether s stands for a missing cell.
func IsBlankToken(s string) bool {
	return s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "undefined")
}

func decimalValue(v billing.Value) (decimal.Decimal, bool) {
	if n, ok := v.Number(); ok {
		return decimal.NewFromFloat(n), true
	}
	s, ok := v.String()
	if !ok {
		return decimal.Decimal{}, false
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func numericValue(v billing.Value) (float64, bool) {
	if n, ok := v.Number(); ok {
		return n, true
	}
	s, ok := v.String()
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimLeft(strings.TrimSpace(s), "'"), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
