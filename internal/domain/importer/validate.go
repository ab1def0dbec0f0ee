package importer

import (
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/bhyt/costdash/internal/domain/billing"
)

// FieldIssue counts the rows failing one required field.
type FieldIssue struct {
	Field string `json:"field"`
	Count int    `json:"count"`
}

// InvalidRow is a rejected row and the required fields it failed.
type InvalidRow struct {
	Index  int      `json:"index"`
	Fields []string `json:"fields"`
}

// ValidationOutcome partitions record indices into valid and invalid.
type ValidationOutcome struct {
	Valid   []int        `json:"-"`
	Invalid []InvalidRow `json:"-"`
	Issues  []FieldIssue `json:"issues"`
}

// fieldRules are the validator tags per required field. Fields not listed
// only need to be present.
var fieldRules = map[billing.Field]string{
	billing.FieldSex:             "present,integral,oneof=1 2",
	billing.FieldSettlementMonth: "present,integral,min=1,max=12",
	billing.FieldTotalCost:       "present,number",
	billing.FieldInsurancePaid:   "present,number",
}

const defaultRule = "required,present"

var rowValidator = newRowValidator()

func newRowValidator() *validator.Validate {
	v := validator.New()
	// present rejects blank text and the "nan" token pandas-style exports
	// leave in empty cells.
	v.RegisterValidation("present", func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return true
		}
		s := strings.TrimSpace(fl.Field().String())
		return s != "" && !strings.EqualFold(s, "nan")
	})
	v.RegisterValidation("integral", func(fl validator.FieldLevel) bool {
		switch fl.Field().Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return true
		}
		return false
	})
	return v
}

func ruleFor(f billing.Field) string {
	if r, ok := fieldRules[f]; ok {
		return r
	}
	return defaultRule
}

// validationInput turns a value into what its rule expects: whole numbers
// for integral rules, floats for numeric ones, text otherwise. Values that
// do not convert stay text so the rule rejects them.
func validationInput(f billing.Field, v billing.Value) any {
	if v.IsNull() {
		return ""
	}
	rule := ruleFor(f)
	switch {
	case strings.Contains(rule, "integral"):
		if n, ok := integerOf(v); ok {
			return n
		}
	case strings.Contains(rule, "number"):
		if n, ok := floatOf(v); ok {
			return n
		}
	}
	return v.Text()
}

// Validate checks every required field of every record. A row is invalid if
// any required field fails; each failing field is counted in Issues.
func Validate(records []*billing.Record, required []billing.Field) ValidationOutcome {
	out := ValidationOutcome{Valid: []int{}, Invalid: []InvalidRow{}, Issues: []FieldIssue{}}
	counts := make(map[billing.Field]int)

	rules := make(map[string]interface{}, len(required))
	for _, f := range required {
		rules[string(f)] = ruleFor(f)
	}

	for i, rec := range records {
		data := make(map[string]interface{}, len(required))
		for _, f := range required {
			data[string(f)] = validationInput(f, rec.Get(f))
		}
		errs := rowValidator.ValidateMap(data, rules)
		if len(errs) == 0 {
			out.Valid = append(out.Valid, i)
			continue
		}
		var failed []string
		for _, f := range required {
			if _, bad := errs[string(f)]; bad {
				failed = append(failed, string(f))
				counts[f]++
			}
		}
		out.Invalid = append(out.Invalid, InvalidRow{Index: i, Fields: failed})
	}

	for f, n := range counts {
		out.Issues = append(out.Issues, FieldIssue{Field: string(f), Count: n})
	}
	sort.Slice(out.Issues, func(i, j int) bool {
		if out.Issues[i].Count != out.Issues[j].Count {
			return out.Issues[i].Count > out.Issues[j].Count
		}
		return out.Issues[i].Field < out.Issues[j].Field
	})
	return out
}

func floatOf(v billing.Value) (float64, bool) {
	if n, ok := v.Number(); ok {
		return n, true
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v.Text()), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func integerOf(v billing.Value) (int64, bool) {
	n, ok := floatOf(v)
	if !ok || n != math.Trunc(n) {
		return 0, false
	}
	return int64(n), true
}

// ValidRecords returns the records at the valid indices.
func (o ValidationOutcome) ValidRecords(records []*billing.Record) []*billing.Record {
	out := make([]*billing.Record, len(o.Valid))
	for i, idx := range o.Valid {
		out[i] = records[idx]
	}
	return out
}
