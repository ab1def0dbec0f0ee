package importer

import (
	"fmt"
	"math"
	"sort"

	"github.com/bhyt/costdash/internal/domain/billing"
)

// Section is a pivot block: rows ready to insert or rows already stored.
type Section string

const (
	SectionValid     Section = "valid"
	SectionDuplicate Section = "duplicate"
)

// ClassifiedRow is a valid record with its classification.
type ClassifiedRow struct {
	Record  *billing.Record
	Section Section
}

// FacilityNames maps facility code to display name.
type FacilityNames map[string]string

// KCBTypeGroups maps KCB type code to its care setting.
type KCBTypeGroups map[string]billing.CareSetting

// Setting resolves the care setting of a KCB type code. Codes missing from
// the lookup fall back to: "1" is inpatient, anything else outpatient.
func (g KCBTypeGroups) Setting(code string) billing.CareSetting {
	if s, ok := g[code]; ok {
		return s
	}
	if code == "1" {
		return billing.Inpatient
	}
	return billing.Outpatient
}

// PivotColumn is one facility column.
type PivotColumn struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// PivotCells holds the counts of one section for one period.
type PivotCells struct {
	Outpatient      map[string]int `json:"outpatient"`
	Inpatient       map[string]int `json:"inpatient"`
	OutpatientTotal int            `json:"outpatient_total"`
	InpatientTotal  int            `json:"inpatient_total"`
	Total           int            `json:"total"`
}

func newPivotCells() PivotCells {
	return PivotCells{Outpatient: map[string]int{}, Inpatient: map[string]int{}}
}

func (c *PivotCells) add(setting billing.CareSetting, facility string, n int) {
	if setting == billing.Inpatient {
		c.Inpatient[facility] += n
		c.InpatientTotal += n
	} else {
		c.Outpatient[facility] += n
		c.OutpatientTotal += n
	}
	c.Total += n
}

// PivotRow is one settlement period.
type PivotRow struct {
	Period    string     `json:"period"`
	Year      int        `json:"year"`
	Month     int        `json:"month"`
	Valid     PivotCells `json:"valid"`
	Duplicate PivotCells `json:"duplicate"`
}

func (r *PivotRow) section(s Section) *PivotCells {
	if s == SectionDuplicate {
		return &r.Duplicate
	}
	return &r.Valid
}

// Pivot is the period x facility x section reconciliation grid.
type Pivot struct {
	OutpatientFacilities []PivotColumn `json:"outpatient_facilities"`
	InpatientFacilities  []PivotColumn `json:"inpatient_facilities"`
	Rows                 []PivotRow    `json:"rows"`
	GrandTotal           PivotRow      `json:"grand_total"`
}

type periodKey struct{ year, month int }

// Summarize counts rows per settlement period, facility, care setting and
// section. Rows without a settlement period are grouped under an empty
// period label.
func Summarize(rows []ClassifiedRow, facilities FacilityNames, kcb KCBTypeGroups) Pivot {
	pivot := Pivot{
		OutpatientFacilities: []PivotColumn{},
		InpatientFacilities:  []PivotColumn{},
		Rows:                 []PivotRow{},
		GrandTotal:           PivotRow{Period: "total", Valid: newPivotCells(), Duplicate: newPivotCells()},
	}

	periods := make(map[periodKey]*PivotRow)
	outFacilities := make(map[string]bool)
	inFacilities := make(map[string]bool)

	for _, row := range rows {
		rec := row.Record
		key := periodKey{
			year:  intValue(rec.Get(billing.FieldSettlementYear)),
			month: intValue(rec.Get(billing.FieldSettlementMonth)),
		}
		pr, ok := periods[key]
		if !ok {
			pr = &PivotRow{
				Period:    periodLabel(key),
				Year:      key.year,
				Month:     key.month,
				Valid:     newPivotCells(),
				Duplicate: newPivotCells(),
			}
			periods[key] = pr
		}

		facility := rec.Get(billing.FieldFacilityCode).Text()
		setting := kcb.Setting(rec.Get(billing.FieldKCBType).Text())
		if setting == billing.Inpatient {
			inFacilities[facility] = true
		} else {
			outFacilities[facility] = true
		}
		pr.section(row.Section).add(setting, facility, 1)
		pivot.GrandTotal.section(row.Section).add(setting, facility, 1)
	}

	for _, pr := range periods {
		pivot.Rows = append(pivot.Rows, *pr)
	}
	sort.Slice(pivot.Rows, func(i, j int) bool {
		a, b := pivot.Rows[i], pivot.Rows[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		return a.Month < b.Month
	})
	pivot.OutpatientFacilities = facilityColumns(outFacilities, facilities)
	pivot.InpatientFacilities = facilityColumns(inFacilities, facilities)
	return pivot
}

func periodLabel(k periodKey) string {
	if k.year == 0 && k.month == 0 {
		return ""
	}
	return fmt.Sprintf("%02d/%04d", k.month, k.year)
}

func facilityColumns(codes map[string]bool, names FacilityNames) []PivotColumn {
	out := make([]PivotColumn, 0, len(codes))
	for code := range codes {
		name := names[code]
		if name == "" {
			name = code
		}
		out = append(out, PivotColumn{Code: code, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func intValue(v billing.Value) int {
	n, ok := floatOf(v)
	if !ok {
		return 0
	}
	return int(math.Round(n))
}
