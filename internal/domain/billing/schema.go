package billing

import (
	"fmt"
	"strings"
)

// Field is a canonical column of a settlement record.
type Field string

// Kind selects the coercion rule applied to a field on import.
type Kind uint8

const (
	KindString   Kind = iota // trimmed identifier/text, sentinel tokens nulled
	KindDate                 // integer-encoded YYYYMMDD
	KindDateTime             // compact YYYYMMDD[HHmm[ss]]
	KindMoney                // decimal amount, fractional precision kept
	KindCount                // integer count or numeric code
	KindMeta                 // injected by the importer
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	case KindMoney:
		return "money"
	case KindCount:
		return "count"
	case KindMeta:
		return "meta"
	}
	return "unknown"
}

// Settlement export columns.
const (
	FieldFacilityCode     Field = "ma_cskcb"
	FieldPatientCode      Field = "ma_bn"
	FieldFullName         Field = "ho_ten"
	FieldBirthDate        Field = "ngay_sinh"
	FieldSex              Field = "gioi_tinh"
	FieldAddress          Field = "dia_chi"
	FieldCardNumber       Field = "ma_the"
	FieldRegisteredClinic Field = "ma_dkbd"
	FieldCardValidFrom    Field = "gt_the_tu"
	FieldCardValidTo      Field = "gt_the_den"
	FieldAreaCode         Field = "ma_khuvuc"
	FieldDiagnosisName    Field = "ten_benh"
	FieldDiagnosisCode    Field = "ma_benh"
	FieldSecondaryCodes   Field = "ma_benhkhac"
	FieldAdmissionReason  Field = "ma_lydo_vvien"
	FieldReferralFrom     Field = "ma_noi_chuyen"
	FieldAccidentCode     Field = "ma_tai_nan"
	FieldAdmissionTime    Field = "ngay_vao"
	FieldDischargeTime    Field = "ngay_ra"
	FieldTreatmentDays    Field = "so_ngay_dtri"
	FieldOutcome          Field = "ket_qua_dtri"
	FieldDischargeStatus  Field = "tinh_trang_rv"
	FieldSettlementTime   Field = "ngay_ttoan"
	FieldBenefitLevel     Field = "muc_huong"
	FieldDrugCost         Field = "t_thuoc"
	FieldSupplyCost       Field = "t_vtyt"
	FieldLabCost          Field = "t_xn"
	FieldImagingCost      Field = "t_cdha"
	FieldProcedureCost    Field = "t_pttt"
	FieldBloodCost        Field = "t_mau"
	FieldExamCost         Field = "t_kham"
	FieldBedCost          Field = "t_giuong"
	FieldTransportCost    Field = "t_vchuyen"
	FieldTotalCost        Field = "t_tongchi"
	FieldPatientPaid      Field = "t_bntt"
	FieldPatientCopay     Field = "t_bncct"
	FieldInsurancePaid    Field = "t_bhtt"
	FieldOtherSources     Field = "t_nguonkhac"
	FieldOutOfQuota       Field = "t_ngoaids"
	FieldSettlementYear   Field = "nam_qt"
	FieldSettlementMonth  Field = "thang_qt"
	FieldKCBType          Field = "ma_loai_kcb"
	FieldDepartmentCode   Field = "ma_khoa"
	FieldDoctorCode       Field = "ma_bac_si"
	FieldProcedureCode    Field = "ma_pttt_qt"
	FieldWeight           Field = "can_nang"

	FieldImportedAt Field = "imported_at"
	FieldSourceFile Field = "source_file"
)

// Schema is the configuration shared by every pipeline stage.
type Schema struct {
	Fields     []Field
	Required   []Field
	NaturalKey []Field
	kinds      map[Field]Kind
}

type fieldDef struct {
	field Field
	kind  Kind
}

var defaultFields = []fieldDef{
	{FieldFacilityCode, KindString},
	{FieldPatientCode, KindString},
	{FieldFullName, KindString},
	{FieldBirthDate, KindDate},
	{FieldSex, KindCount},
	{FieldAddress, KindString},
	{FieldCardNumber, KindString},
	{FieldRegisteredClinic, KindString},
	{FieldCardValidFrom, KindDate},
	{FieldCardValidTo, KindDate},
	{FieldAreaCode, KindString},
	{FieldDiagnosisName, KindString},
	{FieldDiagnosisCode, KindString},
	{FieldSecondaryCodes, KindString},
	{FieldAdmissionReason, KindString},
	{FieldReferralFrom, KindString},
	{FieldAccidentCode, KindString},
	{FieldAdmissionTime, KindDateTime},
	{FieldDischargeTime, KindDateTime},
	{FieldTreatmentDays, KindCount},
	{FieldOutcome, KindCount},
	{FieldDischargeStatus, KindCount},
	{FieldSettlementTime, KindDateTime},
	{FieldBenefitLevel, KindMoney},
	{FieldDrugCost, KindMoney},
	{FieldSupplyCost, KindMoney},
	{FieldLabCost, KindMoney},
	{FieldImagingCost, KindMoney},
	{FieldProcedureCost, KindMoney},
	{FieldBloodCost, KindMoney},
	{FieldExamCost, KindMoney},
	{FieldBedCost, KindMoney},
	{FieldTransportCost, KindMoney},
	{FieldTotalCost, KindMoney},
	{FieldPatientPaid, KindMoney},
	{FieldPatientCopay, KindMoney},
	{FieldInsurancePaid, KindMoney},
	{FieldOtherSources, KindMoney},
	{FieldOutOfQuota, KindMoney},
	{FieldSettlementYear, KindCount},
	{FieldSettlementMonth, KindCount},
	{FieldKCBType, KindString},
	{FieldDepartmentCode, KindString},
	{FieldDoctorCode, KindString},
	{FieldProcedureCode, KindString},
	{FieldWeight, KindMoney},
}

// MetaFields are appended to every record by the importer.
var MetaFields = []Field{FieldImportedAt, FieldSourceFile}

// DefaultRequired is the coverage a sheet needs to be importable.
var DefaultRequired = []Field{
	FieldFacilityCode, FieldPatientCode, FieldFullName, FieldBirthDate,
	FieldSex, FieldCardNumber, FieldDiagnosisCode, FieldKCBType,
	FieldAdmissionTime, FieldDischargeTime, FieldTotalCost, FieldInsurancePaid,
	FieldSettlementYear, FieldSettlementMonth,
}

// DefaultNaturalKey identifies one billing episode.
var DefaultNaturalKey = []Field{
	FieldFacilityCode, FieldPatientCode, FieldKCBType, FieldAdmissionTime, FieldDischargeTime,
}

// DefaultSchema returns the settlement export schema.
func DefaultSchema() *Schema {
	s := &Schema{
		Fields:     make([]Field, 0, len(defaultFields)),
		Required:   append([]Field(nil), DefaultRequired...),
		NaturalKey: append([]Field(nil), DefaultNaturalKey...),
		kinds:      make(map[Field]Kind, len(defaultFields)+len(MetaFields)),
	}
	for _, d := range defaultFields {
		s.Fields = append(s.Fields, d.field)
		s.kinds[d.field] = d.kind
	}
	for _, f := range MetaFields {
		s.kinds[f] = KindMeta
	}
	return s
}

// WithRequired returns a copy of s using the given required subset. Every
// name must be a schema field.
func (s *Schema) WithRequired(names []string) (*Schema, error) {
	required := make([]Field, 0, len(names))
	for _, n := range names {
		f := Field(strings.ToLower(strings.TrimSpace(n)))
		if f == "" {
			continue
		}
		if k, ok := s.kinds[f]; !ok || k == KindMeta {
			return nil, fmt.Errorf("unknown required field %q", n)
		}
		required = append(required, f)
	}
	if len(required) == 0 {
		return nil, fmt.Errorf("required field list is empty")
	}
	out := *s
	out.Required = required
	return &out, nil
}

// Kind returns the coercion kind of f.
func (s *Schema) Kind(f Field) (Kind, bool) {
	k, ok := s.kinds[f]
	return k, ok
}

// Has reports whether f is a schema (non-metadata) field.
func (s *Schema) Has(f Field) bool {
	k, ok := s.kinds[f]
	return ok && k != KindMeta
}

// CommitFields is the exact column set handed to the store.
func (s *Schema) CommitFields() []Field {
	out := make([]Field, 0, len(s.Fields)+len(MetaFields))
	out = append(out, s.Fields...)
	return append(out, MetaFields...)
}

// FieldNames returns the schema fields as plain strings.
func FieldNames(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
