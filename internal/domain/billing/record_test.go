package billing

import (
	"encoding/json"
	"testing"
)

func TestNewRecord_AllCommitFieldsPresent(t *testing.T) {
	s := DefaultSchema()
	r := NewRecord(s)
	for _, f := range s.CommitFields() {
		v, ok := r.Values[f]
		if !ok {
			t.Errorf("field %s missing", f)
			continue
		}
		if !v.IsNull() {
			t.Errorf("field %s should start null", f)
		}
	}
}

func TestJoinKey_NullAndEmptyCollapse(t *testing.T) {
	a := JoinKey([]Value{Str("F1"), Null(), Str("1")})
	b := JoinKey([]Value{Str("F1"), Str(""), Str("1")})
	if a != b {
		t.Errorf("expected %q == %q", a, b)
	}
	if a != "F1||1" {
		t.Errorf("unexpected key %q", a)
	}
	if JoinKey([]Value{Num(1), Str("x")}) != JoinKey([]Value{Str("1"), Str("x")}) {
		t.Error("numeric and string segments with the same text must join identically")
	}
}

func TestNaturalKeyOf(t *testing.T) {
	s := DefaultSchema()
	r := NewRecord(s)
	r.Set(FieldFacilityCode, Str("F1"))
	r.Set(FieldPatientCode, Str("P1"))
	r.Set(FieldKCBType, Str("1"))
	r.Set(FieldAdmissionTime, Str("2024-01-01T00:00"))
	r.Set(FieldDischargeTime, Str("2024-01-05T00:00"))

	got := s.NaturalKeyOf(r)
	want := KeyValues{"F1", "P1", "1", "2024-01-01T00:00", "2024-01-05T00:00"}.Join()
	if got != want {
		t.Errorf("NaturalKeyOf() = %q, want %q", got, want)
	}
}

func TestRecord_ProjectAndJSON(t *testing.T) {
	s := DefaultSchema()
	r := NewRecord(s)
	r.Set(FieldPatientCode, Str("P1"))
	r.Extras = map[string]Value{"ghi_chu": Str("x")}

	row := r.Project([]Field{FieldPatientCode, FieldFacilityCode})
	if !row[0].Equal(Str("P1")) || !row[1].IsNull() {
		t.Errorf("unexpected projection %+v", row)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["ma_bn"] != "P1" || m["ghi_chu"] != "x" {
		t.Errorf("unexpected JSON object %v", m)
	}
	if v, ok := m["ma_cskcb"]; !ok || v != nil {
		t.Errorf("expected ma_cskcb null, got %v (present=%v)", v, ok)
	}
}
