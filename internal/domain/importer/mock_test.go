package importer

import (
	"context"
	"sync"

	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/platform/archive"
)

// mockStore is an in-memory RecordStore and ReferenceRepository.
type mockStore struct {
	mu sync.Mutex

	keys map[string][]billing.KeyValues // by patient code

	lookupFn func(ctx context.Context, codes []string) ([]billing.KeyValues, error)
	appendFn func(ctx context.Context, call int, mode billing.Mode, rows []billing.Row) (billing.AppendResult, error)

	lookupCalls [][]string
	appendCalls [][]billing.Row
	appendModes []billing.Mode

	facilities map[string]string
	kcb        map[string]billing.CareSetting
	refErr     error
}

func newMockStore() *mockStore {
	return &mockStore{keys: make(map[string][]billing.KeyValues)}
}

func (m *mockStore) addKey(k billing.KeyValues) {
	m.mu.Lock()
	defer m.mu.Unlock()
	patient := k[1]
	m.keys[patient] = append(m.keys[patient], k)
}

func (m *mockStore) LookupExistingKeys(ctx context.Context, codes []string) ([]billing.KeyValues, error) {
	m.mu.Lock()
	m.lookupCalls = append(m.lookupCalls, append([]string(nil), codes...))
	fn := m.lookupFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, codes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.KeyValues
	for _, c := range codes {
		out = append(out, m.keys[c]...)
	}
	return out, nil
}

func (m *mockStore) AppendRecords(ctx context.Context, mode billing.Mode, rows []billing.Row) (billing.AppendResult, error) {
	m.mu.Lock()
	call := len(m.appendCalls)
	m.appendCalls = append(m.appendCalls, rows)
	m.appendModes = append(m.appendModes, mode)
	fn := m.appendFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, mode, rows)
	}
	return billing.AppendResult{Inserted: len(rows)}, nil
}

func (m *mockStore) appendedRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rows := range m.appendCalls {
		n += len(rows)
	}
	return n
}

func (m *mockStore) Facilities(ctx context.Context) (map[string]string, error) {
	if m.refErr != nil {
		return nil, m.refErr
	}
	return m.facilities, nil
}

func (m *mockStore) KCBTypes(ctx context.Context) (map[string]billing.CareSetting, error) {
	if m.refErr != nil {
		return nil, m.refErr
	}
	return m.kcb, nil
}

type mockArchiver struct {
	mu      sync.Mutex
	batches []archive.Batch
	err     error
}

func (a *mockArchiver) WriteBatch(ctx context.Context, b archive.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, b)
	return a.err
}

type mockPublisher struct {
	mu     sync.Mutex
	events map[string][]Progress
}

func (p *mockPublisher) Publish(sessionID string, pr Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]Progress)
	}
	p.events[sessionID] = append(p.events[sessionID], pr)
}

// episode builds a valid transformed record.
func episode(s *billing.Schema, facility, patient, kcb, admitted, discharged string) *billing.Record {
	r := billing.NewRecord(s)
	r.Set(billing.FieldFacilityCode, billing.Str(facility))
	r.Set(billing.FieldPatientCode, billing.Str(patient))
	r.Set(billing.FieldFullName, billing.Str("Nguyễn Văn A"))
	r.Set(billing.FieldBirthDate, billing.Str("1977-09-02"))
	r.Set(billing.FieldSex, billing.Num(1))
	r.Set(billing.FieldCardNumber, billing.Str("HC4010100000001"))
	r.Set(billing.FieldDiagnosisCode, billing.Str("J18"))
	r.Set(billing.FieldKCBType, billing.Str(kcb))
	r.Set(billing.FieldAdmissionTime, billing.Str(admitted))
	r.Set(billing.FieldDischargeTime, billing.Str(discharged))
	r.Set(billing.FieldTotalCost, billing.Num(1000))
	r.Set(billing.FieldInsurancePaid, billing.Num(800))
	r.Set(billing.FieldSettlementYear, billing.Num(2024))
	r.Set(billing.FieldSettlementMonth, billing.Num(1))
	r.Set(billing.FieldImportedAt, billing.Str("2024-02-01T00:00:00Z"))
	r.Set(billing.FieldSourceFile, billing.Str("test.xlsx"))
	return r
}

// rawRow is a spreadsheet row for episode-like data as read from a sheet.
func rawRow(facility, patient, kcb, admitted, discharged string) billing.RawRecord {
	return billing.RawRecord{
		"ma_cskcb":    billing.Str(facility),
		"ma_bn":       billing.Str(patient),
		"ho_ten":      billing.Str("Nguyễn Văn A"),
		"ngay_sinh":   billing.Str("19770902"),
		"gioi_tinh":   billing.Str("1"),
		"ma_the":      billing.Str("HC4010100000001"),
		"ma_benh":     billing.Str("J18"),
		"ma_loai_kcb": billing.Str(kcb),
		"ngay_vao":    billing.Str(admitted),
		"ngay_ra":     billing.Str(discharged),
		"t_tongchi":   billing.Str("1,000"),
		"t_bhtt":      billing.Str("800"),
		"nam_qt":      billing.Str("2024"),
		"thang_qt":    billing.Str("1"),
	}
}
