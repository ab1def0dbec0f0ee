package billing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bhyt/costdash/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const recordsTable = "billing_records"

const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02T15:04:05"
)

// PGStore is the PostgreSQL warehouse of committed settlement rows. It
// implements RecordStore and ReferenceRepository.
type PGStore struct {
	pool   *pgxpool.Pool
	schema *Schema
}

func NewPGStore(pool *pgxpool.Pool, schema *Schema) *PGStore {
	return &PGStore{pool: pool, schema: schema}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// keyExpr renders a natural key column as the text a transformed record
// carries for it, with NULL as "".
func (s *PGStore) keyExpr(alias string, f Field) string {
	col := alias + "." + pgx.Identifier{string(f)}.Sanitize()
	kind, _ := s.schema.Kind(f)
	switch kind {
	case KindDate:
		col = fmt.Sprintf(`to_char(%s, 'YYYY-MM-DD')`, col)
	case KindDateTime:
		col = fmt.Sprintf(`to_char(%s, 'YYYY-MM-DD"T"HH24:MI:SS')`, col)
	case KindMoney:
		col = fmt.Sprintf(`(%s)::float8::text`, col)
	case KindCount:
		col = fmt.Sprintf(`(%s)::text`, col)
	}
	return fmt.Sprintf("COALESCE(%s, '')", col)
}

func (s *PGStore) LookupExistingKeys(ctx context.Context, patientCodes []string) ([]KeyValues, error) {
	if len(patientCodes) == 0 {
		return nil, nil
	}
	exprs := make([]string, len(s.schema.NaturalKey))
	for i, f := range s.schema.NaturalKey {
		exprs[i] = s.keyExpr("b", f)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s b WHERE b.%s = ANY($1)`,
		strings.Join(exprs, ", "),
		pgx.Identifier{recordsTable}.Sanitize(),
		pgx.Identifier{string(FieldPatientCode)}.Sanitize())

	rows, err := s.conn(ctx).Query(ctx, q, patientCodes)
	if err != nil {
		return nil, fmt.Errorf("lookup existing keys: %w", err)
	}
	defer rows.Close()

	var out []KeyValues
	for rows.Next() {
		key := make(KeyValues, len(exprs))
		dest := make([]any, len(key))
		for i := range key {
			dest[i] = &key[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan existing key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendRecords(ctx context.Context, mode Mode, rows []Row) (AppendResult, error) {
	fields := s.schema.CommitFields()
	cols := FieldNames(fields)

	var res AppendResult
	encoded := make([][]any, 0, len(rows))
	keys := make([][]string, len(s.schema.NaturalKey))
	keyIdx := s.naturalKeyIndexes(fields)
	for _, row := range rows {
		vals, err := s.encodeRow(fields, row)
		if err != nil {
			res.Rejected++
			continue
		}
		encoded = append(encoded, vals)
		for k, i := range keyIdx {
			keys[k] = append(keys[k], row[i].Text())
		}
	}
	if len(encoded) == 0 {
		return res, nil
	}

	err := db.InTx(ctx, s.pool, func(ctx context.Context) error {
		if mode == ModeOverwrite {
			n, err := s.deleteByKeys(ctx, keys)
			if err != nil {
				return err
			}
			res.Deleted = n
		}
		n, err := s.conn(ctx).CopyFrom(ctx, pgx.Identifier{recordsTable}, cols, pgx.CopyFromRows(encoded))
		if err != nil {
			return fmt.Errorf("copy %d rows: %w", len(encoded), err)
		}
		res.Inserted = int(n)
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

func (s *PGStore) naturalKeyIndexes(fields []Field) []int {
	pos := make(map[Field]int, len(fields))
	for i, f := range fields {
		pos[f] = i
	}
	out := make([]int, len(s.schema.NaturalKey))
	for i, f := range s.schema.NaturalKey {
		out[i] = pos[f]
	}
	return out
}

func (s *PGStore) deleteByKeys(ctx context.Context, keys [][]string) (int, error) {
	arrays := make([]string, len(keys))
	aliases := make([]string, len(keys))
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, f := range s.schema.NaturalKey {
		arrays[i] = fmt.Sprintf("$%d::text[]", i+1)
		aliases[i] = fmt.Sprintf("k%d", i)
		conds[i] = fmt.Sprintf("%s = k.k%d", s.keyExpr("b", f), i)
		args[i] = keys[i]
	}
	q := fmt.Sprintf(`DELETE FROM %s b USING unnest(%s) AS k(%s) WHERE %s`,
		pgx.Identifier{recordsTable}.Sanitize(),
		strings.Join(arrays, ", "),
		strings.Join(aliases, ", "),
		strings.Join(conds, " AND "))

	tag, err := s.conn(ctx).Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete existing episodes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// encodeRow converts one projected row to column values.
func (s *PGStore) encodeRow(fields []Field, row Row) ([]any, error) {
	if len(row) != len(fields) {
		return nil, fmt.Errorf("row has %d values, want %d", len(row), len(fields))
	}
	out := make([]any, len(row))
	for i, f := range fields {
		v := row[i]
		if v.IsNull() {
			continue
		}
		kind, _ := s.schema.Kind(f)
		val, err := encodeValue(f, kind, v)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func encodeValue(f Field, kind Kind, v Value) (any, error) {
	switch kind {
	case KindDate:
		return parseTimeValue(f, v, DateLayout)
	case KindDateTime:
		return parseTimeValue(f, v, DateTimeLayout)
	case KindMeta:
		if f == FieldImportedAt {
			return parseTimeValue(f, v, time.RFC3339Nano)
		}
		return v.Text(), nil
	case KindCount:
		n, ok := v.Number()
		if !ok || n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fmt.Errorf("%s: %q is not an integer", f, v.Text())
		}
		return int32(n), nil
	case KindMoney:
		n, ok := v.Number()
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a number", f, v.Text())
		}
		d := decimal.NewFromFloat(n)
		return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}, nil
	default:
		return v.Text(), nil
	}
}

func parseTimeValue(f Field, v Value, layout string) (time.Time, error) {
	str, ok := v.String()
	if !ok {
		return time.Time{}, fmt.Errorf("%s: expected text, got %q", f, v.Text())
	}
	t, err := time.Parse(layout, str)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", f, err)
	}
	return t, nil
}

func (s *PGStore) Facilities(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT ma_cskcb, ten_cskcb FROM dm_cskcb`)
	if err != nil {
		return nil, fmt.Errorf("list facilities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var code, name string
		if err := rows.Scan(&code, &name); err != nil {
			return nil, fmt.Errorf("scan facility: %w", err)
		}
		out[code] = name
	}
	return out, rows.Err()
}

func (s *PGStore) KCBTypes(ctx context.Context) (map[string]CareSetting, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT ma_loai_kcb, noi_tru FROM dm_loai_kcb`)
	if err != nil {
		return nil, fmt.Errorf("list kcb types: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CareSetting)
	for rows.Next() {
		var code string
		var inpatient bool
		if err := rows.Scan(&code, &inpatient); err != nil {
			return nil, fmt.Errorf("scan kcb type: %w", err)
		}
		out[code] = Outpatient
		if inpatient {
			out[code] = Inpatient
		}
	}
	return out, rows.Err()
}
