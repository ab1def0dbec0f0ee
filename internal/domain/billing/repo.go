package billing

import (
	"context"
	"fmt"
)

// Mode selects how committed rows interact with stored ones.
type Mode string

const (
	ModeNew       Mode = "new"
	ModeOverwrite Mode = "overwrite"
)

// ParseMode validates a commit mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNew, ModeOverwrite:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid commit mode %q (want %q or %q)", s, ModeNew, ModeOverwrite)
}

// Row is a record projected onto Schema.CommitFields, in that order.
type Row []Value

// AppendResult reports one append call.
type AppendResult struct {
	Inserted int
	Rejected int
	Deleted  int
}

// RecordStore is the warehouse table of committed settlement rows.
type RecordStore interface {
	// LookupExistingKeys returns the natural key of every stored row whose
	// patient code is in patientCodes.
	LookupExistingKeys(ctx context.Context, patientCodes []string) ([]KeyValues, error)
	// AppendRecords inserts rows. With ModeOverwrite rows sharing a natural
	// key with the batch are deleted first, in the same transaction.
	AppendRecords(ctx context.Context, mode Mode, rows []Row) (AppendResult, error)
}

// CareSetting is the ML2 section of a KCB type.
type CareSetting string

const (
	Outpatient CareSetting = "outpatient"
	Inpatient  CareSetting = "inpatient"
)

// ReferenceRepository serves the lookup tables used for advisory checks and
// pivot labels.
type ReferenceRepository interface {
	// Facilities maps facility code to display name.
	Facilities(ctx context.Context) (map[string]string, error)
	// KCBTypes maps KCB type code to its care setting.
	KCBTypes(ctx context.Context) (map[string]CareSetting, error)
}
