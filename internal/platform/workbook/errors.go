package workbook

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSheetRequired is returned by SelectSheet when several sheets qualify
// and none was named.
var ErrSheetRequired = errors.New("workbook has several compatible sheets; choose one")

// FormatError means the input is not a readable spreadsheet container.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unreadable workbook: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// SheetNotFoundError names a sheet that does not exist or does not qualify.
type SheetNotFoundError struct {
	Sheet      string
	Compatible []string
}

func (e *SheetNotFoundError) Error() string {
	if len(e.Compatible) == 0 {
		return fmt.Sprintf("sheet %q not found", e.Sheet)
	}
	return fmt.Sprintf("sheet %q is not a compatible sheet (compatible: %s)",
		e.Sheet, strings.Join(e.Compatible, ", "))
}

// SheetMismatch explains why one sheet was not a candidate.
type SheetMismatch struct {
	Sheet   string   `json:"sheet"`
	Missing []string `json:"missing,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// NoCompatibleSheetError means no sheet covers the required fields.
type NoCompatibleSheetError struct {
	Sheets          []SheetMismatch `json:"sheets"`
	CommonlyMissing []string        `json:"commonly_missing"`
}

func (e *NoCompatibleSheetError) Error() string {
	if len(e.CommonlyMissing) == 0 {
		return "no compatible sheet found"
	}
	return fmt.Sprintf("no compatible sheet found; commonly missing fields: %s",
		strings.Join(e.CommonlyMissing, ", "))
}
