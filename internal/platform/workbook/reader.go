// Package workbook reads settlement exports from xlsx containers and finds
// the sheets that can be imported.
package workbook

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/bhyt/costdash/internal/domain/billing"
)

// Workbook is an opened spreadsheet container.
type Workbook struct {
	file *excelize.File
}

// Open reads a whole xlsx container from r.
func Open(r io.Reader) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	return &Workbook{file: f}, nil
}

func OpenBytes(data []byte) (*Workbook, error) {
	return Open(bytes.NewReader(data))
}

func (w *Workbook) Close() error {
	return w.file.Close()
}

// Sheets lists sheet names in workbook order.
func (w *Workbook) Sheets() []string {
	return w.file.GetSheetList()
}

func (w *Workbook) ensureSheet(sheet string) error {
	if !slices.Contains(w.Sheets(), sheet) {
		return &SheetNotFoundError{Sheet: sheet}
	}
	return nil
}

// Header returns the normalized header row of sheet. Blank header cells
// are returned as "".
func (w *Workbook) Header(sheet string) ([]string, error) {
	if err := w.ensureSheet(sheet); err != nil {
		return nil, err
	}
	rows, err := w.file.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Error()
	}
	cells, err := rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read header of %q: %w", sheet, err)
	}
	header := make([]string, len(cells))
	for i, c := range cells {
		header[i] = NormalizeHeader(c)
	}
	return header, nil
}

// Rows reads every data row of sheet. Every non-blank header column is a
// key of every record; empty cells are null. Cells are raw text so codes
// keep their leading zeros. Fully blank rows are skipped.
func (w *Workbook) Rows(sheet string) ([]billing.RawRecord, error) {
	if err := w.ensureSheet(sheet); err != nil {
		return nil, err
	}
	rows, err := w.file.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	var header []string
	out := []billing.RawRecord{}
	first := true
	for rows.Next() {
		cells, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if first {
			first = false
			header = make([]string, len(cells))
			for i, c := range cells {
				header[i] = NormalizeHeader(c)
			}
			continue
		}
		if rec, ok := buildRecord(header, cells); ok {
			out = append(out, rec)
		}
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return out, nil
}

// buildRecord pads cells to the header width. Duplicate header names keep
// the first column.
func buildRecord(header, cells []string) (billing.RawRecord, bool) {
	rec := make(billing.RawRecord, len(header))
	blank := true
	for i, key := range header {
		if key == "" {
			continue
		}
		if _, dup := rec[key]; dup {
			continue
		}
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		if strings.TrimSpace(cell) == "" {
			rec[key] = billing.Null()
			continue
		}
		blank = false
		rec[key] = billing.Str(cell)
	}
	return rec, !blank
}
