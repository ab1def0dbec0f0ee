// Package archive keeps a parquet copy of every batch committed to the
// warehouse, one file per batch.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/bhyt/costdash/internal/domain/billing"
)

// Row is one archived record.
type Row struct {
	BatchID    string `parquet:"batch_id"`
	SessionID  string `parquet:"session_id"`
	SourceFile string `parquet:"source_file"`
	Mode       string `parquet:"mode"`
	NaturalKey string `parquet:"natural_key"`
	ImportedAt string `parquet:"imported_at"`
	Payload    string `parquet:"payload"`
}

// Batch is a commit batch acknowledged by the store.
type Batch struct {
	ID        uuid.UUID
	SessionID string
	Seq       int
	Mode      billing.Mode
	Fields    []billing.Field
	Rows      []billing.Row
	Keys      []string
}

// Writer writes batches under dir/<session>/<seq>.parquet.
type Writer struct {
	dir    string
	logger zerolog.Logger
}

func NewWriter(dir string, logger zerolog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger}
}

// Path returns the file a batch is written to.
func (w *Writer) Path(sessionID string, seq int) string {
	return filepath.Join(w.dir, sessionID, fmt.Sprintf("%04d.parquet", seq))
}

func (w *Writer) WriteBatch(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows, err := toRows(b)
	if err != nil {
		return err
	}

	path := w.Path(b.SessionID, b.Seq)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	writer := parquet.NewGenericWriter[Row](file,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("costdash", "1.0", ""),
	)
	if _, err := writer.Write(rows); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write archive rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("close archive writer: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close archive file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize archive file: %w", err)
	}

	w.logger.Debug().Str("path", path).Int("rows", len(rows)).Msg("batch archived")
	return nil
}

func toRows(b Batch) ([]Row, error) {
	importedAt, sourceFile := -1, -1
	for i, f := range b.Fields {
		switch f {
		case billing.FieldImportedAt:
			importedAt = i
		case billing.FieldSourceFile:
			sourceFile = i
		}
	}

	out := make([]Row, len(b.Rows))
	for i, r := range b.Rows {
		if len(r) != len(b.Fields) {
			return nil, fmt.Errorf("archive row %d has %d values, want %d", i, len(r), len(b.Fields))
		}
		payload := make(map[string]billing.Value, len(r))
		for j, f := range b.Fields {
			payload[string(f)] = r[j]
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode archive payload: %w", err)
		}
		row := Row{
			BatchID:   b.ID.String(),
			SessionID: b.SessionID,
			Mode:      string(b.Mode),
			Payload:   string(data),
		}
		if i < len(b.Keys) {
			row.NaturalKey = b.Keys[i]
		}
		if importedAt >= 0 {
			row.ImportedAt = r[importedAt].Text()
		}
		if sourceFile >= 0 {
			row.SourceFile = r[sourceFile].Text()
		}
		out[i] = row
	}
	return out, nil
}

// ReadFile loads an archived batch.
func ReadFile(path string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}
	return rows, nil
}
