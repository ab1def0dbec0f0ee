package importer

import (
	"time"

	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/platform/workbook"
)

// Counts accounts for every uploaded row: Total = Invalid + New + Duplicate.
type Counts struct {
	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
}

// CommitReport is the outcome of one commit call. Submitted = Uploaded +
// Failed + Skipped.
type CommitReport struct {
	Mode        billing.Mode   `json:"mode"`
	Submitted   int            `json:"submitted"`
	Uploaded    int            `json:"uploaded"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Rechecked   bool           `json:"rechecked"`
	Batches     []BatchOutcome `json:"batches"`
	CommittedAt time.Time      `json:"committed_at"`
}

// SessionView is the client-facing state of a session.
type SessionView struct {
	ID             string                    `json:"id"`
	FileName       string                    `json:"file_name"`
	State          SessionState              `json:"state"`
	Sheet          string                    `json:"sheet,omitempty"`
	Candidates     []workbook.SheetCandidate `json:"candidates"`
	Counts         *Counts                   `json:"counts,omitempty"`
	Issues         []FieldIssue              `json:"issues,omitempty"`
	Warnings       []string                  `json:"warnings,omitempty"`
	Classification *Classification           `json:"classification,omitempty"`
	Commits        []CommitReport            `json:"commits,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	ExpiresAt      time.Time                 `json:"expires_at"`
}

// InvalidRowView is a rejected row with its failing fields.
type InvalidRowView struct {
	Index  int             `json:"index"`
	Fields []string        `json:"fields"`
	Record *billing.Record `json:"record"`
}

// RowView is a classified row with its natural key.
type RowView struct {
	Index  int             `json:"index"`
	Key    string          `json:"key"`
	Record *billing.Record `json:"record"`
}

// view must be called with s.mu held.
func (s *Session) view() *SessionView {
	v := &SessionView{
		ID:         s.ID,
		FileName:   s.FileName,
		State:      s.State,
		Sheet:      s.Sheet,
		Candidates: s.Candidates,
		CreatedAt:  s.CreatedAt,
		ExpiresAt:  s.ExpiresAt(),
	}
	if s.State != StateAnalyzed {
		return v
	}
	cls := s.Classification
	v.Counts = &Counts{
		Total:     len(s.Records),
		Valid:     len(s.Validation.Valid),
		Invalid:   len(s.Validation.Invalid),
		New:       len(cls.New),
		Duplicate: len(cls.Duplicate),
	}
	v.Issues = s.Validation.Issues
	v.Warnings = s.Warnings
	v.Classification = &cls
	v.Commits = s.Commits
	return v
}
