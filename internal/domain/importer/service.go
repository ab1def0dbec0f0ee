package importer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/platform/workbook"
)

// RowsSheetName labels uploads that arrive as JSON rows.
const RowsSheetName = "rows"

// Publisher streams progress events of a session.
type Publisher interface {
	Publish(sessionID string, p Progress)
}

type ServiceConfig struct {
	Classifier   ClassifierConfig
	Committer    CommitterConfig
	RecheckAfter time.Duration
}

// Service drives import sessions through the pipeline.
type Service struct {
	schema       *billing.Schema
	transformer  *Transformer
	classifier   *Classifier
	committer    *Committer
	refs         billing.ReferenceRepository
	sessions     *SessionStore
	publisher    Publisher
	recheckAfter time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(schema *billing.Schema, store billing.RecordStore, refs billing.ReferenceRepository,
	sessions *SessionStore, cfg ServiceConfig, logger zerolog.Logger) *Service {
	return &Service{
		schema:       schema,
		transformer:  NewTransformer(schema),
		classifier:   NewClassifier(store, schema, cfg.Classifier, logger),
		committer:    NewCommitter(store, schema, cfg.Committer, logger),
		refs:         refs,
		sessions:     sessions,
		recheckAfter: cfg.RecheckAfter,
		logger:       logger,
		now:          time.Now,
	}
}

// SetArchiver archives every committed batch.
func (s *Service) SetArchiver(a Archiver) {
	s.committer = s.committer.WithArchiver(a)
}

// SetPublisher streams session progress to p.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Service) progress(sessionID string) ProgressFunc {
	if s.publisher == nil {
		return nil
	}
	return func(p Progress) { s.publisher.Publish(sessionID, p) }
}

// Upload reads a workbook and opens a session for it. The session is
// analyzed right away when sheet names a compatible sheet or only one sheet
// qualifies; otherwise it waits for SelectSheet.
// Analysis runs within the call, so its progress events reach nobody: the
// id is only known once Upload returns. SelectSheet and Commit are the
// streamed steps.
func (s *Service) Upload(ctx context.Context, fileName string, data []byte, sheet string) (*SessionView, error) {
	wb, err := workbook.OpenBytes(data)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	candidates, err := workbook.Detect(wb, s.schema.Required, s.schema.Fields)
	if err != nil {
		return nil, err
	}
	chosen, err := workbook.SelectSheet(candidates, sheet)
	if err != nil && !errors.Is(err, workbook.ErrSheetRequired) {
		return nil, err
	}

	sess := s.sessions.Create(fileName)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.data = data
	sess.Candidates = candidates
	sess.State = StateAwaitingSheet

	s.logger.Info().Str("session_id", sess.ID).Str("file", fileName).
		Int("candidates", len(candidates)).Msg("workbook uploaded")

	if chosen.Sheet != "" {
		if err := s.analyzeSheet(ctx, sess, wb, chosen.Sheet); err != nil {
			s.sessions.Delete(sess.ID)
			return nil, err
		}
	}
	return sess.view(), nil
}

// UploadRows opens a session from rows parsed elsewhere. Keys are
// normalized like workbook headers and every row gets every key.
func (s *Service) UploadRows(ctx context.Context, fileName string, rows []billing.RawRecord) (*SessionView, error) {
	normalized, header, err := normalizeRows(rows)
	if err != nil {
		return nil, err
	}
	candidate, err := workbook.CheckHeader(RowsSheetName, header, s.schema.Required, s.schema.Fields)
	if err != nil {
		return nil, err
	}

	sess := s.sessions.Create(fileName)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.Candidates = []workbook.SheetCandidate{candidate}
	sess.Sheet = RowsSheetName

	s.logger.Info().Str("session_id", sess.ID).Str("file", fileName).Int("rows", len(rows)).Msg("rows uploaded")
	s.analyze(ctx, sess, normalized)
	return sess.view(), nil
}

// normalizeRows keys every row by normalized header. Keys are visited in
// sorted order so the header order is stable; two keys of one row that
// normalize to the same header are rejected.
func normalizeRows(rows []billing.RawRecord) ([]billing.RawRecord, []string, error) {
	var header []string
	seen := make(map[string]bool)
	out := make([]billing.RawRecord, len(rows))
	for i, row := range rows {
		rec := make(billing.RawRecord, len(row))
		source := make(map[string]string, len(row))
		for _, k := range slices.Sorted(maps.Keys(row)) {
			key := workbook.NormalizeHeader(k)
			if key == "" {
				continue
			}
			if prev, dup := source[key]; dup {
				return nil, nil, fmt.Errorf("%w: row %d has %q and %q", ErrDuplicateColumn, i, prev, k)
			}
			source[key] = k
			rec[key] = row[k]
			if !seen[key] {
				seen[key] = true
				header = append(header, key)
			}
		}
		out[i] = rec
	}
	for _, rec := range out {
		for _, key := range header {
			if _, ok := rec[key]; !ok {
				rec[key] = billing.Null()
			}
		}
	}
	return out, header, nil
}

// SelectSheet analyzes the named sheet of a workbook session.
func (s *Service) SelectSheet(ctx context.Context, id, sheet string) (*SessionView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.data == nil {
		return nil, ErrNoWorkbook
	}
	chosen, err := workbook.SelectSheet(sess.Candidates, sheet)
	if err != nil {
		return nil, err
	}
	wb, err := workbook.OpenBytes(sess.data)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	if err := s.analyzeSheet(ctx, sess, wb, chosen.Sheet); err != nil {
		return nil, err
	}
	return sess.view(), nil
}

func (s *Service) analyzeSheet(ctx context.Context, sess *Session, wb *workbook.Workbook, sheet string) error {
	progress := s.progress(sess.ID)
	progress.report(Progress{Stage: StageRead, Message: sheet})
	raws, err := wb.Rows(sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	sess.Sheet = sheet
	s.analyze(ctx, sess, raws)
	return nil
}

// analyze runs transform, validate, classify and summarize, and records
// reference warnings.
func (s *Service) analyze(ctx context.Context, sess *Session, raws []billing.RawRecord) {
	progress := s.progress(sess.ID)

	sess.Records = s.transformer.Transform(raws, sess.FileName)
	sess.Validation = Validate(sess.Records, s.schema.Required)
	progress.report(Progress{Stage: StageValidate,
		Message: fmt.Sprintf("%d valid, %d invalid", len(sess.Validation.Valid), len(sess.Validation.Invalid))})

	s.classify(ctx, sess)

	facilities, kcb := s.references(ctx)
	sess.Pivot = s.summarize(sess, facilities, kcb)
	sess.Warnings = referenceWarnings(sess.Validation.ValidRecords(sess.Records), facilities, kcb)
	sess.State = StateAnalyzed
	sess.Commits = nil

	progress.report(Progress{Stage: StageDone})
	s.logger.Info().Str("session_id", sess.ID).Str("sheet", sess.Sheet).
		Int("rows", len(sess.Records)).
		Int("invalid", len(sess.Validation.Invalid)).
		Int("new", len(sess.Classification.New)).
		Int("duplicate", len(sess.Classification.Duplicate)).
		Int("failed_lookups", sess.Classification.FailedBatches).
		Msg("import analyzed")
}

// classify classifies the valid records and maps indices back to
// sess.Records.
func (s *Service) classify(ctx context.Context, sess *Session) {
	valid := sess.Validation.ValidRecords(sess.Records)
	cls := s.classifier.Classify(ctx, valid, s.progress(sess.ID))
	for i, idx := range cls.New {
		cls.New[i] = sess.Validation.Valid[idx]
	}
	for i, idx := range cls.Duplicate {
		cls.Duplicate[i] = sess.Validation.Valid[idx]
	}
	sess.Classification = cls
}

func (s *Service) summarize(sess *Session, facilities FacilityNames, kcb KCBTypeGroups) Pivot {
	rows := make([]ClassifiedRow, 0, len(sess.Validation.Valid))
	for _, idx := range sess.Classification.New {
		rows = append(rows, ClassifiedRow{Record: sess.Records[idx], Section: SectionValid})
	}
	for _, idx := range sess.Classification.Duplicate {
		rows = append(rows, ClassifiedRow{Record: sess.Records[idx], Section: SectionDuplicate})
	}
	return Summarize(rows, facilities, kcb)
}

// references loads the lookup tables. A failing lookup is logged and
// returns nil, which disables its warnings and falls back to defaults.
func (s *Service) references(ctx context.Context) (FacilityNames, KCBTypeGroups) {
	if s.refs == nil {
		return nil, nil
	}
	facilities, err := s.refs.Facilities(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("facility lookup unavailable")
		facilities = nil
	}
	kcb, err := s.refs.KCBTypes(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("kcb type lookup unavailable")
		kcb = nil
	}
	return facilities, kcb
}

func referenceWarnings(records []*billing.Record, facilities FacilityNames, kcb KCBTypeGroups) []string {
	warnings := []string{}
	if facilities != nil {
		warnings = append(warnings, unknownCodes(records, billing.FieldFacilityCode, func(c string) bool {
			_, ok := facilities[c]
			return ok
		}, "facility code %q not found in dm_cskcb (%d rows)")...)
	}
	if kcb != nil {
		warnings = append(warnings, unknownCodes(records, billing.FieldKCBType, func(c string) bool {
			_, ok := kcb[c]
			return ok
		}, "KCB type %q not found in dm_loai_kcb (%d rows)")...)
	}
	return warnings
}

func unknownCodes(records []*billing.Record, f billing.Field, known func(string) bool, format string) []string {
	counts := make(map[string]int)
	for _, rec := range records {
		code := rec.Get(f).Text()
		if code != "" && !known(code) {
			counts[code]++
		}
	}
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = fmt.Sprintf(format, c, counts[c])
	}
	return out
}

// Commit sends selected rows of the mode's class to the store: "new" rows
// for ModeNew, "duplicate" rows for ModeOverwrite. An empty selection means
// the whole class. Selected rows outside the class are skipped. The
// classification is refreshed first when older than the recheck interval.
func (s *Service) Commit(ctx context.Context, id, mode string, indices []int) (*CommitReport, error) {
	m, err := billing.ParseMode(mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.State != StateAnalyzed {
		return nil, ErrNotReady
	}

	report := &CommitReport{Mode: m, CommittedAt: s.now()}
	if s.now().Sub(sess.Classification.CheckedAt) > s.recheckAfter {
		s.classify(ctx, sess)
		facilities, kcb := s.references(ctx)
		sess.Pivot = s.summarize(sess, facilities, kcb)
		report.Rechecked = true
	}

	class := sess.Classification.New
	if m == billing.ModeOverwrite {
		class = sess.Classification.Duplicate
	}
	selected, skipped := selectRows(class, indices)
	records := make([]*billing.Record, len(selected))
	for i, idx := range selected {
		records[i] = sess.Records[idx]
	}

	res := s.committer.Commit(ctx, records, m, CommitOptions{
		SessionID: sess.ID,
		SeqOffset: sess.archivedBatches,
		Progress:  s.progress(sess.ID),
	})
	sess.archivedBatches += len(res.Batches)
	// Committed rows change the store; the next commit must look again.
	sess.Classification.CheckedAt = time.Time{}

	report.Submitted = len(selected) + skipped
	report.Uploaded = res.Uploaded
	report.Failed = res.Failed
	report.Skipped = skipped
	report.Batches = res.Batches
	sess.Commits = append(sess.Commits, *report)
	s.progress(sess.ID).report(Progress{Stage: StageDone, Message: string(m)})

	s.logger.Info().Str("session_id", sess.ID).Str("mode", string(m)).
		Int("uploaded", report.Uploaded).Int("failed", report.Failed).Int("skipped", report.Skipped).
		Msg("import committed")
	return report, nil
}

// selectRows intersects the requested indices with class, keeping class
// order. Requested indices not in class, including duplicates in the
// request, are counted as skipped.
func selectRows(class, indices []int) ([]int, int) {
	if len(indices) == 0 {
		return append([]int(nil), class...), 0
	}
	want := make(map[int]bool, len(indices))
	skipped := 0
	for _, idx := range indices {
		if want[idx] {
			skipped++
			continue
		}
		want[idx] = true
	}
	var selected []int
	for _, idx := range class {
		if want[idx] {
			selected = append(selected, idx)
			delete(want, idx)
		}
	}
	return selected, skipped + len(want)
}

// Discard drops a session.
func (s *Service) Discard(_ context.Context, id string) error {
	return s.sessions.Delete(id)
}

// Get returns the current view of a session.
func (s *Service) Get(_ context.Context, id string) (*SessionView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

// Pivot returns the reconciliation grid of an analyzed session.
func (s *Service) Pivot(_ context.Context, id string) (*Pivot, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.State != StateAnalyzed {
		return nil, ErrNotReady
	}
	p := sess.Pivot
	return &p, nil
}

// InvalidRows pages through rejected rows.
func (s *Service) InvalidRows(_ context.Context, id string, limit, offset int) ([]InvalidRowView, int, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.State != StateAnalyzed {
		return nil, 0, ErrNotReady
	}

	all := sess.Validation.Invalid
	start, end := pageBounds(len(all), limit, offset)
	out := make([]InvalidRowView, 0, end-start)
	for _, row := range all[start:end] {
		out = append(out, InvalidRowView{Index: row.Index, Fields: row.Fields, Record: sess.Records[row.Index]})
	}
	return out, len(all), nil
}

// ClassRows pages through rows classified new or duplicate.
func (s *Service) ClassRows(_ context.Context, id, class string, limit, offset int) ([]RowView, int, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.State != StateAnalyzed {
		return nil, 0, ErrNotReady
	}

	var all []int
	switch class {
	case "new":
		all = sess.Classification.New
	case "duplicate":
		all = sess.Classification.Duplicate
	default:
		return nil, 0, ErrInvalidClass
	}
	start, end := pageBounds(len(all), limit, offset)
	out := make([]RowView, 0, end-start)
	for _, idx := range all[start:end] {
		out = append(out, RowView{Index: idx, Key: s.schema.NaturalKeyOf(sess.Records[idx]), Record: sess.Records[idx]})
	}
	return out, len(all), nil
}

func pageBounds(total, limit, offset int) (int, int) {
	start := min(max(offset, 0), total)
	end := total
	if limit > 0 {
		end = min(start+limit, total)
	}
	return start, end
}
