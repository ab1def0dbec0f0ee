package importer

// Stage names a step of an import.
type Stage string

const (
	StageRead     Stage = "read"
	StageValidate Stage = "validate"
	StageClassify Stage = "classify"
	StageCommit   Stage = "commit"
	StageDone     Stage = "done"
)

// Progress is reported after each store batch and at stage boundaries.
type Progress struct {
	Stage   Stage  `json:"stage"`
	Batch   int    `json:"batch,omitempty"`
	Batches int    `json:"batches,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProgressFunc receives progress events. It may be nil.
type ProgressFunc func(Progress)

func (fn ProgressFunc) report(p Progress) {
	if fn != nil {
		fn(p)
	}
}
