package importer

import "errors"

var (
	ErrSessionNotFound = errors.New("import session not found")
	ErrSessionExpired  = errors.New("import session expired")
	ErrNotReady        = errors.New("import session has no analyzed sheet")
	ErrInvalidMode     = errors.New("invalid commit mode")
	ErrNoWorkbook      = errors.New("import session was not created from a workbook")
	ErrInvalidClass    = errors.New("row class must be new or duplicate")
	ErrDuplicateColumn = errors.New("columns collide after header normalization")
)
