package sync

import "errors"

var (
	ErrEntityNotFound     = errors.New("entity not found")
	ErrVersionConflict    = errors.New("entity version changed concurrently")
	ErrTerminalNotFound   = errors.New("terminal not found")
	ErrTerminalInactive   = errors.New("terminal is inactive")
	ErrUnsupportedEntity  = errors.New("unsupported entity type")
	ErrInvalidStatus      = errors.New("invalid terminal status")
	ErrInvalidResolution  = errors.New("invalid conflict resolution")
	ErrResolutionNotFound = errors.New("conflict resolution not found")
	ErrTooManyChanges     = errors.New("too many changes in one push")
)

// Коды ошибок отдельного изменения в ответе push
const (
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOT_FOUND"
	CodeDuplicate  = "DUPLICATE"
	CodeStale      = "STALE"
	CodeInternal   = "INTERNAL"
)
