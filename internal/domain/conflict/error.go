package conflict

import "errors"

var (
	ErrAlreadyResolved    = errors.New("conflict already resolved")
	ErrInvalidResolution  = errors.New("invalid conflict resolution")
	ErrUnknownConflict    = errors.New("unknown conflict type")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrUnsupportedForAuto = errors.New("conflict cannot be resolved automatically")
)
