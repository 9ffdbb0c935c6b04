package entity

import "errors"

var (
	ErrUnknownType    = errors.New("unsupported entity type")
	ErrInvalidMapping = errors.New("invalid field mapping")
	ErrMissingID      = errors.New("entity id is required")
)
