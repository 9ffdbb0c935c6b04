package conflict

import (
	"time"

	"possync/internal/domain/entity"
)

type Type string

const (
	ConcurrentUpdate Type = "CONCURRENT_UPDATE"
	DeletedUpdate    Type = "DELETED_UPDATE"
	DuplicateCreate  Type = "DUPLICATE_CREATE"
	VersionMismatch  Type = "VERSION_MISMATCH"
)

type Resolution string

const (
	Pending      Resolution = "PENDING"
	TerminalWins Resolution = "TERMINAL_WINS"
	CentralWins  Resolution = "CENTRAL_WINS"
	ManualMerge  Resolution = "MANUAL_MERGE"
	Discard      Resolution = "DISCARD"
)

func (r Resolution) Valid() bool {
	switch r {
	case TerminalWins, CentralWins, ManualMerge, Discard:
		return true
	}
	return false
}

const (
	ResolvedBySystem   = "SYSTEM"
	ResolvedByOperator = "OPERATOR"
)

// Record расхождение между копией терминала и центра
type Record struct {
	ID           string
	TerminalID   string
	EntityType   entity.Type
	EntityID     string
	ConflictType Type
	TerminalData entity.Data
	CentralData  entity.Data
	// CentralVersion версия центра на момент обнаружения
	CentralVersion int64
	Resolution     Resolution
	ResolvedData   entity.Data
	ResolvedBy     string
	ResolvedAt     *time.Time
	DetectedAt     time.Time
}

// Outcome решение по конфликту
type Outcome struct {
	Resolution Resolution
	Data       entity.Data
}

// Resolve переводит конфликт из PENDING в итоговое состояние. Повторно нельзя.
func (r *Record) Resolve(out Outcome, by string, now time.Time) error {
	if r.Resolution != Pending {
		return ErrAlreadyResolved
	}
	if !out.Resolution.Valid() {
		return ErrInvalidResolution
	}

	r.Resolution = out.Resolution
	r.ResolvedData = out.Data
	r.ResolvedBy = by
	r.ResolvedAt = &now

	return nil
}

func (r *Record) IsPending() bool {
	return r.Resolution == Pending
}
