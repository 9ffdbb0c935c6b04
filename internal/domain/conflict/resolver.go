package conflict

import (
	"fmt"
	"time"

	"possync/internal/domain/entity"
)

// Resolver выбирает стратегию разрешения по типу конфликта
type Resolver struct {
	registry *entity.Registry
}

func NewResolver(registry *entity.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Decide вычисляет исход, ничего не меняя
func (r *Resolver) Decide(rec *Record) (Outcome, error) {
	switch rec.ConflictType {
	case ConcurrentUpdate:
		return lastWriteWins(rec), nil
	case DeletedUpdate:
		if rec.CentralData.IsDeleted() {
			return Outcome{Resolution: CentralWins, Data: nil}, nil
		}
		return Outcome{Resolution: TerminalWins, Data: rec.TerminalData}, nil
	case DuplicateCreate:
		h, ok := r.registry.Lookup(rec.EntityType)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %w: %s", ErrUnsupportedForAuto, entity.ErrUnknownType, rec.EntityType)
		}
		return Outcome{Resolution: ManualMerge, Data: h.Merge(rec.TerminalData, rec.CentralData)}, nil
	case VersionMismatch:
		return Outcome{Resolution: CentralWins, Data: rec.CentralData}, nil
	}

	return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownConflict, rec.ConflictType)
}

// lastWriteWins побеждает более поздний updatedAt (или createdAt), при равенстве - центр
func lastWriteWins(rec *Record) Outcome {
	terminalAt := changedAt(rec.TerminalData)
	centralAt := changedAt(rec.CentralData)

	if terminalAt.After(centralAt) {
		return Outcome{Resolution: TerminalWins, Data: rec.TerminalData}
	}
	return Outcome{Resolution: CentralWins, Data: rec.CentralData}
}

func changedAt(d entity.Data) time.Time {
	if t, ok := d.Time("updatedAt"); ok {
		return t
	}
	t, _ := d.Time("createdAt")
	return t
}
