package sync

import (
	"context"
	"time"

	"possync/internal/domain/entity"
)

// Repository хранилище центра
type Repository interface {
	// Entities
	GetEntity(ctx context.Context, t entity.Type, id string) (*Entity, error)
	// SaveEntity пишет сущность, только если сохраненная версия равна expectedVersion
	// (0 - сущности еще нет). Иначе ErrVersionConflict.
	SaveEntity(ctx context.Context, e *Entity, expectedVersion int64) error
	ListChangesSince(ctx context.Context, q ChangesQuery) ([]*Entity, error)
	CountChangesSince(ctx context.Context, q ChangesQuery) (int, error)

	// Terminals
	GetTerminal(ctx context.Context, id string) (*Terminal, error)
	ListActiveTerminals(ctx context.Context) ([]*Terminal, error)
	UpdateTerminalStatus(ctx context.Context, id string, status TerminalStatus, at time.Time) error
	SaveTerminalStats(ctx context.Context, id string, stats map[entity.Type]TypeStats, at time.Time) error

	// Full resync
	RequestResync(ctx context.Context, terminalID string, types []entity.Type, at time.Time) error
	// PendingResync время запроса пересинхронизации типа, ok=false если запроса нет
	PendingResync(ctx context.Context, terminalID string, t entity.Type) (requestedAt time.Time, ok bool, err error)
	// ClearResync снимает запрос, только если он не был повторен после requestedAt
	ClearResync(ctx context.Context, terminalID string, t entity.Type, requestedAt time.Time) error

	// Statistics
	IncrementCounters(ctx context.Context, terminalID string, t entity.Type, delta Counters) error
	GetStatusCounts(ctx context.Context, terminalID string) (map[entity.Type]StatusCounts, error)

	// Conflicts and audit
	GetResolution(ctx context.Context, conflictID string) (*ConflictResolution, error)
	SaveResolution(ctx context.Context, r *ConflictResolution) error
	AppendSyncLog(ctx context.Context, l *SyncLog) error
}
