package sync

import (
	"time"

	"possync/internal/domain/entity"
)

// Entity центральная (эталонная) копия сущности
type Entity struct {
	Type        entity.Type
	ID          string
	Data        entity.Data
	SyncVersion int64
	IsActive    bool
	DeletedAt   *time.Time
	// Поля видимости для pull
	StoreID    string
	BranchID   string
	TerminalID string
	LocationID string
	// ChangedAt момент последнего принятого изменения, по нему идет pull
	ChangedAt        time.Time
	LastSyncedAt     *time.Time
	SourceTerminalID string
	// ChangeHash отпечаток изменения, которое дало текущую версию
	ChangeHash string
	CreatedAt  time.Time
}

func (e *Entity) Deleted() bool {
	return !e.IsActive || e.DeletedAt != nil
}

// View данные сущности вместе с признаками удаления, как их видит терминал.
// updatedAt всегда время последнего принятого центром изменения.
func (e *Entity) View() entity.Data {
	out := e.Data.Clone()
	if out == nil {
		out = entity.Data{}
	}
	out["id"] = e.ID
	if !e.ChangedAt.IsZero() {
		out["updatedAt"] = e.ChangedAt.UTC().Format(time.RFC3339Nano)
	}
	if e.Deleted() {
		out["isActive"] = false
		out["isDeleted"] = true
	}
	if e.DeletedAt != nil {
		out["deletedAt"] = e.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

type TerminalStatus string

const (
	TerminalOnline  TerminalStatus = "ONLINE"
	TerminalOffline TerminalStatus = "OFFLINE"
	TerminalSyncing TerminalStatus = "SYNCING"
	TerminalError   TerminalStatus = "ERROR"
)

func (s TerminalStatus) Valid() bool {
	switch s {
	case TerminalOnline, TerminalOffline, TerminalSyncing, TerminalError:
		return true
	}
	return false
}

// Terminal точка продаж, зарегистрированная в центре
type Terminal struct {
	ID            string         `json:"id"`
	Code          string         `json:"code"`
	Name          string         `json:"name"`
	StoreID       string         `json:"storeId"`
	BranchID      string         `json:"branchId"`
	LocationID    string         `json:"locationId,omitempty"`
	Status        TerminalStatus `json:"status"`
	IsActive      bool           `json:"isActive"`
	LastHeartbeat *time.Time     `json:"lastHeartbeat,omitempty"`
}

// TypeStats счетчики очереди терминала по одному типу сущности
type TypeStats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// Counters приращения счетчиков центра
type Counters struct {
	Synced    int64
	Rejected  int64
	Conflicts int64
}

func (c Counters) IsZero() bool {
	return c.Synced == 0 && c.Rejected == 0 && c.Conflicts == 0
}

// StatusCounts сводка по типу сущности
type StatusCounts struct {
	Pending   int64 `json:"pending"`
	Failed    int64 `json:"failed"`
	Synced    int64 `json:"synced"`
	Conflicts int64 `json:"conflicts"`
}

func (s *StatusCounts) Add(o StatusCounts) {
	s.Pending += o.Pending
	s.Failed += o.Failed
	s.Synced += o.Synced
	s.Conflicts += o.Conflicts
}

// ChangesQuery выборка изменений для одного терминала
type ChangesQuery struct {
	EntityType entity.Type
	Since      time.Time
	// Until верхняя граница changed_at включительно, нулевая - без границы
	Until time.Time
	Scope      entity.Scope
	StoreID    string
	BranchID   string
	TerminalID string
}

// ConflictResolution решение конфликта, присланное терминалом
type ConflictResolution struct {
	ConflictID     string
	TerminalID     string
	EntityType     entity.Type
	EntityID       string
	Resolution     string
	ResolvedData   entity.Data
	NewSyncVersion int64
	ResolvedAt     time.Time
}

type Direction string

const (
	DirectionPush Direction = "PUSH"
	DirectionPull Direction = "PULL"
)

// SyncLog запись журнала обмена
type SyncLog struct {
	ID          string
	TerminalID  string
	Direction   Direction
	Processed   int
	Succeeded   int
	Failed      int
	Conflicts   int
	Success     bool
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// ServiceConfig конфигурация сервиса синхронизации
type ServiceConfig struct {
	// MaxPushChanges ограничение на число изменений в одном push
	MaxPushChanges int
	// TerminalCacheTTL сколько держать терминал в кэше для pull
	TerminalCacheTTL time.Duration
	// ChangeSettle pull не отдает изменения моложе этого окна. Время изменения
	// ставится до фиксации записи, и строки разных сущностей фиксируются не по порядку.
	ChangeSettle time.Duration
}
