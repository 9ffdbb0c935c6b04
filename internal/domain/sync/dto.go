package sync

import (
	"time"

	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
)

// Change одно изменение от терминала
type Change struct {
	EntityType  entity.Type      `json:"entityType"`
	EntityID    string           `json:"entityId"`
	Operation   outbox.Operation `json:"operation" enum:"CREATE,UPDATE,DELETE"`
	Data        entity.Data      `json:"data,omitempty"`
	SyncVersion int64            `json:"syncVersion" minimum:"0"`
	Timestamp   time.Time        `json:"timestamp"`
}

type PushRequest struct {
	TerminalID string   `json:"terminalId" minLength:"1"`
	Changes    []Change `json:"changes"`
}

// ChangeResult итог обработки одного изменения
type ChangeResult struct {
	EntityType     entity.Type `json:"entityType"`
	EntityID       string      `json:"entityId"`
	Success        bool        `json:"success"`
	Error          string      `json:"error,omitempty"`
	ErrorCode      string      `json:"errorCode,omitempty"`
	Conflict       bool        `json:"conflict"`
	CentralData    entity.Data `json:"centralData,omitempty"`
	CentralVersion int64       `json:"centralVersion,omitempty"`
	NewSyncVersion int64       `json:"newSyncVersion,omitempty"`
}

type PushResponse struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Results   []ChangeResult `json:"results"`
}

// PulledEntity изменение, которое отдается терминалу
type PulledEntity struct {
	ID          string      `json:"id"`
	EntityType  entity.Type `json:"entityType"`
	Data        entity.Data `json:"data"`
	SyncVersion int64       `json:"syncVersion"`
	ChangedAt   time.Time   `json:"changedAt"`
	Deleted     bool        `json:"deleted"`
}

type ResolveRequest struct {
	ConflictID   string      `json:"conflictId" minLength:"1"`
	TerminalID   string      `json:"terminalId" minLength:"1"`
	EntityType   entity.Type `json:"entityType"`
	EntityID     string      `json:"entityId" minLength:"1"`
	Resolution   string      `json:"resolution" enum:"TERMINAL_WINS,CENTRAL_WINS,MANUAL_MERGE,DISCARD"`
	ResolvedData entity.Data `json:"resolvedData,omitempty"`
}

type ResolveResponse struct {
	Success        bool  `json:"success"`
	NewSyncVersion int64 `json:"newSyncVersion,omitempty"`
}

type HeartbeatRequest struct {
	TerminalID string               `json:"terminalId" minLength:"1"`
	Status     TerminalStatus       `json:"status" enum:"ONLINE,OFFLINE,SYNCING,ERROR"`
	Stats      map[string]TypeStats `json:"stats,omitempty"`
}

type StatusSummary struct {
	TotalTables         int `json:"totalTables"`
	TablesWithPending   int `json:"tablesWithPending"`
	TablesWithFailed    int `json:"tablesWithFailed"`
	TablesWithConflicts int `json:"tablesWithConflicts"`
}

type StatusResponse struct {
	TerminalID  string                  `json:"terminalId"`
	Tables      map[string]StatusCounts `json:"tables"`
	Totals      StatusCounts            `json:"totals"`
	Summary     StatusSummary           `json:"summary"`
	GeneratedAt time.Time               `json:"generatedAt"`
}

type FullSyncResult struct {
	TerminalID string         `json:"terminalId"`
	Counts     map[string]int `json:"counts"`
	Message    string         `json:"message"`
}

// TriggerEvent уведомление терминалу о запуске синхронизации
type TriggerEvent struct {
	Type       string    `json:"type"`
	TerminalID string    `json:"terminalId"`
	Timestamp  time.Time `json:"timestamp"`
}

const TriggerFull = "FULL"

// События канала уведомлений
const (
	EventTrigger = "sync:trigger"
	EventAck     = "sync:ack"
)

// Notification сообщение канала уведомлений терминала
type Notification struct {
	Event   string       `json:"event"`
	Room    string       `json:"room,omitempty"`
	Payload TriggerEvent `json:"payload"`
}

// TerminalRoom комната уведомлений терминала
func TerminalRoom(terminalID string) string {
	return "terminal:" + terminalID
}
