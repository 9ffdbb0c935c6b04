package sync

import (
	"time"

	"possync/internal/domain/entity"
	"possync/internal/domain/sync"
)

type pushInput struct {
	Body sync.PushRequest
}

type pushOutput struct {
	Body sync.PushResponse
}

type pullInput struct {
	TerminalID string `query:"terminalId" doc:"Defaults to the terminal of the token"`
	EntityType string `query:"entityType" required:"true" example:"Product"`
	LastSync   string `query:"lastSync" doc:"RFC3339 watermark, empty for everything" example:"2024-01-01T12:00:00Z"`
}

type pullOutput struct {
	Body PullResponse
}

type PullResponse struct {
	EntityType entity.Type         `json:"entityType"`
	Count      int                 `json:"count"`
	Entities   []sync.PulledEntity `json:"entities"`
	ServerTime time.Time           `json:"serverTime"`
}

type resolveInput struct {
	Body sync.ResolveRequest
}

type resolveOutput struct {
	Body sync.ResolveResponse
}

type heartbeatInput struct {
	Body sync.HeartbeatRequest
}

type heartbeatOutput struct {
	Body AckResponse
}

type AckResponse struct {
	Success    bool      `json:"success"`
	ServerTime time.Time `json:"serverTime"`
}

type fullSyncInput struct {
	TerminalID string `query:"terminalId" doc:"Only this terminal, all active terminals when empty"`
}

type fullSyncOutput struct {
	Body FullSyncResponse
}

type FullSyncResponse struct {
	Results []*sync.FullSyncResult `json:"results"`
}

type statusInput struct {
	TerminalID string `query:"terminalId" doc:"Admin only: empty means all terminals"`
}

type statusOutput struct {
	Body sync.StatusResponse
}

type terminalsOutput struct {
	Body TerminalsResponse
}

type TerminalsResponse struct {
	Terminals []*sync.Terminal `json:"terminals"`
}
