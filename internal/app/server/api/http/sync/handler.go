package sync

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"possync/internal/app/server/api/http/middleware/auth"
	"possync/internal/domain/entity"
	"possync/internal/domain/sync"
)

type Handler struct {
	service         sync.Servicer
	log             *slog.Logger
	middleware      huma.Middlewares
	adminMiddleware huma.Middlewares
	now             func() time.Time
}

// NewHandler middleware для операций терминала, adminMiddleware для административных
func NewHandler(service sync.Servicer, log *slog.Logger, middleware, adminMiddleware huma.Middlewares) *Handler {
	return &Handler{
		service:         service,
		log:             log.With(slog.String("component", "sync_handler")),
		middleware:      middleware,
		adminMiddleware: adminMiddleware,
		now:             time.Now,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.pushOp(), h.push)
	huma.Register(api, h.pullOp(), h.pull)
	huma.Register(api, h.resolveOp(), h.resolve)
	huma.Register(api, h.heartbeatOp(), h.heartbeat)
	huma.Register(api, h.statusOp(), h.status)
	huma.Register(api, h.terminalsOp(), h.terminals)
	huma.Register(api, h.fullSyncOp(), h.fullSync)
}

// actingTerminal терминал, от имени которого выполняется запрос
func (h *Handler) actingTerminal(ctx context.Context, requested string) (string, error) {
	claims, ok := auth.GetClaims(ctx)
	if !ok {
		return "", huma.Error401Unauthorized("Unauthorized")
	}
	if requested == "" {
		requested = claims.TerminalID
	}
	if requested == "" {
		return "", huma.Error422UnprocessableEntity("terminalId is required")
	}
	if !claims.CanActFor(requested) {
		return "", huma.Error403Forbidden("token does not belong to terminal " + requested)
	}
	return requested, nil
}

func (h *Handler) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	terminalID, err := h.actingTerminal(ctx, input.Body.TerminalID)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.ProcessPush(ctx, terminalID, input.Body.Changes)
	if err != nil {
		return nil, h.httpError(err)
	}

	return &pushOutput{Body: *resp}, nil
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	terminalID, err := h.actingTerminal(ctx, input.TerminalID)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if input.LastSync != "" {
		since, err = time.Parse(time.RFC3339Nano, input.LastSync)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("lastSync must be an RFC3339 timestamp", err)
		}
	}

	entities, err := h.service.GetChangesSince(ctx, terminalID, entity.Type(input.EntityType), since)
	if err != nil {
		return nil, h.httpError(err)
	}
	if entities == nil {
		entities = []sync.PulledEntity{}
	}

	return &pullOutput{
		Body: PullResponse{
			EntityType: entity.Type(input.EntityType),
			Count:      len(entities),
			Entities:   entities,
			ServerTime: h.now().UTC(),
		},
	}, nil
}

func (h *Handler) resolve(ctx context.Context, input *resolveInput) (*resolveOutput, error) {
	terminalID, err := h.actingTerminal(ctx, input.Body.TerminalID)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.ResolveConflict(ctx, terminalID, input.Body)
	if err != nil {
		return nil, h.httpError(err)
	}

	return &resolveOutput{Body: *resp}, nil
}

func (h *Handler) heartbeat(ctx context.Context, input *heartbeatInput) (*heartbeatOutput, error) {
	terminalID, err := h.actingTerminal(ctx, input.Body.TerminalID)
	if err != nil {
		return nil, err
	}

	req := input.Body
	req.TerminalID = terminalID
	if err := h.service.Heartbeat(ctx, req); err != nil {
		return nil, h.httpError(err)
	}

	return &heartbeatOutput{Body: AckResponse{Success: true, ServerTime: h.now().UTC()}}, nil
}

func (h *Handler) status(ctx context.Context, input *statusInput) (*statusOutput, error) {
	claims, ok := auth.GetClaims(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("Unauthorized")
	}

	terminalID := input.TerminalID
	if !claims.IsAdmin() {
		var err error
		if terminalID, err = h.actingTerminal(ctx, terminalID); err != nil {
			return nil, err
		}
	}

	resp, err := h.service.GetSyncStatus(ctx, terminalID)
	if err != nil {
		return nil, h.httpError(err)
	}

	return &statusOutput{Body: *resp}, nil
}

func (h *Handler) terminals(ctx context.Context, _ *struct{}) (*terminalsOutput, error) {
	terminals, err := h.service.GetActiveTerminals(ctx)
	if err != nil {
		return nil, h.httpError(err)
	}
	if terminals == nil {
		terminals = []*sync.Terminal{}
	}

	return &terminalsOutput{Body: TerminalsResponse{Terminals: terminals}}, nil
}

func (h *Handler) fullSync(ctx context.Context, input *fullSyncInput) (*fullSyncOutput, error) {
	if input.TerminalID != "" {
		res, err := h.service.TriggerFullSync(ctx, input.TerminalID)
		if err != nil {
			return nil, h.httpError(err)
		}
		return &fullSyncOutput{Body: FullSyncResponse{Results: []*sync.FullSyncResult{res}}}, nil
	}

	results, err := h.service.TriggerFullSyncAll(ctx)
	if err != nil {
		return nil, h.httpError(err)
	}
	h.log.Info("Full sync triggered", "terminals", len(results))

	return &fullSyncOutput{Body: FullSyncResponse{Results: results}}, nil
}

// httpError переводит ошибки сервиса в ответы API
func (h *Handler) httpError(err error) error {
	switch {
	case errors.Is(err, sync.ErrTerminalNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, sync.ErrTerminalInactive):
		return huma.Error403Forbidden(err.Error())
	case errors.Is(err, sync.ErrTooManyChanges):
		return huma.Error413RequestEntityTooLarge(err.Error())
	case errors.Is(err, sync.ErrUnsupportedEntity),
		errors.Is(err, sync.ErrInvalidStatus),
		errors.Is(err, sync.ErrInvalidResolution),
		errors.Is(err, entity.ErrMissingID),
		errors.Is(err, entity.ErrUnknownType):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, sync.ErrVersionConflict):
		return huma.Error409Conflict(err.Error())
	}

	h.log.Error("sync request failed", "error", err)
	return huma.Error500InternalServerError("internal error")
}
