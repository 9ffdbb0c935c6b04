package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"possync/internal/app/terminal/config"
	"possync/internal/domain/conflict"
	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
	"possync/internal/domain/sync"
)

// App агент синхронизации терминала: локальная база, движки и расписание
type App struct {
	config       *config.Config
	log          *slog.Logger
	store        *SQLiteStore
	registry     *entity.Registry
	central      *httpClient
	push         *PushEngine
	pull         *PullEngine
	applier      *ConflictApplier
	orchestrator *Orchestrator
}

// Status локальное состояние синхронизации
type Status struct {
	TerminalID string
	Online     bool
	Syncing    bool
	Types      map[entity.Type]TypeCounts
	LastSync   *SyncLog
}

func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	registry, err := entity.Default(cfg.Sync.MappingsOverride)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки таблицы полей: %w", err)
	}

	store, err := NewSQLiteStore(cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}

	engineCfg := EngineConfigFrom(cfg)
	central := NewHTTPClient(cfg.CentralURL, cfg.CentralToken, cfg.Sync.Timeout, log)

	push := NewPushEngine(store, central, engineCfg, log)
	pull := NewPullEngine(store, central, registry, engineCfg, log)
	applier := NewConflictApplier(store, central, registry, engineCfg, log)

	return &App{
		config:       cfg,
		log:          log,
		store:        store,
		registry:     registry,
		central:      central,
		push:         push,
		pull:         pull,
		applier:      applier,
		orchestrator: NewOrchestrator(store, push, pull, applier, central, engineCfg, log),
	}, nil
}

func (a *App) Close() error {
	return a.store.Close()
}

// Run фоновая синхронизация до отмены ctx
func (a *App) Run(ctx context.Context) error {
	if !a.config.Sync.Enabled {
		return fmt.Errorf("синхронизация отключена в конфигурации")
	}

	schedule, err := ParseSchedule(a.config.Sync.Interval)
	if err != nil {
		return err
	}

	var listener *Listener
	if a.config.Sync.NotifyEnabled {
		listener = NewListener(a.config.CentralURL, a.config.CentralToken, a.log)
	}

	return a.orchestrator.Start(ctx, schedule, a.config.Sync.HeartbeatEvery, listener)
}

// Sync один цикл синхронизации
func (a *App) Sync(ctx context.Context, full bool) (*CycleResult, error) {
	mode := ModeIncremental
	if full {
		mode = ModeFull
	}
	return a.orchestrator.RunCycle(ctx, mode)
}

// Put локальное создание или изменение сущности. updatedAt ставится временем
// изменения, по нему решается конфликт одновременных правок.
func (a *App) Put(ctx context.Context, t entity.Type, id string, data entity.Data) (*outbox.Item, error) {
	h, ok := a.registry.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrUnknownType, t)
	}
	if id == "" {
		return nil, entity.ErrMissingID
	}

	now := time.Now().UTC()
	data = data.Clone()
	if data == nil {
		data = entity.Data{}
	}
	data["id"] = id
	data["updatedAt"] = now.Format(time.RFC3339Nano)

	op := outbox.OpUpdate
	current, err := a.store.GetEntity(ctx, t, id)
	switch {
	case errors.Is(err, ErrNotFound):
		op = outbox.OpCreate
	case err != nil:
		return nil, err
	case current.IsDeleted:
		op = outbox.OpCreate
	}

	item := a.newItem(t, id, op, data, h.Priority(data), now)
	if err := a.store.RecordMutation(ctx, item); err != nil {
		return nil, fmt.Errorf("ошибка сохранения изменения: %w", err)
	}

	a.log.Debug("Изменение поставлено в очередь",
		"entity_type", t, "entity_id", id, "operation", op, "priority", item.SyncPriority)

	return item, nil
}

// Delete локальное удаление. Данные в изменение не попадают.
func (a *App) Delete(ctx context.Context, t entity.Type, id string) (*outbox.Item, error) {
	h, ok := a.registry.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrUnknownType, t)
	}

	current, err := a.store.GetEntity(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted {
		return nil, fmt.Errorf("%s %s уже удален", t, id)
	}

	item := a.newItem(t, id, outbox.OpDelete, nil, h.Priority(current.Data), time.Now().UTC())
	if err := a.store.RecordMutation(ctx, item); err != nil {
		return nil, fmt.Errorf("ошибка сохранения удаления: %w", err)
	}

	return item, nil
}

func (a *App) newItem(t entity.Type, id string, op outbox.Operation, data entity.Data, prio int, now time.Time) *outbox.Item {
	mode := outbox.ModeOffline
	if a.orchestrator.Online() {
		mode = outbox.ModeOnline
	}

	return &outbox.Item{
		ID:             uuid.NewString(),
		TerminalID:     a.config.TerminalID,
		EntityType:     t,
		EntityID:       id,
		Operation:      op,
		Data:           data,
		SyncPriority:   prio,
		Status:         outbox.StatusPending,
		MaxAttempts:    a.config.Sync.MaxRetries,
		CreatedInMode:  mode,
		LocalTimestamp: now,
		CreatedAt:      now,
	}
}

// Entities локальные копии сущностей типа
func (a *App) Entities(ctx context.Context, t entity.Type, withDeleted bool) ([]*LocalEntity, error) {
	if _, ok := a.registry.Lookup(t); !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrUnknownType, t)
	}
	return a.store.ListEntities(ctx, t, withDeleted)
}

func (a *App) Status(ctx context.Context) (*Status, error) {
	counts, err := a.store.CountsByType(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		TerminalID: a.config.TerminalID,
		Online:     a.orchestrator.Online(),
		Syncing:    a.orchestrator.IsSyncing(),
		Types:      counts,
	}

	logs, err := a.store.ListSyncLogs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		st.LastSync = logs[0]
	}

	return st, nil
}

// SyncLogs последние записи журнала синхронизации
func (a *App) SyncLogs(ctx context.Context, limit int) ([]*SyncLog, error) {
	return a.store.ListSyncLogs(ctx, limit)
}

// Outbox элементы очереди, пустой статус - все
func (a *App) Outbox(ctx context.Context, status outbox.Status) ([]*outbox.Item, error) {
	return a.store.ListOutbox(ctx, status)
}

// Retry возвращает FAILED элементы в очередь, пустой id - все
func (a *App) Retry(ctx context.Context, id string) (int, error) {
	return a.store.RequeueFailed(ctx, id)
}

func (a *App) Conflicts(ctx context.Context, onlyPending bool) ([]*conflict.Record, error) {
	return a.store.ListConflicts(ctx, onlyPending)
}

// ResolveConflict ручное решение оператора
func (a *App) ResolveConflict(ctx context.Context, id string, resolution conflict.Resolution) (*conflict.Record, error) {
	rec, err := a.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := a.applier.OperatorOutcome(rec, resolution)
	if err != nil {
		return nil, err
	}
	if err := a.applier.Apply(ctx, rec, out, conflict.ResolvedByOperator); err != nil {
		return nil, err
	}

	return rec, nil
}

// CheckConnection доступность центра
func (a *App) CheckConnection(ctx context.Context) error {
	return a.central.HealthCheck(ctx)
}

// CentralStatus сводка центра по этому терминалу
func (a *App) CentralStatus(ctx context.Context) (*sync.StatusResponse, error) {
	return a.central.Status(ctx, a.config.TerminalID)
}

func (a *App) Config() *config.Config {
	return a.config
}

type appKey struct{}

// WithApp кладет приложение в контекст команды
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey{}, app)
}

// FromContext приложение из контекста команды
func FromContext(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey{}).(*App)
	if !ok || app == nil {
		return nil, fmt.Errorf("приложение не инициализировано")
	}
	return app, nil
}
