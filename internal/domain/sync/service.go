package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"possync/internal/domain/conflict"
	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
	"possync/internal/utils/cache"
	"possync/internal/utils/keylock"
)

// Servicer интерфейс сервиса синхронизации центра
type Servicer interface {
	// ProcessPush применяет изменения терминала, каждое независимо
	ProcessPush(ctx context.Context, terminalID string, changes []Change) (*PushResponse, error)

	// GetChangesSince отдает изменения в области видимости терминала
	GetChangesSince(ctx context.Context, terminalID string, t entity.Type, since time.Time) ([]PulledEntity, error)

	// ResolveConflict фиксирует решение конфликта, принятое терминалом
	ResolveConflict(ctx context.Context, terminalID string, req ResolveRequest) (*ResolveResponse, error)

	// Heartbeat статус и счетчики очереди терминала
	Heartbeat(ctx context.Context, req HeartbeatRequest) error

	UpdateTerminalStatus(ctx context.Context, terminalID string, status TerminalStatus) error

	GetActiveTerminals(ctx context.Context) ([]*Terminal, error)

	// GetSyncStatus сводка по типам сущностей, пустой terminalID - по всем терминалам
	GetSyncStatus(ctx context.Context, terminalID string) (*StatusResponse, error)

	// TriggerFullSync полная пересинхронизация терминала
	TriggerFullSync(ctx context.Context, terminalID string) (*FullSyncResult, error)

	TriggerFullSyncAll(ctx context.Context) ([]*FullSyncResult, error)
}

// Notifier доставка уведомлений терминалам
type Notifier interface {
	NotifyTerminal(ctx context.Context, terminalID string, ev TriggerEvent) error
}

// Metrics счетчики для мониторинга
type Metrics interface {
	ObservePush(t entity.Type, result string)
	ObservePull(t entity.Type, n int)
}

type noopMetrics struct{}

func (noopMetrics) ObservePush(entity.Type, string) {}
func (noopMetrics) ObservePull(entity.Type, int)    {}

// Service реализация сервиса синхронизации
type Service struct {
	repo      Repository
	registry  *entity.Registry
	log       *slog.Logger
	config    *ServiceConfig
	locks     *keylock.KeyLock
	terminals *cache.TTL[string, *Terminal]
	notifier  Notifier
	metrics   Metrics
	now       func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет часы сервиса и кэша терминалов
func WithClock(c cache.Clock) Option {
	return func(s *Service) {
		s.now = c.Now
		s.terminals = cache.NewTTL[string, *Terminal](s.config.TerminalCacheTTL, c)
	}
}

// NewService создает новый сервис синхронизации
func NewService(repo Repository, registry *entity.Registry, log *slog.Logger, config *ServiceConfig, opts ...Option) *Service {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.MaxPushChanges <= 0 {
		config.MaxPushChanges = 1000
	}
	if config.TerminalCacheTTL <= 0 {
		config.TerminalCacheTTL = 30 * time.Second
	}
	if config.ChangeSettle <= 0 {
		config.ChangeSettle = 2 * time.Second
	}

	s := &Service{
		repo:      repo,
		registry:  registry,
		log:       log.With(slog.String("component", "sync_service")),
		config:    config,
		locks:     keylock.New(),
		terminals: cache.NewTTL[string, *Terminal](config.TerminalCacheTTL, nil),
		metrics:   noopMetrics{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ProcessPush применяет изменения терминала. Ошибка одного изменения не влияет на остальные.
func (s *Service) ProcessPush(ctx context.Context, terminalID string, changes []Change) (*PushResponse, error) {
	if len(changes) > s.config.MaxPushChanges {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyChanges, len(changes), s.config.MaxPushChanges)
	}

	terminal, err := s.terminal(ctx, terminalID)
	if err != nil {
		return nil, err
	}

	started := s.now()
	resp := &PushResponse{Success: true, Results: make([]ChangeResult, 0, len(changes))}
	counters := make(map[entity.Type]*Counters)
	log := &SyncLog{
		ID:         uuid.NewString(),
		TerminalID: terminalID,
		Direction:  DirectionPush,
		StartedAt:  started,
	}

	for _, ch := range changes {
		res := s.processChange(ctx, terminal, ch)
		resp.Results = append(resp.Results, res)
		resp.Processed++

		c, ok := counters[ch.EntityType]
		if !ok {
			c = &Counters{}
			counters[ch.EntityType] = c
		}

		switch {
		case res.Success:
			c.Synced++
			log.Succeeded++
			s.metrics.ObservePush(ch.EntityType, "success")
		case res.Conflict:
			c.Conflicts++
			log.Conflicts++
			resp.Success = false
			s.metrics.ObservePush(ch.EntityType, "conflict")
		default:
			c.Rejected++
			log.Failed++
			resp.Success = false
			s.metrics.ObservePush(ch.EntityType, "failure")
		}
	}

	for t, c := range counters {
		if _, ok := s.registry.Lookup(t); !ok || c.IsZero() {
			continue
		}
		if err := s.repo.IncrementCounters(ctx, terminalID, t, *c); err != nil {
			s.log.Warn("Failed to update sync counters", "terminal_id", terminalID, "entity_type", t, "error", err)
		}
	}

	log.Processed = resp.Processed
	log.Success = resp.Success
	log.CompletedAt = s.now()
	if err := s.repo.AppendSyncLog(ctx, log); err != nil {
		s.log.Warn("Failed to append sync log", "terminal_id", terminalID, "error", err)
	}

	return resp, nil
}

func (s *Service) processChange(ctx context.Context, terminal *Terminal, ch Change) ChangeResult {
	res := ChangeResult{EntityType: ch.EntityType, EntityID: ch.EntityID}

	data, err := s.validateChange(ch)
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = CodeValidation
		return res
	}

	hash, err := fingerprint(terminal.ID, ch)
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = CodeValidation
		return res
	}

	unlock := s.locks.Lock(string(ch.EntityType) + ":" + ch.EntityID)
	defer unlock()

	current, err := s.repo.GetEntity(ctx, ch.EntityType, ch.EntityID)
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		return s.internalFailure(res, ch, err)
	}
	if errors.Is(err, ErrEntityNotFound) {
		current = nil
	}

	if current != nil && current.ChangeHash == hash {
		res.Success = true
		res.NewSyncVersion = current.SyncVersion
		return res
	}

	now := s.now().UTC()
	var next *Entity
	var expected int64

	switch ch.Operation {
	case outbox.OpCreate:
		if current != nil {
			return conflictResult(res, current, CodeDuplicate, "entity already exists")
		}
		next = &Entity{
			Type:      ch.EntityType,
			ID:        ch.EntityID,
			Data:      data,
			IsActive:  true,
			CreatedAt: now,
		}

	case outbox.OpUpdate:
		if current == nil || current.Deleted() {
			return conflictResult(res, current, CodeNotFound, "entity does not exist centrally")
		}
		if current.SyncVersion > ch.SyncVersion {
			return conflictResult(res, current, CodeStale, "central version is newer")
		}
		next = copyEntity(current)
		next.Data = data
		expected = current.SyncVersion

	case outbox.OpDelete:
		if current == nil || current.Deleted() {
			res.Success = true
			if current != nil {
				res.NewSyncVersion = current.SyncVersion
			}
			return res
		}
		if current.SyncVersion > ch.SyncVersion {
			return conflictResult(res, current, CodeStale, "central version is newer")
		}
		next = copyEntity(current)
		next.IsActive = false
		next.DeletedAt = &now
		expected = current.SyncVersion
	}

	next.SyncVersion = expected + 1
	next.ChangedAt = now
	next.LastSyncedAt = &now
	next.SourceTerminalID = terminal.ID
	next.ChangeHash = hash
	s.applyScope(next, terminal)

	if err := s.repo.SaveEntity(ctx, next, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			latest, gerr := s.repo.GetEntity(ctx, ch.EntityType, ch.EntityID)
			if gerr != nil {
				return s.internalFailure(res, ch, gerr)
			}
			return conflictResult(res, latest, CodeStale, "central version changed concurrently")
		}
		return s.internalFailure(res, ch, err)
	}

	res.Success = true
	res.NewSyncVersion = next.SyncVersion
	return res
}

func (s *Service) validateChange(ch Change) (entity.Data, error) {
	if _, ok := s.registry.Lookup(ch.EntityType); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntity, ch.EntityType)
	}
	if ch.EntityID == "" {
		return nil, entity.ErrMissingID
	}
	if !ch.Operation.Valid() {
		return nil, fmt.Errorf("unknown operation %q", ch.Operation)
	}
	if ch.SyncVersion < 0 {
		return nil, fmt.Errorf("syncVersion must not be negative")
	}
	if ch.Operation == outbox.OpDelete {
		return nil, nil
	}
	if ch.Data == nil {
		return nil, fmt.Errorf("data is required for %s", ch.Operation)
	}
	if id, ok := ch.Data["id"]; ok && id != ch.EntityID {
		return nil, fmt.Errorf("data.id %v does not match entityId %s", id, ch.EntityID)
	}

	data, err := s.registry.Project(ch.EntityType, ch.Data)
	if err != nil {
		return nil, err
	}
	data["id"] = ch.EntityID

	return data, nil
}

func (s *Service) internalFailure(res ChangeResult, ch Change, err error) ChangeResult {
	s.log.Error("failed to apply change",
		"entity_type", ch.EntityType, "entity_id", ch.EntityID, "error", err)
	res.Error = "internal error"
	res.ErrorCode = CodeInternal
	return res
}

func conflictResult(res ChangeResult, current *Entity, code, msg string) ChangeResult {
	res.Conflict = true
	res.ErrorCode = code
	res.Error = msg
	if current != nil {
		res.CentralData = current.View()
		res.CentralVersion = current.SyncVersion
	}
	return res
}

// applyScope заполняет поля видимости из данных, иначе из терминала-источника
func (s *Service) applyScope(e *Entity, terminal *Terminal) {
	pick := func(field, fallback string) string {
		if v := e.Data.String(field); v != "" {
			return v
		}
		return fallback
	}

	e.StoreID = pick("storeId", firstNonEmpty(e.StoreID, terminal.StoreID))
	e.BranchID = pick("branchId", firstNonEmpty(e.BranchID, terminal.BranchID))
	e.LocationID = pick("locationId", e.LocationID)
	if h, ok := s.registry.Lookup(e.Type); ok && h.Scope() == entity.ScopeTerminalOrBranch {
		e.TerminalID = pick("terminalId", firstNonEmpty(e.TerminalID, terminal.ID))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func copyEntity(e *Entity) *Entity {
	c := *e
	c.Data = e.Data.Clone()
	return &c
}

// GetChangesSince отдает изменения после since в области видимости терминала.
// Запрошенная полная пересинхронизация один раз сбрасывает since в ноль.
func (s *Service) GetChangesSince(ctx context.Context, terminalID string, t entity.Type, since time.Time) ([]PulledEntity, error) {
	h, ok := s.registry.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntity, t)
	}

	terminal, err := s.terminal(ctx, terminalID)
	if err != nil {
		return nil, err
	}

	requestedAt, resync, err := s.repo.PendingResync(ctx, terminalID, t)
	if err != nil {
		return nil, fmt.Errorf("failed to check resync request: %w", err)
	}
	if resync {
		s.log.Info("Serving full resync", "terminal_id", terminalID, "entity_type", t)
		since = time.Time{}
	}

	entities, err := s.repo.ListChangesSince(ctx, s.scopeQuery(h, terminal, since))
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	// запрос снимается только после успешной выборки, иначе следующий pull повторит его
	if resync {
		if err := s.repo.ClearResync(ctx, terminalID, t, requestedAt); err != nil {
			s.log.Warn("Failed to clear resync request",
				"terminal_id", terminalID, "entity_type", t, "error", err)
		}
	}

	out := make([]PulledEntity, 0, len(entities))
	for _, e := range entities {
		out = append(out, PulledEntity{
			ID:          e.ID,
			EntityType:  e.Type,
			Data:        e.View(),
			SyncVersion: e.SyncVersion,
			ChangedAt:   e.ChangedAt,
			Deleted:     e.Deleted(),
		})
	}
	s.metrics.ObservePull(t, len(out))

	return out, nil
}

func (s *Service) scopeQuery(h entity.Handler, terminal *Terminal, since time.Time) ChangesQuery {
	return ChangesQuery{
		EntityType: h.Type(),
		Since:      since,
		Until:      s.now().UTC().Add(-s.config.ChangeSettle),
		Scope:      h.Scope(),
		StoreID:    terminal.StoreID,
		BranchID:   terminal.BranchID,
		TerminalID: terminal.ID,
	}
}

// ResolveConflict фиксирует решение. Если побеждают данные терминала, они становятся эталоном.
// Повтор с тем же conflictId возвращает сохраненный результат.
func (s *Service) ResolveConflict(ctx context.Context, terminalID string, req ResolveRequest) (*ResolveResponse, error) {
	if !conflict.Resolution(req.Resolution).Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, req.Resolution)
	}
	if _, ok := s.registry.Lookup(req.EntityType); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntity, req.EntityType)
	}
	if req.EntityID == "" {
		return nil, entity.ErrMissingID
	}

	terminal, err := s.terminal(ctx, terminalID)
	if err != nil {
		return nil, err
	}

	prev, err := s.repo.GetResolution(ctx, req.ConflictID)
	switch {
	case err == nil:
		return &ResolveResponse{Success: true, NewSyncVersion: prev.NewSyncVersion}, nil
	case !errors.Is(err, ErrResolutionNotFound):
		return nil, fmt.Errorf("failed to get resolution: %w", err)
	}

	rec := &ConflictResolution{
		ConflictID:   req.ConflictID,
		TerminalID:   terminalID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Resolution:   req.Resolution,
		ResolvedData: req.ResolvedData,
		ResolvedAt:   s.now().UTC(),
	}

	res := conflict.Resolution(req.Resolution)
	if (res == conflict.TerminalWins || res == conflict.ManualMerge) && req.ResolvedData != nil {
		version, err := s.forceApply(ctx, terminal, req)
		if err != nil {
			return nil, err
		}
		rec.NewSyncVersion = version
	} else {
		current, err := s.repo.GetEntity(ctx, req.EntityType, req.EntityID)
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return nil, fmt.Errorf("failed to get entity: %w", err)
		}
		if current != nil {
			rec.NewSyncVersion = current.SyncVersion
		}
	}

	if err := s.repo.SaveResolution(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save resolution: %w", err)
	}

	s.log.Info("Conflict resolved",
		"conflict_id", req.ConflictID, "terminal_id", terminalID,
		"entity_type", req.EntityType, "entity_id", req.EntityID, "resolution", req.Resolution)

	return &ResolveResponse{Success: true, NewSyncVersion: rec.NewSyncVersion}, nil
}

const forceApplyAttempts = 3

func (s *Service) forceApply(ctx context.Context, terminal *Terminal, req ResolveRequest) (int64, error) {
	data, err := s.registry.Project(req.EntityType, req.ResolvedData)
	if err != nil {
		return 0, err
	}
	data["id"] = req.EntityID

	unlock := s.locks.Lock(string(req.EntityType) + ":" + req.EntityID)
	defer unlock()

	for attempt := 0; attempt < forceApplyAttempts; attempt++ {
		current, err := s.repo.GetEntity(ctx, req.EntityType, req.EntityID)
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return 0, fmt.Errorf("failed to get entity: %w", err)
		}

		now := s.now().UTC()
		next := &Entity{Type: req.EntityType, ID: req.EntityID, CreatedAt: now}
		var expected int64
		if current != nil {
			next = copyEntity(current)
			expected = current.SyncVersion
		}
		next.Data = data.Clone()
		next.IsActive = true
		next.DeletedAt = nil
		next.SyncVersion = expected + 1
		next.ChangedAt = now
		next.LastSyncedAt = &now
		next.SourceTerminalID = terminal.ID
		next.ChangeHash = ""
		s.applyScope(next, terminal)

		err = s.repo.SaveEntity(ctx, next, expected)
		if err == nil {
			return next.SyncVersion, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, fmt.Errorf("failed to save entity: %w", err)
		}
	}

	return 0, ErrVersionConflict
}

// Heartbeat обновляет статус терминала и присланные им счетчики очереди
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	status := req.Status
	if status == "" {
		status = TerminalOnline
	}
	if err := s.UpdateTerminalStatus(ctx, req.TerminalID, status); err != nil {
		return err
	}
	if len(req.Stats) == 0 {
		return nil
	}

	stats := make(map[entity.Type]TypeStats, len(req.Stats))
	for name, st := range req.Stats {
		t := entity.Type(name)
		if _, ok := s.registry.Lookup(t); !ok {
			s.log.Debug("Skipping stats for unknown entity type", "entity_type", name)
			continue
		}
		stats[t] = st
	}
	if err := s.repo.SaveTerminalStats(ctx, req.TerminalID, stats, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to save terminal stats: %w", err)
	}

	return nil
}

func (s *Service) UpdateTerminalStatus(ctx context.Context, terminalID string, status TerminalStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := s.repo.UpdateTerminalStatus(ctx, terminalID, status, s.now().UTC()); err != nil {
		return err
	}
	s.terminals.Delete(terminalID)
	return nil
}

func (s *Service) GetActiveTerminals(ctx context.Context) ([]*Terminal, error) {
	terminals, err := s.repo.ListActiveTerminals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}
	return terminals, nil
}

// GetSyncStatus сводка по каждому зарегистрированному типу сущности
func (s *Service) GetSyncStatus(ctx context.Context, terminalID string) (*StatusResponse, error) {
	if terminalID != "" {
		if _, err := s.terminal(ctx, terminalID); err != nil {
			return nil, err
		}
	}

	counts, err := s.repo.GetStatusCounts(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status counts: %w", err)
	}

	resp := &StatusResponse{
		TerminalID:  terminalID,
		Tables:      make(map[string]StatusCounts, len(s.registry.Types())),
		GeneratedAt: s.now().UTC(),
	}
	if resp.TerminalID == "" {
		resp.TerminalID = "all"
	}

	for _, t := range s.registry.Types() {
		c := counts[t]
		resp.Tables[string(t)] = c
		resp.Totals.Add(c)

		resp.Summary.TotalTables++
		if c.Pending > 0 {
			resp.Summary.TablesWithPending++
		}
		if c.Failed > 0 {
			resp.Summary.TablesWithFailed++
		}
		if c.Conflicts > 0 {
			resp.Summary.TablesWithConflicts++
		}
	}

	return resp, nil
}

// TriggerFullSync помечает терминал SYNCING, планирует разовую выдачу всех данных
// и уведомляет терминал, если он на связи
func (s *Service) TriggerFullSync(ctx context.Context, terminalID string) (*FullSyncResult, error) {
	terminal, err := s.repo.GetTerminal(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	if !terminal.IsActive {
		return nil, ErrTerminalInactive
	}

	now := s.now().UTC()
	types := s.registry.Pullable()

	if err := s.repo.RequestResync(ctx, terminalID, types, now); err != nil {
		return nil, fmt.Errorf("failed to request resync: %w", err)
	}
	if err := s.UpdateTerminalStatus(ctx, terminalID, TerminalSyncing); err != nil {
		return nil, fmt.Errorf("failed to update terminal status: %w", err)
	}

	result := &FullSyncResult{
		TerminalID: terminalID,
		Counts:     make(map[string]int, len(types)),
		Message:    "Full sync initiated",
	}
	for _, t := range types {
		h, _ := s.registry.Lookup(t)
		n, err := s.repo.CountChangesSince(ctx, s.scopeQuery(h, terminal, time.Time{}))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t, err)
		}
		result.Counts[string(t)] = n
	}

	if s.notifier != nil {
		ev := TriggerEvent{Type: TriggerFull, TerminalID: terminalID, Timestamp: now}
		if err := s.notifier.NotifyTerminal(ctx, terminalID, ev); err != nil {
			s.log.Warn("Terminal was not notified, it will pick up the resync on next pull",
				"terminal_id", terminalID, "error", err)
		}
	}

	return result, nil
}

func (s *Service) TriggerFullSyncAll(ctx context.Context) ([]*FullSyncResult, error) {
	terminals, err := s.GetActiveTerminals(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*FullSyncResult, 0, len(terminals))
	for _, t := range terminals {
		res, err := s.TriggerFullSync(ctx, t.ID)
		if err != nil {
			return results, fmt.Errorf("terminal %s: %w", t.ID, err)
		}
		results = append(results, res)
	}

	return results, nil
}

// terminal активный терминал, с кэшированием на TerminalCacheTTL
func (s *Service) terminal(ctx context.Context, id string) (*Terminal, error) {
	if t, ok := s.terminals.Get(id); ok {
		return t, nil
	}

	t, err := s.repo.GetTerminal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, ErrTerminalInactive
	}

	s.terminals.Set(id, t)
	return t, nil
}
