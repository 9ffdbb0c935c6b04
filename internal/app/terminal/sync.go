package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"

	"possync/internal/domain/priority"
	"possync/internal/domain/sync"
)

var ErrSyncInProgress = errors.New("синхронизация уже выполняется")

type Mode string

const (
	ModeFull        Mode = "FULL"
	ModeIncremental Mode = "INCREMENTAL"
)

// directionBoth цикл включает отправку и получение
const directionBoth = "BIDIRECTIONAL"

// CycleResult итог одного цикла синхронизации
type CycleResult struct {
	Mode        Mode
	Push        PushResult
	Pull        PullResult
	Resolved    int
	Unresolved  int
	StartedAt   time.Time
	CompletedAt time.Time
}

func (r *CycleResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Schedule расписание циклов: интервал (5m) или cron выражение (*/5 * * * *)
type Schedule struct {
	Every time.Duration
	Cron  cron.Schedule
	raw   string
}

func ParseSchedule(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("интервал синхронизации должен быть больше нуля: %s", raw)
		}
		return Schedule{Every: d, raw: raw}, nil
	}

	s, err := cron.ParseStandard(raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("неверное расписание синхронизации %q: %w", raw, err)
	}
	return Schedule{Cron: s, raw: raw}, nil
}

func (s Schedule) String() string { return s.raw }

// Orchestrator запускает циклы синхронизации. Одновременно идет не больше одного цикла.
type Orchestrator struct {
	store      *SQLiteStore
	push       *PushEngine
	pull       *PullEngine
	applier    *ConflictApplier
	central    Central
	terminalID string
	timeout    time.Duration
	log        *slog.Logger
	now        func() time.Time

	running atomic.Bool
	online  atomic.Bool
}

func NewOrchestrator(
	store *SQLiteStore,
	push *PushEngine,
	pull *PullEngine,
	applier *ConflictApplier,
	central Central,
	cfg EngineConfig,
	log *slog.Logger,
) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:      store,
		push:       push,
		pull:       pull,
		applier:    applier,
		central:    central,
		terminalID: cfg.TerminalID,
		timeout:    cfg.Timeout,
		log:        log.With(slog.String("component", "sync_orchestrator")),
		now:        time.Now,
	}
}

// IsSyncing идет ли сейчас цикл
func (o *Orchestrator) IsSyncing() bool {
	return o.running.Load()
}

// Online последний heartbeat прошел успешно
func (o *Orchestrator) Online() bool {
	return o.online.Load()
}

// RunCycle push, затем pull, затем разрешение конфликтов.
// Если цикл уже идет, сразу возвращает ErrSyncInProgress.
func (o *Orchestrator) RunCycle(ctx context.Context, mode Mode) (*CycleResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)

	result := &CycleResult{Mode: mode, StartedAt: o.now().UTC()}
	o.log.Info("Начало синхронизации", "mode", mode)
	o.heartbeat(ctx, sync.TerminalSyncing)

	var errs []error

	var err error
	if mode == ModeFull {
		result.Push, err = o.push.PushAll(ctx)
	} else {
		result.Push, err = o.push.PushByPriority(ctx, priority.AtLeast(priority.High))
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("push: %w", err))
	}

	if ctx.Err() == nil {
		if result.Pull, err = o.pull.PullAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pull: %w", err))
		}
	}

	if ctx.Err() == nil {
		result.Resolved, result.Unresolved, err = o.applier.ResolvePending(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve: %w", err))
		}
	}

	result.CompletedAt = o.now().UTC()
	cycleErr := errors.Join(errs...)

	o.writeLog(result, cycleErr)

	if cycleErr != nil {
		o.heartbeat(ctx, sync.TerminalError)
		o.log.Error("Синхронизация завершилась с ошибкой", "mode", mode, "error", cycleErr)
		return result, cycleErr
	}

	o.heartbeat(ctx, sync.TerminalOnline)
	o.log.Info("Синхронизация завершена",
		"mode", mode,
		"duration", result.Duration(),
		"pushed", result.Push.Success,
		"push_failed", result.Push.Failure,
		"pulled", result.Pull.Applied(),
		"pull_failed", result.Pull.Failure,
		"conflicts", result.Push.Conflict+result.Pull.Conflict,
		"resolved", result.Resolved,
	)

	return result, nil
}

// writeLog журнал пишется и после отмены контекста цикла
func (o *Orchestrator) writeLog(result *CycleResult, cycleErr error) {
	entry := &SyncLog{
		ID:          uuid.NewString(),
		TerminalID:  o.terminalID,
		Direction:   directionBoth,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		Success:     cycleErr == nil && result.Push.Failure == 0 && result.Pull.Failure == 0,
		Processed: result.Push.Success + result.Push.Failure + result.Push.Conflict +
			result.Pull.Applied() + result.Pull.Skipped + result.Pull.Conflict + result.Pull.Failure,
		Created: result.Pull.Created,
		Updated: result.Pull.Updated + result.Push.Success,
	}
	if cycleErr != nil {
		entry.ErrorMessage = cycleErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.AppendSyncLog(ctx, entry); err != nil {
		o.log.Error("Ошибка записи журнала синхронизации", "error", err)
	}
}

// Heartbeat сообщает центру статус и состояние очереди. Ошибка только логируется.
func (o *Orchestrator) Heartbeat(ctx context.Context) {
	status := sync.TerminalOnline
	if o.IsSyncing() {
		status = sync.TerminalSyncing
	}
	o.heartbeat(ctx, status)
}

func (o *Orchestrator) heartbeat(ctx context.Context, status sync.TerminalStatus) {
	req := sync.HeartbeatRequest{TerminalID: o.terminalID, Status: status}
	counts, err := o.store.CountsByType(ctx)
	if err != nil {
		o.log.Warn("Не удалось подсчитать очередь", "error", err)
	} else {
		req.Stats = make(map[string]sync.TypeStats, len(counts))
		for t, c := range counts {
			req.Stats[string(t)] = sync.TypeStats{Pending: c.Pending, Failed: c.Failed, Conflicts: c.Conflicts}
		}
	}

	err = withTimeout(ctx, o.timeout, func(ctx context.Context) error {
		return o.central.Heartbeat(ctx, req)
	})
	o.online.Store(err == nil)
	if err != nil {
		o.log.Debug("Heartbeat не доставлен", "error", err)
	}
}

// Trigger запуск цикла по внешнему событию. Занятость не считается ошибкой.
func (o *Orchestrator) Trigger(ctx context.Context, mode Mode) {
	_, err := o.RunCycle(ctx, mode)
	if errors.Is(err, ErrSyncInProgress) {
		o.log.Info("Цикл пропущен: синхронизация уже выполняется", "mode", mode)
	}
}

// Start циклы по расписанию, heartbeat и (если задан) слушатель уведомлений.
// Блокируется до отмены ctx.
func (o *Orchestrator) Start(ctx context.Context, schedule Schedule, heartbeatEvery time.Duration, listener *Listener) error {
	if schedule.Cron == nil && schedule.Every <= 0 {
		return fmt.Errorf("расписание синхронизации не задано")
	}

	var wg gosync.WaitGroup
	defer wg.Wait()

	run := func(mode Mode) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Trigger(ctx, mode)
		}()
	}

	o.log.Info("Синхронизация запущена", "schedule", schedule.String(), "heartbeat", heartbeatEvery)
	run(ModeIncremental)

	if listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener.Run(ctx, func(ev sync.TriggerEvent) {
				o.log.Info("Получен запрос синхронизации", "type", ev.Type)
				run(ModeFull)
			})
		}()
	}

	if heartbeatEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(heartbeatEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					o.Heartbeat(ctx)
				}
			}
		}()
	}

	if schedule.Cron != nil {
		c := cron.New()
		c.Schedule(schedule.Cron, cron.FuncJob(func() { o.Trigger(ctx, ModeIncremental) }))
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	}

	ticker := time.NewTicker(schedule.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run(ModeIncremental)
		}
	}
}
