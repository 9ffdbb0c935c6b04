package terminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"possync/internal/domain/conflict"
	"possync/internal/domain/entity"
	"possync/internal/domain/sync"
	"possync/internal/utils/retry"
)

// PullResult итог получения изменений из центра
type PullResult struct {
	Created  int
	Updated  int
	Skipped  int
	Conflict int
	Failure  int
}

func (r *PullResult) add(o PullResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Conflict += o.Conflict
	r.Failure += o.Failure
}

// Applied сколько изменений записано локально
func (r PullResult) Applied() int {
	return r.Created + r.Updated
}

type applyOutcome int

const (
	applyCreated applyOutcome = iota
	applyUpdated
	applySkipped
	applyConflicted
)

// PullEngine применяет изменения центра к локальной базе
type PullEngine struct {
	store    *SQLiteStore
	central  Central
	registry *entity.Registry
	config   EngineConfig
	retry    *retry.Manager
	log      *slog.Logger
	now      func() time.Time
}

func NewPullEngine(store *SQLiteStore, central Central, registry *entity.Registry, cfg EngineConfig, log *slog.Logger) *PullEngine {
	cfg = cfg.withDefaults()
	return &PullEngine{
		store:    store,
		central:  central,
		registry: registry,
		config:   cfg,
		retry:    cfg.retryManager(),
		log:      log.With(slog.String("component", "pull_engine")),
		now:      time.Now,
	}
}

// PullAll получает изменения по всем типам. Родительские типы раньше дочерних,
// типы одного уровня параллельно. Ошибка одного типа не останавливает остальные.
func (e *PullEngine) PullAll(ctx context.Context) (PullResult, error) {
	var (
		mu     gosync.Mutex
		result PullResult
	)

	for _, level := range e.registry.PullLevels() {
		g := errgroup.Group{}
		g.SetLimit(e.config.PullConcurrency)

		for _, t := range level {
			g.Go(func() error {
				r, err := e.PullEntity(ctx, t)
				if err != nil {
					e.log.Warn("Ошибка получения изменений", "entity_type", t, "error", err)
					r.Failure++
				}
				mu.Lock()
				result.add(r)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	return result, nil
}

// PullEntity изменения одного типа после его watermark. Watermark сдвигается только
// если все изменения применены без ошибок.
func (e *PullEngine) PullEntity(ctx context.Context, t entity.Type) (PullResult, error) {
	var result PullResult

	h, ok := e.registry.Lookup(t)
	if !ok {
		return result, fmt.Errorf("%w: %s", entity.ErrUnknownType, t)
	}

	since, err := e.store.GetWatermark(ctx, e.config.TerminalID, t)
	if err != nil {
		return result, err
	}

	var changes []sync.PulledEntity
	err = e.retry.Execute(ctx, func(ctx context.Context) error {
		return withTimeout(ctx, e.config.Timeout, func(ctx context.Context) error {
			var err error
			changes, err = e.central.Pull(ctx, e.config.TerminalID, t, since)
			return err
		})
	})
	if err != nil {
		return result, fmt.Errorf("ошибка запроса изменений: %w", err)
	}
	if len(changes) == 0 {
		return result, nil
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].ChangedAt.Before(changes[j].ChangedAt)
	})

	var newest time.Time
	for _, ch := range changes {
		outcome, err := e.apply(ctx, h, ch)
		if err != nil {
			result.Failure++
			e.log.Warn("Не удалось применить изменение",
				"entity_type", t, "entity_id", ch.ID, "error", err)
			continue
		}
		switch outcome {
		case applyCreated:
			result.Created++
		case applyUpdated:
			result.Updated++
		case applySkipped:
			result.Skipped++
		case applyConflicted:
			result.Conflict++
		}
		if ch.ChangedAt.After(newest) {
			newest = ch.ChangedAt
		}
	}

	if result.Failure > 0 {
		return result, nil
	}
	if err := e.store.AdvanceWatermark(ctx, e.config.TerminalID, t, newest); err != nil {
		return result, err
	}

	e.log.Debug("Изменения применены",
		"entity_type", t, "received", len(changes), "created", result.Created,
		"updated", result.Updated, "conflicts", result.Conflict, "watermark", newest)

	return result, nil
}

// apply одно изменение в своей транзакции
func (e *PullEngine) apply(ctx context.Context, h entity.Handler, ch sync.PulledEntity) (applyOutcome, error) {
	if ch.ID == "" {
		return 0, entity.ErrMissingID
	}

	var outcome applyOutcome
	err := e.store.InTx(ctx, func(tx *Tx) error {
		local, err := tx.GetEntity(ctx, h.Type(), ch.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		now := e.now().UTC()
		clean := &LocalEntity{
			Type:         h.Type(),
			ID:           ch.ID,
			Data:         ch.Data,
			SyncVersion:  ch.SyncVersion,
			IsDeleted:    ch.Deleted,
			LastSyncedAt: &now,
			UpdatedAt:    now,
		}

		if local == nil {
			outcome = applyCreated
			return tx.PutEntity(ctx, clean)
		}
		if !local.IsDirty {
			outcome = applyUpdated
			return tx.PutEntity(ctx, clean)
		}

		decision := h.Decide(
			entity.Local{Data: local.Data, SyncVersion: local.SyncVersion, IsDirty: local.IsDirty},
			entity.Remote{Data: ch.Data, SyncVersion: ch.SyncVersion, Deleted: ch.Deleted},
		)

		switch decision.Action {
		case entity.ActionOverwrite:
			outcome = applyUpdated
			clean.Data = decision.Data
			return tx.PutEntity(ctx, clean)

		case entity.ActionMerge:
			outcome = applyUpdated
			clean.Data = decision.Data
			clean.IsDirty = local.IsDirty
			return tx.PutEntity(ctx, clean)

		case entity.ActionConflict:
			outcome = applyConflicted
			_, err := tx.InsertConflict(ctx, &conflict.Record{
				ID:             uuid.NewString(),
				TerminalID:     e.config.TerminalID,
				EntityType:     h.Type(),
				EntityID:       ch.ID,
				ConflictType:   conflict.ConcurrentUpdate,
				TerminalData:   local.Data,
				CentralData:    ch.Data,
				CentralVersion: ch.SyncVersion,
				Resolution:     conflict.Pending,
				DetectedAt:     now,
			})
			return err
		}

		outcome = applySkipped
		return nil
	})

	return outcome, err
}
