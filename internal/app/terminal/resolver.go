package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"possync/internal/domain/conflict"
	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
	"possync/internal/domain/sync"
)

// ConflictApplier применяет решения по конфликтам к локальной базе и центру
type ConflictApplier struct {
	store      *SQLiteStore
	central    Central
	registry   *entity.Registry
	resolver   *conflict.Resolver
	terminalID string
	timeout    time.Duration
	log        *slog.Logger
	now        func() time.Time
}

func NewConflictApplier(store *SQLiteStore, central Central, registry *entity.Registry, cfg EngineConfig, log *slog.Logger) *ConflictApplier {
	cfg = cfg.withDefaults()
	return &ConflictApplier{
		store:      store,
		central:    central,
		registry:   registry,
		resolver:   conflict.NewResolver(registry),
		terminalID: cfg.TerminalID,
		timeout:    cfg.Timeout,
		log:        log.With(slog.String("component", "conflict_applier")),
		now:        time.Now,
	}
}

// ResolvePending разрешает открытые конфликты автоматически.
// Неудачные остаются PENDING до следующего цикла.
func (a *ConflictApplier) ResolvePending(ctx context.Context) (resolved, failed int, err error) {
	pending, err := a.store.ListConflicts(ctx, true)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return resolved, failed, err
		}

		out, err := a.resolver.Decide(rec)
		if err == nil {
			err = a.Apply(ctx, rec, out, conflict.ResolvedBySystem)
		}
		if err != nil {
			failed++
			a.log.Warn("Конфликт не разрешен",
				"conflict_id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityID, "error", err)
			continue
		}
		resolved++
	}

	return resolved, failed, nil
}

// OperatorOutcome исход для ручного решения оператора
func (a *ConflictApplier) OperatorOutcome(rec *conflict.Record, resolution conflict.Resolution) (conflict.Outcome, error) {
	switch resolution {
	case conflict.CentralWins:
		if rec.CentralData.IsDeleted() {
			return conflict.Outcome{Resolution: resolution}, nil
		}
		return conflict.Outcome{Resolution: resolution, Data: rec.CentralData}, nil
	case conflict.TerminalWins:
		return conflict.Outcome{Resolution: resolution, Data: rec.TerminalData}, nil
	case conflict.ManualMerge:
		h, ok := a.registry.Lookup(rec.EntityType)
		if !ok {
			return conflict.Outcome{}, fmt.Errorf("%w: %s", entity.ErrUnknownType, rec.EntityType)
		}
		return conflict.Outcome{Resolution: resolution, Data: h.Merge(rec.TerminalData, rec.CentralData)}, nil
	case conflict.Discard:
		return conflict.Outcome{Resolution: resolution}, nil
	}
	return conflict.Outcome{}, fmt.Errorf("%w: %s", conflict.ErrInvalidResolution, resolution)
}

// Apply фиксирует исход. Если побеждают данные терминала, сначала они отправляются в центр;
// при ошибке конфликт остается PENDING.
func (a *ConflictApplier) Apply(ctx context.Context, rec *conflict.Record, out conflict.Outcome, by string) error {
	if !rec.IsPending() {
		return ErrAlreadyResolved
	}

	version := rec.CentralVersion
	if out.Resolution == conflict.TerminalWins || out.Resolution == conflict.ManualMerge {
		data := out.Data
		if data == nil {
			data = rec.TerminalData
		}
		out.Data = data

		var resp *sync.ResolveResponse
		err := withTimeout(ctx, a.timeout, func(ctx context.Context) error {
			var err error
			resp, err = a.central.Resolve(ctx, sync.ResolveRequest{
				ConflictID:   rec.ID,
				TerminalID:   a.terminalID,
				EntityType:   rec.EntityType,
				EntityID:     rec.EntityID,
				Resolution:   string(out.Resolution),
				ResolvedData: data,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("ошибка отправки решения в центр: %w", err)
		}
		version = resp.NewSyncVersion
	}

	resolved := *rec
	now := a.now().UTC()
	if err := resolved.Resolve(out, by, now); err != nil {
		return err
	}

	err := a.store.InTx(ctx, func(tx *Tx) error {
		if err := tx.MarkResolved(ctx, &resolved); err != nil {
			return err
		}

		if out.Resolution == conflict.Discard {
			return tx.SupersedePending(ctx, rec.EntityType, rec.EntityID, outbox.StatusFailed,
				"изменение отброшено при разрешении конфликта")
		}

		if err := a.applyLocal(ctx, tx, rec, out, version, now); err != nil {
			return err
		}
		return tx.SupersedePending(ctx, rec.EntityType, rec.EntityID, outbox.StatusCompleted,
			"заменено решением конфликта: "+string(out.Resolution))
	})
	if err != nil {
		return err
	}

	*rec = resolved
	a.log.Info("Конфликт разрешен",
		"conflict_id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityID,
		"conflict_type", rec.ConflictType, "resolution", out.Resolution, "by", by)

	return nil
}

func (a *ConflictApplier) applyLocal(ctx context.Context, tx *Tx, rec *conflict.Record, out conflict.Outcome, version int64, now time.Time) error {
	local, err := tx.GetEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	next := &LocalEntity{
		Type:         rec.EntityType,
		ID:           rec.EntityID,
		Data:         out.Data,
		SyncVersion:  version,
		LastSyncedAt: &now,
		UpdatedAt:    now,
	}

	// данных нет: центр удалил сущность
	if out.Data == nil {
		next.IsDeleted = true
		if local != nil {
			next.Data = local.Data
		}
		if next.Data == nil {
			next.Data = entity.Data{"id": rec.EntityID}
		}
	} else if out.Data.IsDeleted() {
		next.IsDeleted = true
	}

	return tx.PutEntity(ctx, next)
}
