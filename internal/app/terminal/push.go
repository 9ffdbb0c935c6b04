package terminal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"possync/internal/domain/conflict"
	"possync/internal/domain/outbox"
	"possync/internal/domain/sync"
	"possync/internal/utils/batch"
	"possync/internal/utils/retry"
)

// PushResult итог отправки outbox
type PushResult struct {
	Success  int
	Failure  int
	Conflict int
}

func (r *PushResult) add(o PushResult) {
	r.Success += o.Success
	r.Failure += o.Failure
	r.Conflict += o.Conflict
}

type pushOutcome int

const (
	pushSucceeded pushOutcome = iota
	pushFailed
	pushConflicted
	pushAborted
)

// PushEngine отправляет локальные изменения в центр
type PushEngine struct {
	store   *SQLiteStore
	central Central
	config  EngineConfig
	retry   *retry.Manager
	log     *slog.Logger
	now     func() time.Time
}

func NewPushEngine(store *SQLiteStore, central Central, cfg EngineConfig, log *slog.Logger) *PushEngine {
	cfg = cfg.withDefaults()
	return &PushEngine{
		store:   store,
		central: central,
		config:  cfg,
		retry:   cfg.retryManager(),
		log:     log.With(slog.String("component", "push_engine")),
		now:     time.Now,
	}
}

// PushAll отправляет все ожидающие изменения
func (e *PushEngine) PushAll(ctx context.Context) (PushResult, error) {
	return e.push(ctx, nil)
}

// PushByPriority отправляет только изменения с указанными приоритетами
func (e *PushEngine) PushByPriority(ctx context.Context, priorities []int) (PushResult, error) {
	if len(priorities) == 0 {
		return PushResult{}, nil
	}
	return e.push(ctx, priorities)
}

func (e *PushEngine) push(ctx context.Context, priorities []int) (PushResult, error) {
	var result PushResult

	items, err := e.store.ListEligible(ctx, priorities)
	if err != nil {
		return result, fmt.Errorf("ошибка выборки outbox: %w", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	e.log.Info("Отправка изменений", "items", len(items), "batch_size", e.config.BatchSize)

	for _, b := range batch.Create(items, e.config.BatchSize) {
		result.add(e.pushBatch(ctx, b))
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	e.log.Info("Отправка завершена",
		"success", result.Success, "failure", result.Failure, "conflict", result.Conflict)

	return result, nil
}

// pushBatch изменения одной сущности идут по порядку, разные сущности параллельно
func (e *PushEngine) pushBatch(ctx context.Context, items []*outbox.Item) PushResult {
	var (
		mu     gosync.Mutex
		result PushResult
	)

	g := errgroup.Group{}
	g.SetLimit(e.config.PushConcurrency)

	for _, group := range groupByEntity(items) {
		g.Go(func() error {
			r := e.pushSequence(ctx, group)
			mu.Lock()
			result.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// pushSequence останавливается на первом неуспешном изменении, чтобы не нарушить порядок
func (e *PushEngine) pushSequence(ctx context.Context, items []*outbox.Item) PushResult {
	var result PushResult

	for i, item := range items {
		outcome, version := e.pushOne(ctx, item)
		switch outcome {
		case pushSucceeded:
			result.Success++
			for _, next := range items[i+1:] {
				next.SyncVersion = version
			}
			continue
		case pushConflicted:
			result.Conflict++
		case pushFailed:
			result.Failure++
		}
		break
	}

	return result
}

func (e *PushEngine) pushOne(ctx context.Context, item *outbox.Item) (pushOutcome, int64) {
	change := sync.Change{
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Operation:   item.Operation,
		Data:        item.Data,
		SyncVersion: item.SyncVersion,
		Timestamp:   item.LocalTimestamp,
	}

	var res sync.ChangeResult
	err := e.retry.Execute(ctx, func(ctx context.Context) error {
		return withTimeout(ctx, e.config.Timeout, func(ctx context.Context) error {
			resp, err := e.central.Push(ctx, sync.PushRequest{
				TerminalID: e.config.TerminalID,
				Changes:    []sync.Change{change},
			})
			if err != nil {
				return err
			}
			if len(resp.Results) != 1 {
				return fmt.Errorf("центр вернул %d результатов вместо 1", len(resp.Results))
			}
			res = resp.Results[0]
			if res.ErrorCode == sync.CodeInternal {
				return &StatusError{Code: http.StatusInternalServerError, Detail: res.Error}
			}
			return nil
		})
	})

	if ctx.Err() != nil {
		return pushAborted, 0
	}

	now := e.now().UTC()
	log := e.log.With("outbox_id", item.ID, "entity_type", item.EntityType, "entity_id", item.EntityID)

	switch {
	case err != nil:
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusBadRequest || se.Code == http.StatusUnprocessableEntity) {
			item.MarkInvalid(now, err)
		} else {
			item.MarkAttemptFailed(now, err)
		}
		log.Warn("Не удалось отправить изменение",
			"attempt", item.AttemptCount, "status", item.Status, "error", err)
		if serr := e.store.SaveOutboxItem(ctx, item); serr != nil {
			log.Error("Ошибка сохранения outbox", "error", serr)
		}
		return pushFailed, 0

	case res.Success:
		version := res.NewSyncVersion
		if version == 0 {
			version = item.SyncVersion
		}
		if err := e.store.CompletePush(ctx, item, version, now); err != nil {
			log.Error("Изменение принято центром, но не отмечено локально", "error", err)
			return pushFailed, 0
		}
		return pushSucceeded, version

	case res.Conflict:
		rec := &conflict.Record{
			ID:             uuid.NewString(),
			TerminalID:     e.config.TerminalID,
			EntityType:     item.EntityType,
			EntityID:       item.EntityID,
			ConflictType:   conflictTypeFor(res.ErrorCode),
			TerminalData:   item.Data,
			CentralData:    res.CentralData,
			CentralVersion: res.CentralVersion,
			Resolution:     conflict.Pending,
			DetectedAt:     now,
		}
		err := e.store.InTx(ctx, func(tx *Tx) error {
			if _, err := tx.InsertConflict(ctx, rec); err != nil {
				return err
			}
			item.ErrorMessage = res.Error
			return tx.SaveOutboxItem(ctx, item)
		})
		if err != nil {
			log.Error("Ошибка сохранения конфликта", "error", err)
			return pushFailed, 0
		}
		log.Warn("Конфликт при отправке", "conflict_type", rec.ConflictType, "central_version", res.CentralVersion)
		return pushConflicted, 0

	case res.ErrorCode == sync.CodeValidation:
		item.MarkInvalid(now, errors.New(res.Error))
	default:
		item.MarkAttemptFailed(now, fmt.Errorf("%s: %s", res.ErrorCode, res.Error))
	}

	log.Warn("Центр отклонил изменение", "code", res.ErrorCode, "error", res.Error, "status", item.Status)
	if err := e.store.SaveOutboxItem(ctx, item); err != nil {
		log.Error("Ошибка сохранения outbox", "error", err)
	}
	return pushFailed, 0
}

func conflictTypeFor(code string) conflict.Type {
	switch code {
	case sync.CodeDuplicate:
		return conflict.DuplicateCreate
	case sync.CodeNotFound:
		return conflict.DeletedUpdate
	case sync.CodeStale:
		return conflict.ConcurrentUpdate
	}
	return conflict.VersionMismatch
}

// groupByEntity группы по сущности в порядке первого появления
func groupByEntity(items []*outbox.Item) [][]*outbox.Item {
	index := make(map[string]int)
	var groups [][]*outbox.Item

	for _, item := range items {
		key := item.Key()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}

	return groups
}
