package terminal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"possync/internal/domain/conflict"
	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
)

var (
	ErrNotFound        = errors.New("запись не найдена")
	ErrAlreadyResolved = conflict.ErrAlreadyResolved
)

// timeLayout фиксированной ширины, чтобы строки сортировались как время
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// LocalEntity локальная копия сущности
type LocalEntity struct {
	Type         entity.Type
	ID           string
	Data         entity.Data
	SyncVersion  int64
	IsDirty      bool
	IsDeleted    bool
	LastSyncedAt *time.Time
	UpdatedAt    time.Time
}

// SyncLog запись журнала цикла синхронизации. После записи не меняется.
type SyncLog struct {
	ID           string
	TerminalID   string
	Direction    string
	StartedAt    time.Time
	CompletedAt  time.Time
	Success      bool
	Processed    int
	Created      int
	Updated      int
	ErrorMessage string
}

// TypeCounts состояние очереди по одному типу сущности
type TypeCounts struct {
	Pending   int
	Failed    int
	Conflicts int
}

// SQLiteStore локальная база терминала
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы данных: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка инициализации таблиц: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			data TEXT NOT NULL,
			sync_version INTEGER NOT NULL DEFAULT 0,
			is_dirty BOOLEAN NOT NULL DEFAULT 0,
			is_deleted BOOLEAN NOT NULL DEFAULT 0,
			last_synced_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);

		CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			terminal_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			data TEXT,
			created_in_mode TEXT NOT NULL DEFAULT 'OFFLINE',
			sync_priority INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_attempt_at TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			local_timestamp TEXT NOT NULL,
			sync_version INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_outbox_drain ON outbox(status, sync_priority DESC, created_at);
		CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id);

		CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			terminal_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			terminal_data TEXT,
			central_data TEXT,
			central_version INTEGER NOT NULL DEFAULT 0,
			resolution TEXT NOT NULL DEFAULT 'PENDING',
			resolved_data TEXT,
			resolved_by TEXT NOT NULL DEFAULT '',
			resolved_at TEXT,
			detected_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON sync_conflicts(entity_type, entity_id, resolution);

		CREATE TABLE IF NOT EXISTS watermarks (
			terminal_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			last_sync TEXT NOT NULL,
			PRIMARY KEY (terminal_id, entity_type)
		);

		CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			terminal_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			entities_processed INTEGER NOT NULL DEFAULT 0,
			entities_created INTEGER NOT NULL DEFAULT 0,
			entities_updated INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		);
	`)

	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx операции в одной локальной транзакции
type Tx struct {
	q querier
}

// InTx выполняет fn в транзакции. Ошибка fn откатывает все изменения.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	if err := fn(&Tx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

func (s *SQLiteStore) tx() *Tx {
	return &Tx{q: s.db}
}

// ---- сущности ----

func (s *SQLiteStore) GetEntity(ctx context.Context, t entity.Type, id string) (*LocalEntity, error) {
	return s.tx().GetEntity(ctx, t, id)
}

func (tx *Tx) GetEntity(ctx context.Context, t entity.Type, id string) (*LocalEntity, error) {
	row := tx.q.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, data, sync_version, is_dirty, is_deleted, last_synced_at, updated_at
		FROM entities
		WHERE entity_type = ? AND entity_id = ?
	`, string(t), id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сущности: %w", err)
	}
	return e, nil
}

// PutEntity вставляет или заменяет локальную копию целиком
func (tx *Tx) PutEntity(ctx context.Context, e *LocalEntity) error {
	raw, err := marshalData(e.Data)
	if err != nil {
		return err
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, data, sync_version, is_dirty, is_deleted, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			sync_version = excluded.sync_version,
			is_dirty = excluded.is_dirty,
			is_deleted = excluded.is_deleted,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, string(e.Type), e.ID, raw, e.SyncVersion, e.IsDirty, e.IsDeleted,
		formatTimePtr(e.LastSyncedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("ошибка сохранения сущности: %w", err)
	}
	return nil
}

// ListEntities локальные копии одного типа
func (s *SQLiteStore) ListEntities(ctx context.Context, t entity.Type, withDeleted bool) ([]*LocalEntity, error) {
	query := `
		SELECT entity_type, entity_id, data, sync_version, is_dirty, is_deleted, last_synced_at, updated_at
		FROM entities
		WHERE entity_type = ?`
	if !withDeleted {
		query += " AND is_deleted = 0"
	}
	query += " ORDER BY entity_id"

	rows, err := s.db.QueryContext(ctx, query, string(t))
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	var out []*LocalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования сущности: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordMutation локальная запись: сущность и элемент outbox в одной транзакции.
// Базовая версия элемента берется из текущей локальной копии.
func (s *SQLiteStore) RecordMutation(ctx context.Context, item *outbox.Item) error {
	return s.InTx(ctx, func(tx *Tx) error {
		current, err := tx.GetEntity(ctx, item.EntityType, item.EntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next := &LocalEntity{
			Type:      item.EntityType,
			ID:        item.EntityID,
			Data:      item.Data,
			IsDirty:   true,
			UpdatedAt: item.LocalTimestamp,
		}
		if current != nil {
			item.SyncVersion = current.SyncVersion
			next.SyncVersion = current.SyncVersion
			next.LastSyncedAt = current.LastSyncedAt
			if item.Operation == outbox.OpDelete {
				next.Data = current.Data
			}
		}
		if item.Operation == outbox.OpDelete {
			next.IsDeleted = true
		}

		if err := tx.PutEntity(ctx, next); err != nil {
			return err
		}
		return tx.InsertOutboxItem(ctx, item)
	})
}

// ---- outbox ----

func (tx *Tx) InsertOutboxItem(ctx context.Context, item *outbox.Item) error {
	raw, err := marshalData(item.Data)
	if err != nil {
		return err
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO outbox (id, terminal_id, entity_type, entity_id, operation, data, created_in_mode,
			sync_priority, status, attempt_count, max_attempts, last_attempt_at, error_message,
			created_at, local_timestamp, sync_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.TerminalID, string(item.EntityType), item.EntityID, string(item.Operation), raw,
		string(item.CreatedInMode), item.SyncPriority, string(item.Status), item.AttemptCount, item.MaxAttempts,
		formatTimePtr(item.LastAttemptAt), item.ErrorMessage, formatTime(item.CreatedAt),
		formatTime(item.LocalTimestamp), item.SyncVersion)
	if err != nil {
		return fmt.Errorf("ошибка добавления в outbox: %w", err)
	}
	return nil
}

// SaveOutboxItem сохраняет состояние элемента после попытки отправки
func (s *SQLiteStore) SaveOutboxItem(ctx context.Context, item *outbox.Item) error {
	return s.tx().SaveOutboxItem(ctx, item)
}

func (tx *Tx) SaveOutboxItem(ctx context.Context, item *outbox.Item) error {
	_, err := tx.q.ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, attempt_count = ?, last_attempt_at = ?, error_message = ?, sync_version = ?
		WHERE id = ?
	`, string(item.Status), item.AttemptCount, formatTimePtr(item.LastAttemptAt), item.ErrorMessage,
		item.SyncVersion, item.ID)
	if err != nil {
		return fmt.Errorf("ошибка обновления outbox: %w", err)
	}
	return nil
}

const outboxColumns = `id, terminal_id, entity_type, entity_id, operation, data, created_in_mode,
	sync_priority, status, attempt_count, max_attempts, last_attempt_at, error_message,
	created_at, local_timestamp, sync_version`

// ListEligible элементы к отправке: PENDING, попытки не исчерпаны, по сущности нет
// открытого конфликта. Порядок: приоритет по убыванию, затем время создания.
// Пустой priorities означает все приоритеты.
func (s *SQLiteStore) ListEligible(ctx context.Context, priorities []int) ([]*outbox.Item, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox o
		WHERE o.status = 'PENDING'
		  AND o.attempt_count < o.max_attempts
		  AND NOT EXISTS (
			SELECT 1 FROM sync_conflicts c
			WHERE c.entity_type = o.entity_type AND c.entity_id = o.entity_id AND c.resolution = 'PENDING'
		  )`
	args := []any{}
	if len(priorities) > 0 {
		query += " AND o.sync_priority IN (?" + strings.Repeat(",?", len(priorities)-1) + ")"
		for _, p := range priorities {
			args = append(args, p)
		}
	}
	query += " ORDER BY o.sync_priority DESC, o.created_at ASC, o.rowid ASC"

	return s.queryOutbox(ctx, query, args...)
}

// ListOutbox элементы outbox с заданным статусом (пустой - все)
func (s *SQLiteStore) ListOutbox(ctx context.Context, status outbox.Status) ([]*outbox.Item, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	return s.queryOutbox(ctx, query, args...)
}

func (s *SQLiteStore) GetOutboxItem(ctx context.Context, id string) (*outbox.Item, error) {
	items, err := s.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

func (s *SQLiteStore) queryOutbox(ctx context.Context, query string, args ...any) ([]*outbox.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	var items []*outbox.Item
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования outbox: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CompletePush фиксирует принятое центром изменение: элемент COMPLETED, сущность получает
// новую версию, остальные ожидающие изменения той же сущности переносятся на нее.
func (s *SQLiteStore) CompletePush(ctx context.Context, item *outbox.Item, newVersion int64, now time.Time) error {
	return s.InTx(ctx, func(tx *Tx) error {
		item.MarkCompleted(now)
		if err := tx.SaveOutboxItem(ctx, item); err != nil {
			return err
		}

		if _, err := tx.q.ExecContext(ctx, `
			UPDATE outbox SET sync_version = ?
			WHERE entity_type = ? AND entity_id = ? AND status = 'PENDING' AND id <> ?
		`, newVersion, string(item.EntityType), item.EntityID, item.ID); err != nil {
			return fmt.Errorf("ошибка переноса версии: %w", err)
		}

		_, err := tx.q.ExecContext(ctx, `
			UPDATE entities
			SET sync_version = ?,
				last_synced_at = ?,
				is_dirty = EXISTS (
					SELECT 1 FROM outbox
					WHERE entity_type = ? AND entity_id = ? AND status = 'PENDING'
				)
			WHERE entity_type = ? AND entity_id = ?
		`, newVersion, formatTime(now), string(item.EntityType), item.EntityID,
			string(item.EntityType), item.EntityID)
		if err != nil {
			return fmt.Errorf("ошибка обновления сущности: %w", err)
		}
		return nil
	})
}

// RequeueFailed возвращает FAILED элементы в очередь. Пустой id - все.
func (s *SQLiteStore) RequeueFailed(ctx context.Context, id string) (int, error) {
	var items []*outbox.Item
	if id != "" {
		item, err := s.GetOutboxItem(ctx, id)
		if err != nil {
			return 0, err
		}
		items = []*outbox.Item{item}
	} else {
		var err error
		if items, err = s.ListOutbox(ctx, outbox.StatusFailed); err != nil {
			return 0, err
		}
	}

	n := 0
	err := s.InTx(ctx, func(tx *Tx) error {
		for _, item := range items {
			if !item.Requeue() {
				continue
			}
			if err := tx.SaveOutboxItem(ctx, item); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SupersedePending закрывает ожидающие изменения сущности, их заменило решение конфликта
func (tx *Tx) SupersedePending(ctx context.Context, t entity.Type, id string, status outbox.Status, reason string) error {
	_, err := tx.q.ExecContext(ctx, `
		UPDATE outbox SET status = ?, error_message = ?
		WHERE entity_type = ? AND entity_id = ? AND status = 'PENDING'
	`, string(status), reason, string(t), id)
	if err != nil {
		return fmt.Errorf("ошибка закрытия изменений: %w", err)
	}
	return nil
}

// ---- конфликты ----

// InsertConflict сохраняет конфликт, если по сущности еще нет открытого.
// Возвращает false, если открытый конфликт уже есть.
func (s *SQLiteStore) InsertConflict(ctx context.Context, rec *conflict.Record) (bool, error) {
	return s.tx().InsertConflict(ctx, rec)
}

func (tx *Tx) InsertConflict(ctx context.Context, rec *conflict.Record) (bool, error) {
	terminalData, err := marshalData(rec.TerminalData)
	if err != nil {
		return false, err
	}
	centralData, err := marshalData(rec.CentralData)
	if err != nil {
		return false, err
	}

	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, terminal_id, entity_type, entity_id, conflict_type,
			terminal_data, central_data, central_version, resolution, detected_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_conflicts
			WHERE entity_type = ? AND entity_id = ? AND resolution = 'PENDING'
		)
	`, rec.ID, rec.TerminalID, string(rec.EntityType), rec.EntityID, string(rec.ConflictType),
		terminalData, centralData, rec.CentralVersion, formatTime(rec.DetectedAt),
		string(rec.EntityType), rec.EntityID)
	if err != nil {
		return false, fmt.Errorf("ошибка сохранения конфликта: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkResolved закрывает конфликт. Только из PENDING, повторно - ErrAlreadyResolved.
func (tx *Tx) MarkResolved(ctx context.Context, rec *conflict.Record) error {
	resolved, err := marshalData(rec.ResolvedData)
	if err != nil {
		return err
	}

	res, err := tx.q.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution = ?, resolved_data = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolution = 'PENDING'
	`, string(rec.Resolution), resolved, rec.ResolvedBy, formatTimePtr(rec.ResolvedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("ошибка обновления конфликта: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

const conflictColumns = `id, terminal_id, entity_type, entity_id, conflict_type, terminal_data, central_data,
	central_version, resolution, resolved_data, resolved_by, resolved_at, detected_at`

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*conflict.Record, error) {
	recs, err := s.queryConflicts(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// ListConflicts конфликты в порядке обнаружения
func (s *SQLiteStore) ListConflicts(ctx context.Context, onlyPending bool) ([]*conflict.Record, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if onlyPending {
		query += ` WHERE resolution = 'PENDING'`
	}
	query += ` ORDER BY detected_at ASC, rowid ASC`

	return s.queryConflicts(ctx, query)
}

func (s *SQLiteStore) queryConflicts(ctx context.Context, query string, args ...any) ([]*conflict.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	var recs []*conflict.Record
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования конфликта: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ---- водяные знаки ----

// GetWatermark время последнего примененного pull. Нулевое, если pull еще не было.
func (s *SQLiteStore) GetWatermark(ctx context.Context, terminalID string, t entity.Type) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync FROM watermarks WHERE terminal_id = ? AND entity_type = ?
	`, terminalID, string(t)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка чтения watermark: %w", err)
	}
	return parseTime(raw)
}

// AdvanceWatermark сдвигает watermark только вперед
func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, terminalID string, t entity.Type, to time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (terminal_id, entity_type, last_sync)
		VALUES (?, ?, ?)
		ON CONFLICT (terminal_id, entity_type) DO UPDATE SET last_sync = excluded.last_sync
		WHERE excluded.last_sync > watermarks.last_sync
	`, terminalID, string(t), formatTime(to))
	if err != nil {
		return fmt.Errorf("ошибка обновления watermark: %w", err)
	}
	return nil
}

// ---- журнал и статистика ----

func (s *SQLiteStore) AppendSyncLog(ctx context.Context, l *SyncLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, terminal_id, direction, started_at, completed_at, success,
			entities_processed, entities_created, entities_updated, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.TerminalID, l.Direction, formatTime(l.StartedAt), formatTime(l.CompletedAt), l.Success,
		l.Processed, l.Created, l.Updated, l.ErrorMessage)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала: %w", err)
	}
	return nil
}

// ListSyncLogs последние записи журнала, новые первыми
func (s *SQLiteStore) ListSyncLogs(ctx context.Context, limit int) ([]*SyncLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal_id, direction, started_at, completed_at, success,
			entities_processed, entities_created, entities_updated, error_message
		FROM sync_logs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		var l SyncLog
		var started, completed string
		if err := rows.Scan(&l.ID, &l.TerminalID, &l.Direction, &started, &completed, &l.Success,
			&l.Processed, &l.Created, &l.Updated, &l.ErrorMessage); err != nil {
			return nil, fmt.Errorf("ошибка сканирования журнала: %w", err)
		}
		if l.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if l.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountsByType очередь и конфликты по типам сущностей для heartbeat и статуса
func (s *SQLiteStore) CountsByType(ctx context.Context) (map[entity.Type]TypeCounts, error) {
	out := make(map[entity.Type]TypeCounts)

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, status, COUNT(*) FROM outbox
		WHERE status IN ('PENDING', 'FAILED')
		GROUP BY entity_type, status
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета outbox: %w", err)
	}
	for rows.Next() {
		var t, status string
		var n int
		if err := rows.Scan(&t, &status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		c := out[entity.Type(t)]
		if outbox.Status(status) == outbox.StatusPending {
			c.Pending = n
		} else {
			c.Failed = n
		}
		out[entity.Type(t)] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) FROM sync_conflicts
		WHERE resolution = 'PENDING'
		GROUP BY entity_type
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета конфликтов: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		c := out[entity.Type(t)]
		c.Conflicts = n
		out[entity.Type(t)] = c
	}

	return out, rows.Err()
}

// ---- сканирование ----

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*LocalEntity, error) {
	var e LocalEntity
	var t, raw, updated string
	var synced sql.NullString

	if err := row.Scan(&t, &e.ID, &raw, &e.SyncVersion, &e.IsDirty, &e.IsDeleted, &synced, &updated); err != nil {
		return nil, err
	}
	e.Type = entity.Type(t)

	var err error
	if e.Data, err = unmarshalData(raw); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if e.LastSyncedAt, err = parseTimePtr(synced); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanOutboxItem(row scanner) (*outbox.Item, error) {
	var item outbox.Item
	var t, op, mode, status, created, local string
	var raw, lastAttempt sql.NullString

	if err := row.Scan(&item.ID, &item.TerminalID, &t, &item.EntityID, &op, &raw, &mode,
		&item.SyncPriority, &status, &item.AttemptCount, &item.MaxAttempts, &lastAttempt,
		&item.ErrorMessage, &created, &local, &item.SyncVersion); err != nil {
		return nil, err
	}
	item.EntityType = entity.Type(t)
	item.Operation = outbox.Operation(op)
	item.CreatedInMode = outbox.Mode(mode)
	item.Status = outbox.Status(status)

	var err error
	if item.Data, err = unmarshalData(raw.String); err != nil {
		return nil, err
	}
	if item.LastAttemptAt, err = parseTimePtr(lastAttempt); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if item.LocalTimestamp, err = parseTime(local); err != nil {
		return nil, err
	}
	return &item, nil
}

func scanConflict(row scanner) (*conflict.Record, error) {
	var rec conflict.Record
	var t, ct, resolution, detected string
	var terminalData, centralData, resolvedData, resolvedAt sql.NullString

	if err := row.Scan(&rec.ID, &rec.TerminalID, &t, &rec.EntityID, &ct, &terminalData, &centralData,
		&rec.CentralVersion, &resolution, &resolvedData, &rec.ResolvedBy, &resolvedAt, &detected); err != nil {
		return nil, err
	}
	rec.EntityType = entity.Type(t)
	rec.ConflictType = conflict.Type(ct)
	rec.Resolution = conflict.Resolution(resolution)

	var err error
	if rec.TerminalData, err = unmarshalData(terminalData.String); err != nil {
		return nil, err
	}
	if rec.CentralData, err = unmarshalData(centralData.String); err != nil {
		return nil, err
	}
	if rec.ResolvedData, err = unmarshalData(resolvedData.String); err != nil {
		return nil, err
	}
	if rec.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	if rec.DetectedAt, err = parseTime(detected); err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalData(d entity.Data) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("ошибка сериализации данных: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalData(raw string) (entity.Data, error) {
	if raw == "" {
		return nil, nil
	}
	var d entity.Data
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("ошибка парсинга данных: %w", err)
	}
	return d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка парсинга времени %q: %w", raw, err)
	}
	return t, nil
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
