package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"possync/internal/domain/entity"
	"possync/internal/domain/sync"
)

// SyncRepository реализация репозитория синхронизации для PostgreSQL
type SyncRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ sync.Repository = (*SyncRepository)(nil)

// NewSyncRepository создает новый репозиторий синхронизации
func NewSyncRepository(pool *pgxpool.Pool, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		pool: pool,
		log:  log.With("component", "sync_repository"),
	}
}

const entityColumns = `entity_type, entity_id, data, sync_version, is_active, deleted_at,
	store_id, branch_id, terminal_id, location_id, changed_at, last_synced_at,
	source_terminal_id, change_hash, created_at`

func (r *SyncRepository) GetEntity(ctx context.Context, t entity.Type, id string) (*sync.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM sync_entities WHERE entity_type = $1 AND entity_id = $2`

	e, err := scanEntity(r.pool.QueryRow(ctx, query, string(t), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrEntityNotFound
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// SaveEntity условная запись: вставка при expectedVersion == 0, иначе обновление строки с этой версией
func (r *SyncRepository) SaveEntity(ctx context.Context, e *sync.Entity, expectedVersion int64) error {
	data := e.Data
	if data == nil {
		data = entity.Data{}
	}

	var (
		query string
		args  []any
	)
	if expectedVersion == 0 {
		query = `
			INSERT INTO sync_entities (` + entityColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (entity_type, entity_id) DO NOTHING`
		args = []any{
			string(e.Type), e.ID, data, e.SyncVersion, e.IsActive, e.DeletedAt,
			e.StoreID, e.BranchID, e.TerminalID, e.LocationID, e.ChangedAt, e.LastSyncedAt,
			e.SourceTerminalID, e.ChangeHash, e.CreatedAt,
		}
	} else {
		query = `
			UPDATE sync_entities
			SET data = $3, sync_version = $4, is_active = $5, deleted_at = $6,
				store_id = $7, branch_id = $8, terminal_id = $9, location_id = $10,
				changed_at = $11, last_synced_at = $12, source_terminal_id = $13, change_hash = $14
			WHERE entity_type = $1 AND entity_id = $2 AND sync_version = $15`
		args = []any{
			string(e.Type), e.ID, data, e.SyncVersion, e.IsActive, e.DeletedAt,
			e.StoreID, e.BranchID, e.TerminalID, e.LocationID, e.ChangedAt, e.LastSyncedAt,
			e.SourceTerminalID, e.ChangeHash, expectedVersion,
		}
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		r.log.Error("failed to save entity",
			"entity_type", e.Type, "entity_id", e.ID, "error", err)
		return fmt.Errorf("save entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrVersionConflict
	}

	return nil
}

// scopeFilter условие видимости для терминала, параметры начинаются с $3
func scopeFilter(q sync.ChangesQuery) (string, []any, error) {
	switch q.Scope {
	case entity.ScopeStore:
		return `store_id = $3`, []any{q.StoreID}, nil
	case entity.ScopeBranch:
		return `branch_id = $3`, []any{q.BranchID}, nil
	case entity.ScopeTerminalOrBranch:
		return `(terminal_id = $3 OR (branch_id = $4 AND $4 <> ''))`, []any{q.TerminalID, q.BranchID}, nil
	}
	return "", nil, fmt.Errorf("unknown scope %v", q.Scope)
}

// changesFilter условие выборки изменений: тип, окно (since, until] и видимость
func changesFilter(q sync.ChangesQuery) (string, []any, error) {
	filter, scopeArgs, err := scopeFilter(q)
	if err != nil {
		return "", nil, err
	}

	where := `entity_type = $1 AND changed_at > $2 AND ` + filter
	args := append([]any{string(q.EntityType), q.Since}, scopeArgs...)
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		where += fmt.Sprintf(` AND changed_at <= $%d`, len(args))
	}

	return where, args, nil
}

func (r *SyncRepository) ListChangesSince(ctx context.Context, q sync.ChangesQuery) ([]*sync.Entity, error) {
	where, args, err := changesFilter(q)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + entityColumns + `
		FROM sync_entities
		WHERE ` + where + `
		ORDER BY changed_at ASC, entity_id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []*sync.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}

	return out, rows.Err()
}

func (r *SyncRepository) CountChangesSince(ctx context.Context, q sync.ChangesQuery) (int, error) {
	where, args, err := changesFilter(q)
	if err != nil {
		return 0, err
	}

	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_entities WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return n, nil
}

func (r *SyncRepository) RequestResync(ctx context.Context, terminalID string, types []entity.Type, at time.Time) error {
	const query = `
		INSERT INTO terminal_resync (terminal_id, entity_type, requested_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (terminal_id, entity_type) DO UPDATE SET requested_at = EXCLUDED.requested_at`

	batch := &pgx.Batch{}
	for _, t := range types {
		batch.Queue(query, terminalID, string(t), at)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("request resync: %w", err)
	}
	return nil
}

func (r *SyncRepository) PendingResync(ctx context.Context, terminalID string, t entity.Type) (time.Time, bool, error) {
	const query = `SELECT requested_at FROM terminal_resync WHERE terminal_id = $1 AND entity_type = $2`

	var at time.Time
	err := r.pool.QueryRow(ctx, query, terminalID, string(t)).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("pending resync: %w", err)
	}
	return at, true, nil
}

// ClearResync удаляет отметку, если ее не обновил новый запрос
func (r *SyncRepository) ClearResync(ctx context.Context, terminalID string, t entity.Type, requestedAt time.Time) error {
	const query = `
		DELETE FROM terminal_resync
		WHERE terminal_id = $1 AND entity_type = $2 AND requested_at <= $3`

	if _, err := r.pool.Exec(ctx, query, terminalID, string(t), requestedAt); err != nil {
		return fmt.Errorf("clear resync: %w", err)
	}
	return nil
}

func (r *SyncRepository) GetResolution(ctx context.Context, conflictID string) (*sync.ConflictResolution, error) {
	const query = `
		SELECT conflict_id, terminal_id, entity_type, entity_id, resolution,
		       resolved_data, new_sync_version, resolved_at
		FROM conflict_resolutions
		WHERE conflict_id = $1`

	var (
		res sync.ConflictResolution
		typ string
	)
	err := r.pool.QueryRow(ctx, query, conflictID).Scan(
		&res.ConflictID, &res.TerminalID, &typ, &res.EntityID, &res.Resolution,
		&res.ResolvedData, &res.NewSyncVersion, &res.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrResolutionNotFound
		}
		return nil, fmt.Errorf("get resolution: %w", err)
	}
	res.EntityType = entity.Type(typ)

	return &res, nil
}

func (r *SyncRepository) SaveResolution(ctx context.Context, res *sync.ConflictResolution) error {
	const query = `
		INSERT INTO conflict_resolutions
			(conflict_id, terminal_id, entity_type, entity_id, resolution,
			 resolved_data, new_sync_version, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conflict_id) DO NOTHING`

	_, err := r.pool.Exec(ctx, query,
		res.ConflictID, res.TerminalID, string(res.EntityType), res.EntityID, res.Resolution,
		res.ResolvedData, res.NewSyncVersion, res.ResolvedAt,
	)
	if err != nil {
		r.log.Error("failed to save resolution", "conflict_id", res.ConflictID, "error", err)
		return fmt.Errorf("save resolution: %w", err)
	}
	return nil
}

func (r *SyncRepository) AppendSyncLog(ctx context.Context, l *sync.SyncLog) error {
	const query = `
		INSERT INTO sync_logs
			(id, terminal_id, direction, processed, succeeded, failed, conflicts,
			 success, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		l.ID, l.TerminalID, string(l.Direction), l.Processed, l.Succeeded, l.Failed, l.Conflicts,
		l.Success, l.Error, l.StartedAt, l.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

func scanEntity(row pgx.Row) (*sync.Entity, error) {
	var (
		e   sync.Entity
		typ string
	)
	err := row.Scan(
		&typ, &e.ID, &e.Data, &e.SyncVersion, &e.IsActive, &e.DeletedAt,
		&e.StoreID, &e.BranchID, &e.TerminalID, &e.LocationID, &e.ChangedAt, &e.LastSyncedAt,
		&e.SourceTerminalID, &e.ChangeHash, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = entity.Type(typ)
	return &e, nil
}
