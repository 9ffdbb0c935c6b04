package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"possync/internal/domain/entity"
	"possync/internal/domain/sync"
)

const terminalColumns = `id, code, name, store_id, branch_id, location_id, status, is_active, last_heartbeat`

func (r *SyncRepository) GetTerminal(ctx context.Context, id string) (*sync.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals WHERE id = $1`

	t, err := scanTerminal(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrTerminalNotFound
		}
		return nil, fmt.Errorf("get terminal: %w", err)
	}
	return t, nil
}

func (r *SyncRepository) ListActiveTerminals(ctx context.Context) ([]*sync.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals WHERE is_active ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	var out []*sync.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal: %w", err)
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

func (r *SyncRepository) UpdateTerminalStatus(ctx context.Context, id string, status sync.TerminalStatus, at time.Time) error {
	const query = `UPDATE terminals SET status = $2, last_heartbeat = $3 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, string(status), at)
	if err != nil {
		r.log.Error("failed to update terminal status", "terminal_id", id, "error", err)
		return fmt.Errorf("update terminal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrTerminalNotFound
	}
	return nil
}

// SaveTerminalStats заменяет последний снимок очереди терминала
func (r *SyncRepository) SaveTerminalStats(ctx context.Context, id string, stats map[entity.Type]sync.TypeStats, at time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM terminal_sync_stats WHERE terminal_id = $1`, id); err != nil {
			return fmt.Errorf("clear terminal stats: %w", err)
		}

		const query = `
			INSERT INTO terminal_sync_stats (terminal_id, entity_type, pending, failed, conflicts, reported_at)
			VALUES ($1, $2, $3, $4, $5, $6)`
		for t, st := range stats {
			if _, err := tx.Exec(ctx, query, id, string(t), st.Pending, st.Failed, st.Conflicts, at); err != nil {
				return fmt.Errorf("save terminal stats: %w", err)
			}
		}
		return nil
	})
}

func (r *SyncRepository) IncrementCounters(ctx context.Context, terminalID string, t entity.Type, delta sync.Counters) error {
	const query = `
		INSERT INTO sync_counters (terminal_id, entity_type, synced, rejected, conflicts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (terminal_id, entity_type) DO UPDATE SET
			synced = sync_counters.synced + EXCLUDED.synced,
			rejected = sync_counters.rejected + EXCLUDED.rejected,
			conflicts = sync_counters.conflicts + EXCLUDED.conflicts`

	_, err := r.pool.Exec(ctx, query, terminalID, string(t), delta.Synced, delta.Rejected, delta.Conflicts)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

// GetStatusCounts synced/failed из счетчиков центра, pending/failed/conflicts из снимков терминалов.
// Пустой terminalID - сумма по всем терминалам.
func (r *SyncRepository) GetStatusCounts(ctx context.Context, terminalID string) (map[entity.Type]sync.StatusCounts, error) {
	out := make(map[entity.Type]sync.StatusCounts)

	const countersQuery = `
		SELECT entity_type, SUM(synced)::BIGINT, SUM(rejected)::BIGINT
		FROM sync_counters
		WHERE $1 = '' OR terminal_id = $1
		GROUP BY entity_type`

	rows, err := r.pool.Query(ctx, countersQuery, terminalID)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	for rows.Next() {
		var (
			typ              string
			synced, rejected int64
		)
		if err := rows.Scan(&typ, &synced, &rejected); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		c := out[entity.Type(typ)]
		c.Synced += synced
		c.Failed += rejected
		out[entity.Type(typ)] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}

	const statsQuery = `
		SELECT entity_type, SUM(pending)::BIGINT, SUM(failed)::BIGINT, SUM(conflicts)::BIGINT
		FROM terminal_sync_stats
		WHERE $1 = '' OR terminal_id = $1
		GROUP BY entity_type`

	rows, err = r.pool.Query(ctx, statsQuery, terminalID)
	if err != nil {
		return nil, fmt.Errorf("query terminal stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ                        string
			pending, failed, conflicts int64
		)
		if err := rows.Scan(&typ, &pending, &failed, &conflicts); err != nil {
			return nil, fmt.Errorf("scan terminal stats: %w", err)
		}
		c := out[entity.Type(typ)]
		c.Pending += pending
		c.Failed += failed
		c.Conflicts += conflicts
		out[entity.Type(typ)] = c
	}

	return out, rows.Err()
}

func scanTerminal(row pgx.Row) (*sync.Terminal, error) {
	var (
		t      sync.Terminal
		status string
	)
	err := row.Scan(
		&t.ID, &t.Code, &t.Name, &t.StoreID, &t.BranchID, &t.LocationID,
		&status, &t.IsActive, &t.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}
	t.Status = sync.TerminalStatus(status)
	return &t, nil
}
