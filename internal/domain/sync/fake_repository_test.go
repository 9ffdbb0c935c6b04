package sync

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"possync/internal/domain/entity"
)

// memRepository хранилище в памяти с той же семантикой версий, что и postgres
type memRepository struct {
	mu          gosync.Mutex
	entities    map[string]*Entity
	terminals   map[string]*Terminal
	stats       map[string]map[entity.Type]TypeStats
	resync      map[string]map[entity.Type]time.Time
	counters    map[string]map[entity.Type]Counters
	resolutions map[string]*ConflictResolution
	logs        []*SyncLog
}

func newMemRepository(terminals ...*Terminal) *memRepository {
	r := &memRepository{
		entities:    make(map[string]*Entity),
		terminals:   make(map[string]*Terminal),
		stats:       make(map[string]map[entity.Type]TypeStats),
		resync:      make(map[string]map[entity.Type]time.Time),
		counters:    make(map[string]map[entity.Type]Counters),
		resolutions: make(map[string]*ConflictResolution),
	}
	for _, t := range terminals {
		c := *t
		r.terminals[t.ID] = &c
	}
	return r
}

func entityKey(t entity.Type, id string) string { return string(t) + ":" + id }

func (r *memRepository) put(e *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[entityKey(e.Type, e.ID)] = copyEntity(e)
}

func (r *memRepository) GetEntity(_ context.Context, t entity.Type, id string) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[entityKey(t, id)]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return copyEntity(e), nil
}

func (r *memRepository) SaveEntity(_ context.Context, e *Entity, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stored int64
	if cur, ok := r.entities[entityKey(e.Type, e.ID)]; ok {
		stored = cur.SyncVersion
	}
	if stored != expectedVersion {
		return ErrVersionConflict
	}
	r.entities[entityKey(e.Type, e.ID)] = copyEntity(e)
	return nil
}

func (r *memRepository) match(e *Entity, q ChangesQuery) bool {
	if e.Type != q.EntityType || !e.ChangedAt.After(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.ChangedAt.After(q.Until) {
		return false
	}
	switch q.Scope {
	case entity.ScopeStore:
		return e.StoreID == q.StoreID
	case entity.ScopeBranch:
		return e.BranchID == q.BranchID
	case entity.ScopeTerminalOrBranch:
		return e.TerminalID == q.TerminalID || e.BranchID == q.BranchID
	}
	return false
}

func (r *memRepository) ListChangesSince(_ context.Context, q ChangesQuery) ([]*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entity
	for _, e := range r.entities {
		if r.match(e, q) {
			out = append(out, copyEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ChangedAt.Before(out[j].ChangedAt)
	})
	return out, nil
}

func (r *memRepository) CountChangesSince(ctx context.Context, q ChangesQuery) (int, error) {
	list, err := r.ListChangesSince(ctx, q)
	return len(list), err
}

func (r *memRepository) GetTerminal(_ context.Context, id string) (*Terminal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.terminals[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	c := *t
	return &c, nil
}

func (r *memRepository) ListActiveTerminals(_ context.Context) ([]*Terminal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Terminal
	for _, t := range r.terminals {
		if t.IsActive {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepository) UpdateTerminalStatus(_ context.Context, id string, status TerminalStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.terminals[id]
	if !ok {
		return ErrTerminalNotFound
	}
	t.Status = status
	t.LastHeartbeat = &at
	return nil
}

func (r *memRepository) SaveTerminalStats(_ context.Context, id string, stats map[entity.Type]TypeStats, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats[id] = stats
	return nil
}

func (r *memRepository) RequestResync(_ context.Context, terminalID string, types []entity.Type, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resync[terminalID] == nil {
		r.resync[terminalID] = make(map[entity.Type]time.Time)
	}
	for _, t := range types {
		r.resync[terminalID][t] = at
	}
	return nil
}

func (r *memRepository) PendingResync(_ context.Context, terminalID string, t entity.Type) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.resync[terminalID][t]
	return at, ok, nil
}

func (r *memRepository) ClearResync(_ context.Context, terminalID string, t entity.Type, requestedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if at, ok := r.resync[terminalID][t]; ok && !at.After(requestedAt) {
		delete(r.resync[terminalID], t)
	}
	return nil
}

func (r *memRepository) IncrementCounters(_ context.Context, terminalID string, t entity.Type, delta Counters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counters[terminalID] == nil {
		r.counters[terminalID] = make(map[entity.Type]Counters)
	}
	c := r.counters[terminalID][t]
	c.Synced += delta.Synced
	c.Rejected += delta.Rejected
	c.Conflicts += delta.Conflicts
	r.counters[terminalID][t] = c
	return nil
}

func (r *memRepository) GetStatusCounts(_ context.Context, terminalID string) (map[entity.Type]StatusCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[entity.Type]StatusCounts)
	for tid, byType := range r.counters {
		if terminalID != "" && tid != terminalID {
			continue
		}
		for t, c := range byType {
			s := out[t]
			s.Synced += c.Synced
			s.Failed += c.Rejected
			out[t] = s
		}
	}
	for tid, byType := range r.stats {
		if terminalID != "" && tid != terminalID {
			continue
		}
		for t, st := range byType {
			s := out[t]
			s.Pending += int64(st.Pending)
			s.Failed += int64(st.Failed)
			s.Conflicts += int64(st.Conflicts)
			out[t] = s
		}
	}
	return out, nil
}

func (r *memRepository) GetResolution(_ context.Context, conflictID string) (*ConflictResolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resolutions[conflictID]
	if !ok {
		return nil, ErrResolutionNotFound
	}
	return res, nil
}

func (r *memRepository) SaveResolution(_ context.Context, res *ConflictResolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolutions[res.ConflictID] = res
	return nil
}

func (r *memRepository) AppendSyncLog(_ context.Context, l *SyncLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, l)
	return nil
}
