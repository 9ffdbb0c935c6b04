package terminal

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
	"possync/internal/domain/sync"
)

const testTerminal = "T-1"

// fakeCentral центр в памяти. Поведение задается функциями, вызовы записываются.
type fakeCentral struct {
	mu gosync.Mutex

	pushFn    func(ch sync.Change) (sync.ChangeResult, error)
	pulls     map[entity.Type][]sync.PulledEntity
	pullErr   map[entity.Type]error
	resolveFn func(req sync.ResolveRequest) (*sync.ResolveResponse, error)
	beatErr   error

	pushed     []sync.Change
	pullCalls  []entity.Type
	resolved   []sync.ResolveRequest
	heartbeats []sync.HeartbeatRequest
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{
		pulls:   make(map[entity.Type][]sync.PulledEntity),
		pullErr: make(map[entity.Type]error),
	}
}

func (f *fakeCentral) Push(_ context.Context, req sync.PushRequest) (*sync.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &sync.PushResponse{Success: true}
	for _, ch := range req.Changes {
		f.pushed = append(f.pushed, ch)

		res := sync.ChangeResult{EntityType: ch.EntityType, EntityID: ch.EntityID, Success: true, NewSyncVersion: ch.SyncVersion + 1}
		if f.pushFn != nil {
			var err error
			if res, err = f.pushFn(ch); err != nil {
				return nil, err
			}
		}
		resp.Results = append(resp.Results, res)
		resp.Processed++
	}
	return resp, nil
}

func (f *fakeCentral) Pull(_ context.Context, _ string, t entity.Type, since time.Time) ([]sync.PulledEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pullCalls = append(f.pullCalls, t)
	if err := f.pullErr[t]; err != nil {
		return nil, err
	}

	var out []sync.PulledEntity
	for _, e := range f.pulls[t] {
		if e.ChangedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCentral) Resolve(_ context.Context, req sync.ResolveRequest) (*sync.ResolveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resolved = append(f.resolved, req)
	if f.resolveFn != nil {
		return f.resolveFn(req)
	}
	return &sync.ResolveResponse{Success: true, NewSyncVersion: 100}, nil
}

func (f *fakeCentral) Heartbeat(_ context.Context, req sync.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heartbeats = append(f.heartbeats, req)
	return f.beatErr
}

func (f *fakeCentral) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.pushed))
	for _, ch := range f.pushed {
		ids = append(ids, ch.EntityID)
	}
	return ids
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "terminal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newTestRegistry(t *testing.T) *entity.Registry {
	t.Helper()

	registry, err := entity.Default("")
	require.NoError(t, err)
	return registry
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		TerminalID:      testTerminal,
		BatchSize:       10,
		PushConcurrency: 1,
		PullConcurrency: 1,
		MaxAttempts:     3,
		RetryAttempts:   1,
		Timeout:         5 * time.Second,
	}
}

// enqueue локальное изменение через RecordMutation
func enqueue(t *testing.T, store *SQLiteStore, typ entity.Type, id string, op outbox.Operation, data entity.Data, prio int, at time.Time) *outbox.Item {
	t.Helper()

	item := &outbox.Item{
		ID:             uuid.NewString(),
		TerminalID:     testTerminal,
		EntityType:     typ,
		EntityID:       id,
		Operation:      op,
		Data:           data,
		SyncPriority:   prio,
		Status:         outbox.StatusPending,
		MaxAttempts:    outbox.DefaultMaxAttempts,
		CreatedInMode:  outbox.ModeOffline,
		LocalTimestamp: at,
		CreatedAt:      at,
	}
	require.NoError(t, store.RecordMutation(context.Background(), item))
	return item
}

// putClean локальная копия, полученная из центра
func putClean(t *testing.T, store *SQLiteStore, typ entity.Type, id string, data entity.Data, version int64) {
	t.Helper()

	now := time.Now().UTC()
	err := store.InTx(context.Background(), func(tx *Tx) error {
		return tx.PutEntity(context.Background(), &LocalEntity{
			Type: typ, ID: id, Data: data, SyncVersion: version, LastSyncedAt: &now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
}

func testLogger() *slog.Logger {
	return slog.Default()
}
