package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
)

// MockRepository is a mock implementation of the Repository interface for testing
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetEntity(ctx context.Context, t entity.Type, id string) (*Entity, error) {
	args := m.Called(ctx, t, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Entity), args.Error(1)
}

func (m *MockRepository) SaveEntity(ctx context.Context, e *Entity, expectedVersion int64) error {
	args := m.Called(ctx, e, expectedVersion)
	return args.Error(0)
}

func (m *MockRepository) ListChangesSince(ctx context.Context, q ChangesQuery) ([]*Entity, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Entity), args.Error(1)
}

func (m *MockRepository) CountChangesSince(ctx context.Context, q ChangesQuery) (int, error) {
	args := m.Called(ctx, q)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) GetTerminal(ctx context.Context, id string) (*Terminal, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Terminal), args.Error(1)
}

func (m *MockRepository) ListActiveTerminals(ctx context.Context) ([]*Terminal, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Terminal), args.Error(1)
}

func (m *MockRepository) UpdateTerminalStatus(ctx context.Context, id string, status TerminalStatus, at time.Time) error {
	args := m.Called(ctx, id, status, at)
	return args.Error(0)
}

func (m *MockRepository) SaveTerminalStats(ctx context.Context, id string, stats map[entity.Type]TypeStats, at time.Time) error {
	args := m.Called(ctx, id, stats, at)
	return args.Error(0)
}

func (m *MockRepository) RequestResync(ctx context.Context, terminalID string, types []entity.Type, at time.Time) error {
	args := m.Called(ctx, terminalID, types, at)
	return args.Error(0)
}

func (m *MockRepository) PendingResync(ctx context.Context, terminalID string, t entity.Type) (time.Time, bool, error) {
	args := m.Called(ctx, terminalID, t)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

func (m *MockRepository) ClearResync(ctx context.Context, terminalID string, t entity.Type, requestedAt time.Time) error {
	args := m.Called(ctx, terminalID, t, requestedAt)
	return args.Error(0)
}

func (m *MockRepository) IncrementCounters(ctx context.Context, terminalID string, t entity.Type, delta Counters) error {
	args := m.Called(ctx, terminalID, t, delta)
	return args.Error(0)
}

func (m *MockRepository) GetStatusCounts(ctx context.Context, terminalID string) (map[entity.Type]StatusCounts, error) {
	args := m.Called(ctx, terminalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[entity.Type]StatusCounts), args.Error(1)
}

func (m *MockRepository) GetResolution(ctx context.Context, conflictID string) (*ConflictResolution, error) {
	args := m.Called(ctx, conflictID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ConflictResolution), args.Error(1)
}

func (m *MockRepository) SaveResolution(ctx context.Context, r *ConflictResolution) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRepository) AppendSyncLog(ctx context.Context, l *SyncLog) error {
	args := m.Called(ctx, l)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyTerminal(ctx context.Context, terminalID string, ev TriggerEvent) error {
	args := m.Called(ctx, terminalID, ev)
	return args.Error(0)
}

// stepClock каждый вызов Now сдвигает время на миллисекунду
type stepClock struct {
	mu gosync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

var (
	terminalT = &Terminal{ID: "T", StoreID: "s1", BranchID: "b1", Status: TerminalOnline, IsActive: true}
	terminalU = &Terminal{ID: "U", StoreID: "s1", BranchID: "b2", Status: TerminalOnline, IsActive: true}
)

func newTestService(t *testing.T, repo Repository, opts ...Option) *Service {
	t.Helper()
	reg, err := entity.Default("")
	require.NoError(t, err)

	clock := &stepClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock)}, opts...)

	return NewService(repo, reg, slog.Default(), nil, opts...)
}

func product(id string, version int64, name string) *Entity {
	return &Entity{
		Type:        entity.Product,
		ID:          id,
		Data:        entity.Data{"id": id, "name": name, "storeId": "s1"},
		SyncVersion: version,
		IsActive:    true,
		StoreID:     "s1",
		ChangedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEntity_View(t *testing.T) {
	changedAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	e := product("p1", 2, "Tea")
	e.ChangedAt = changedAt
	e.Data["updatedAt"] = "2020-01-01T00:00:00Z"

	view := e.View()
	got, ok := view.Time("updatedAt")
	require.True(t, ok)
	assert.True(t, changedAt.Equal(got))
	assert.Equal(t, "2020-01-01T00:00:00Z", e.Data["updatedAt"])
	assert.NotContains(t, view, "isDeleted")

	deletedAt := changedAt.Add(time.Minute)
	e.IsActive = false
	e.DeletedAt = &deletedAt
	view = e.View()
	assert.Equal(t, true, view["isDeleted"])
	assert.Equal(t, false, view["isActive"])
}

func TestService_ProcessPush_CreateAndUpdate(t *testing.T) {
	repo := newMemRepository(terminalT)
	svc := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.ProcessPush(ctx, "T", []Change{{
		EntityType: entity.Product,
		EntityID:   "p1",
		Operation:  outbox.OpCreate,
		Data:       entity.Data{"name": "Cola", "price": 1.5, "internalNote": "dropped"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Success)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, int64(1), resp.Results[0].NewSyncVersion)

	stored, err := repo.GetEntity(ctx, entity.Product, "p1")
	require.NoError(t, err)
	assert.Equal(t, "T", stored.SourceTerminalID)
	assert.Equal(t, "s1", stored.StoreID)
	assert.NotNil(t, stored.LastSyncedAt)
	assert.NotContains(t, stored.Data, "internalNote")

	resp, err = svc.ProcessPush(ctx, "T", []Change{{
		EntityType:  entity.Product,
		EntityID:    "p1",
		Operation:   outbox.OpUpdate,
		Data:        entity.Data{"name": "Cola Zero", "price": 1.6},
		SyncVersion: 1,
	}})
	require.NoError(t, err)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, int64(2), resp.Results[0].NewSyncVersion)

	assert.Equal(t, Counters{Synced: 2}, repo.counters["T"][entity.Product])
	require.Len(t, repo.logs, 2)
	assert.Equal(t, DirectionPush, repo.logs[0].Direction)
	assert.True(t, repo.logs[1].Success)
}

func TestService_ProcessPush_StaleUpdateIsConflict(t *testing.T) {
	repo := newMemRepository(terminalT)
	repo.put(product("p1", 3, "central"))
	svc := newTestService(t, repo)

	resp, err := svc.ProcessPush(context.Background(), "T", []Change{{
		EntityType:  entity.Product,
		EntityID:    "p1",
		Operation:   outbox.OpUpdate,
		Data:        entity.Data{"name": "terminal"},
		SyncVersion: 2,
	}})
	require.NoError(t, err)

	res := resp.Results[0]
	assert.False(t, resp.Success)
	assert.False(t, res.Success)
	assert.True(t, res.Conflict)
	assert.Equal(t, CodeStale, res.ErrorCode)
	assert.Equal(t, "central", res.CentralData["name"])
	assert.Equal(t, int64(3), res.CentralVersion)

	stored, _ := repo.GetEntity(context.Background(), entity.Product, "p1")
	assert.Equal(t, int64(3), stored.SyncVersion)
	assert.Equal(t, "central", stored.Data["name"])
	assert.Equal(t, Counters{Conflicts: 1}, repo.counters["T"][entity.Product])
}

func TestService_ProcessPush_IdempotentReplay(t *testing.T) {
	repo := newMemRepository(terminalT)
	repo.put(product("p1", 1, "old"))
	svc := newTestService(t, repo)
	change := Change{
		EntityType:  entity.Product,
		EntityID:    "p1",
		Operation:   outbox.OpUpdate,
		Data:        entity.Data{"name": "new"},
		SyncVersion: 1,
	}

	first, err := svc.ProcessPush(context.Background(), "T", []Change{change})
	require.NoError(t, err)
	second, err := svc.ProcessPush(context.Background(), "T", []Change{change})
	require.NoError(t, err)

	assert.True(t, first.Results[0].Success)
	assert.True(t, second.Results[0].Success)
	assert.Equal(t, int64(2), first.Results[0].NewSyncVersion)
	assert.Equal(t, int64(2), second.Results[0].NewSyncVersion)

	stored, _ := repo.GetEntity(context.Background(), entity.Product, "p1")
	assert.Equal(t, int64(2), stored.SyncVersion)
}

func TestService_ProcessPush_SameChangeFromAnotherTerminalConflicts(t *testing.T) {
	repo := newMemRepository(terminalT, terminalU)
	repo.put(product("p1", 1, "old"))
	svc := newTestService(t, repo)
	ctx := context.Background()
	change := Change{
		EntityType:  entity.Product,
		EntityID:    "p1",
		Operation:   outbox.OpUpdate,
		Data:        entity.Data{"name": "old", "price": 10},
		SyncVersion: 1,
	}

	fromT, err := svc.ProcessPush(ctx, "T", []Change{change})
	require.NoError(t, err)
	assert.True(t, fromT.Results[0].Success)
	assert.Equal(t, int64(2), fromT.Results[0].NewSyncVersion)

	fromU, err := svc.ProcessPush(ctx, "U", []Change{change})
	require.NoError(t, err)

	res := fromU.Results[0]
	assert.False(t, fromU.Success)
	assert.False(t, res.Success)
	assert.True(t, res.Conflict)
	assert.Equal(t, CodeStale, res.ErrorCode)
	assert.Equal(t, int64(2), res.CentralVersion)

	stored, _ := repo.GetEntity(ctx, entity.Product, "p1")
	assert.Equal(t, int64(2), stored.SyncVersion)
	assert.Equal(t, "T", stored.SourceTerminalID)
	assert.Equal(t, Counters{Conflicts: 1}, repo.counters["U"][entity.Product])
}

func TestService_ProcessPush_ResultCodes(t *testing.T) {
	repo := newMemRepository(terminalT)
	repo.put(product("exists", 1, "x"))
	deleted := product("gone", 4, "y")
	deletedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deleted.IsActive = false
	deleted.DeletedAt = &deletedAt
	repo.put(deleted)
	svc := newTestService(t, repo)

	tests := []struct {
		name         string
		change       Change
		wantSuccess  bool
		wantConflict bool
		wantCode     string
	}{
		{
			name:         "duplicate create",
			change:       Change{EntityType: entity.Product, EntityID: "exists", Operation: outbox.OpCreate, Data: entity.Data{"name": "dup"}},
			wantConflict: true,
			wantCode:     CodeDuplicate,
		},
		{
			name:         "update of missing entity",
			change:       Change{EntityType: entity.Product, EntityID: "missing", Operation: outbox.OpUpdate, Data: entity.Data{"name": "a"}, SyncVersion: 1},
			wantConflict: true,
			wantCode:     CodeNotFound,
		},
		{
			name:         "update of deleted entity",
			change:       Change{EntityType: entity.Product, EntityID: "gone", Operation: outbox.OpUpdate, Data: entity.Data{"name": "a"}, SyncVersion: 4},
			wantConflict: true,
			wantCode:     CodeNotFound,
		},
		{
			name:        "delete of missing entity is a no-op",
			change:      Change{EntityType: entity.Product, EntityID: "missing", Operation: outbox.OpDelete},
			wantSuccess: true,
		},
		{
			name:     "unsupported type",
			change:   Change{EntityType: "Voucher", EntityID: "v1", Operation: outbox.OpCreate, Data: entity.Data{}},
			wantCode: CodeValidation,
		},
		{
			name:     "missing id",
			change:   Change{EntityType: entity.Product, Operation: outbox.OpCreate, Data: entity.Data{}},
			wantCode: CodeValidation,
		},
		{
			name:     "unknown operation",
			change:   Change{EntityType: entity.Product, EntityID: "p9", Operation: "UPSERT", Data: entity.Data{}},
			wantCode: CodeValidation,
		},
		{
			name:     "missing data",
			change:   Change{EntityType: entity.Product, EntityID: "p9", Operation: outbox.OpCreate},
			wantCode: CodeValidation,
		},
		{
			name:     "mismatched id",
			change:   Change{EntityType: entity.Product, EntityID: "p9", Operation: outbox.OpCreate, Data: entity.Data{"id": "other"}},
			wantCode: CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.ProcessPush(context.Background(), "T", []Change{tt.change})
			require.NoError(t, err)

			res := resp.Results[0]
			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Equal(t, tt.wantConflict, res.Conflict)
			assert.Equal(t, tt.wantCode, res.ErrorCode)
		})
	}

	gone, _ := repo.GetEntity(context.Background(), entity.Product, "gone")
	assert.Equal(t, int64(4), gone.SyncVersion)
}

func TestService_ProcessPush_DeletedCentralDataMarksDeletion(t *testing.T) {
	repo := newMemRepository(terminalT)
	repo.put(product("p1", 1, "x"))
	svc := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.ProcessPush(ctx, "T", []Change{{EntityType: entity.Product, EntityID: "p1", Operation: outbox.OpDelete, SyncVersion: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Results[0].NewSyncVersion)

	resp, err = svc.ProcessPush(ctx, "T", []Change{{EntityType: entity.Product, EntityID: "p1", Operation: outbox.OpUpdate, Data: entity.Data{"name": "y"}, SyncVersion: 1}})
	require.NoError(t, err)

	res := resp.Results[0]
	assert.True(t, res.Conflict)
	assert.True(t, res.CentralData.IsDeleted())
	assert.Equal(t, false, res.CentralData["isActive"])
}

func TestService_ProcessPush_PartialFailureIsolated(t *testing.T) {
	repo := newMemRepository(terminalT)
	svc := newTestService(t, repo)

	resp, err := svc.ProcessPush(context.Background(), "T", []Change{
		{EntityType: entity.Brand, EntityID: "b1", Operation: outbox.OpCreate, Data: entity.Data{"name": "A"}},
		{EntityType: "Voucher", EntityID: "v1", Operation: outbox.OpCreate, Data: entity.Data{}},
		{EntityType: entity.Brand, EntityID: "b2", Operation: outbox.OpCreate, Data: entity.Data{"name": "B"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Processed)
	assert.False(t, resp.Success)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
	assert.True(t, resp.Results[2].Success)
}

func TestService_ProcessPush_ConcurrentUpdatesSameBaseVersion(t *testing.T) {
	repo := newMemRepository(terminalT, terminalU)
	repo.put(product("p1", 1, "base"))
	svc := newTestService(t, repo)

	const callers = 20
	var wg gosync.WaitGroup
	results := make([]ChangeResult, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			terminal := "T"
			if i%2 == 1 {
				terminal = "U"
			}
			resp, err := svc.ProcessPush(context.Background(), terminal, []Change{{
				EntityType:  entity.Product,
				EntityID:    "p1",
				Operation:   outbox.OpUpdate,
				Data:        entity.Data{"name": fmt.Sprintf("v%d", i)},
				SyncVersion: 1,
			}})
			if assert.NoError(t, err) {
				results[i] = resp.Results[0]
			}
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, r := range results {
		if r.Success {
			successes++
			assert.Equal(t, int64(2), r.NewSyncVersion)
		}
		if r.Conflict {
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)

	stored, _ := repo.GetEntity(context.Background(), entity.Product, "p1")
	assert.Equal(t, int64(2), stored.SyncVersion)
}

func TestService_ProcessPush_ConcurrentSaveLosesCAS(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(t, repo)
	ctx := context.Background()

	repo.On("GetTerminal", ctx, "T").Return(terminalT, nil)
	repo.On("GetEntity", ctx, entity.Product, "p1").Return(product("p1", 1, "old"), nil).Once()
	repo.On("SaveEntity", ctx, mock.AnythingOfType("*sync.Entity"), int64(1)).Return(ErrVersionConflict)
	repo.On("GetEntity", ctx, entity.Product, "p1").Return(product("p1", 2, "other instance"), nil).Once()
	repo.On("IncrementCounters", ctx, "T", entity.Product, Counters{Conflicts: 1}).Return(nil)
	repo.On("AppendSyncLog", ctx, mock.AnythingOfType("*sync.SyncLog")).Return(nil)

	resp, err := svc.ProcessPush(ctx, "T", []Change{{
		EntityType: entity.Product, EntityID: "p1", Operation: outbox.OpUpdate,
		Data: entity.Data{"name": "mine"}, SyncVersion: 1,
	}})
	require.NoError(t, err)

	res := resp.Results[0]
	assert.True(t, res.Conflict)
	assert.Equal(t, int64(2), res.CentralVersion)
	assert.Equal(t, "other instance", res.CentralData["name"])
	repo.AssertExpectations(t)
}

func TestService_ProcessPush_RepositoryErrorIsNotConflict(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(t, repo)
	ctx := context.Background()

	repo.On("GetTerminal", ctx, "T").Return(terminalT, nil)
	repo.On("GetEntity", ctx, entity.Product, "p1").Return(nil, errors.New("connection reset"))
	repo.On("IncrementCounters", ctx, "T", entity.Product, Counters{Rejected: 1}).Return(nil)
	repo.On("AppendSyncLog", ctx, mock.Anything).Return(errors.New("log table locked"))

	resp, err := svc.ProcessPush(ctx, "T", []Change{{
		EntityType: entity.Product, EntityID: "p1", Operation: outbox.OpUpdate,
		Data: entity.Data{"name": "mine"}, SyncVersion: 1,
	}})
	require.NoError(t, err)

	res := resp.Results[0]
	assert.False(t, res.Success)
	assert.False(t, res.Conflict)
	assert.Equal(t, CodeInternal, res.ErrorCode)
}

func TestService_ProcessPush_TerminalChecks(t *testing.T) {
	inactive := &Terminal{ID: "X", IsActive: false}
	repo := newMemRepository(terminalT, inactive)
	svc := newTestService(t, repo)

	_, err := svc.ProcessPush(context.Background(), "nobody", nil)
	assert.ErrorIs(t, err, ErrTerminalNotFound)

	_, err = svc.ProcessPush(context.Background(), "X", nil)
	assert.ErrorIs(t, err, ErrTerminalInactive)

	svc.config.MaxPushChanges = 1
	_, err = svc.ProcessPush(context.Background(), "T", make([]Change, 2))
	assert.ErrorIs(t, err, ErrTooManyChanges)
}

func TestService_GetChangesSince_ScopeAndOrder(t *testing.T) {
	repo := newMemRepository(terminalT)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	older := product("p-old", 1, "old")
	older.ChangedAt = base.Add(-time.Hour)
	second := product("p2", 1, "second")
	second.ChangedAt = base.Add(2 * time.Hour)
	first := product("p1", 1, "first")
	first.ChangedAt = base.Add(time.Hour)
	foreign := product("p3", 1, "other store")
	foreign.StoreID = "s2"
	foreign.ChangedAt = base.Add(time.Hour)
	for _, e := range []*Entity{older, second, first, foreign} {
		repo.put(e)
	}

	ownSale := &Entity{Type: entity.SaleOrder, ID: "o1", TerminalID: "T", BranchID: "b9", IsActive: true, ChangedAt: base.Add(time.Hour)}
	branchSale := &Entity{Type: entity.SaleOrder, ID: "o2", TerminalID: "Z", BranchID: "b1", IsActive: true, ChangedAt: base.Add(2 * time.Hour)}
	otherSale := &Entity{Type: entity.SaleOrder, ID: "o3", TerminalID: "Z", BranchID: "b2", IsActive: true, ChangedAt: base.Add(time.Hour)}
	for _, e := range []*Entity{ownSale, branchSale, otherSale} {
		repo.put(e)
	}

	svc := newTestService(t, repo)

	products, err := svc.GetChangesSince(context.Background(), "T", entity.Product, base)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "p1", products[0].ID)
	assert.Equal(t, "p2", products[1].ID)

	sales, err := svc.GetChangesSince(context.Background(), "T", entity.SaleOrder, base)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, "o1", sales[0].ID)
	assert.Equal(t, "o2", sales[1].ID)

	_, err = svc.GetChangesSince(context.Background(), "T", "Voucher", base)
	assert.ErrorIs(t, err, ErrUnsupportedEntity)
}

func TestService_GetChangesSince_HoldsBackUnsettledChanges(t *testing.T) {
	repo := newMemRepository(terminalT)
	reg, err := entity.Default("")
	require.NoError(t, err)
	clock := &stepClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(repo, reg, slog.Default(), &ServiceConfig{ChangeSettle: time.Second}, WithClock(clock))
	ctx := context.Background()

	// b получил время позже a, но зафиксирован раньше
	b := product("b", 1, "committed first")
	b.ChangedAt = clock.t.Add(-200 * time.Millisecond)
	repo.put(b)

	changes, err := svc.GetChangesSince(ctx, "T", entity.Product, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, changes)

	a := product("a", 1, "committed late")
	a.ChangedAt = clock.t.Add(-300 * time.Millisecond)
	repo.put(a)
	clock.t = clock.t.Add(2 * time.Second)

	changes, err = svc.GetChangesSince(ctx, "T", entity.Product, time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "a", changes[0].ID)
	assert.Equal(t, "b", changes[1].ID)
}

func TestService_TriggerFullSync(t *testing.T) {
	repo := newMemRepository(&Terminal{ID: "T", StoreID: "s1", BranchID: "b1", Status: TerminalOnline, IsActive: true})
	repo.put(product("p1", 1, "a"))
	repo.put(product("p2", 1, "b"))
	notifier := new(MockNotifier)
	svc := newTestService(t, repo, WithNotifier(notifier))
	ctx := context.Background()

	notifier.On("NotifyTerminal", ctx, "T", mock.MatchedBy(func(ev TriggerEvent) bool {
		return ev.Type == TriggerFull && ev.TerminalID == "T" && !ev.Timestamp.IsZero()
	})).Return(errors.New("not connected"))

	res, err := svc.TriggerFullSync(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts["Product"])
	assert.Equal(t, 0, res.Counts["Customer"])
	assert.Equal(t, "Full sync initiated", res.Message)

	terminal, _ := repo.GetTerminal(ctx, "T")
	assert.Equal(t, TerminalSyncing, terminal.Status)
	notifier.AssertExpectations(t)

	since := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	changes, err := svc.GetChangesSince(ctx, "T", entity.Product, since)
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	changes, err = svc.GetChangesSince(ctx, "T", entity.Product, since)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestService_GetChangesSince_ResyncSurvivesFailedListing(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(t, repo)
	ctx := context.Background()
	requestedAt := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	since := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	fromEpoch := mock.MatchedBy(func(q ChangesQuery) bool { return q.Since.IsZero() })

	repo.On("GetTerminal", ctx, "T").Return(terminalT, nil)
	repo.On("PendingResync", ctx, "T", entity.Product).Return(requestedAt, true, nil)
	repo.On("ListChangesSince", ctx, fromEpoch).Return(nil, errors.New("db down")).Once()

	_, err := svc.GetChangesSince(ctx, "T", entity.Product, since)
	require.Error(t, err)
	repo.AssertNotCalled(t, "ClearResync", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	repo.On("ListChangesSince", ctx, fromEpoch).Return([]*Entity{product("p1", 1, "a")}, nil).Once()
	repo.On("ClearResync", ctx, "T", entity.Product, requestedAt).Return(nil).Once()

	changes, err := svc.GetChangesSince(ctx, "T", entity.Product, since)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	repo.AssertExpectations(t)
}

func TestService_TriggerFullSyncAll(t *testing.T) {
	repo := newMemRepository(terminalT, terminalU, &Terminal{ID: "X", IsActive: false})
	svc := newTestService(t, repo)

	results, err := svc.TriggerFullSyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "T", results[0].TerminalID)
	assert.Equal(t, "U", results[1].TerminalID)
}

func TestService_ResolveConflict_TerminalWins(t *testing.T) {
	repo := newMemRepository(terminalT)
	repo.put(product("p1", 3, "central"))
	svc := newTestService(t, repo)
	ctx := context.Background()
	req := ResolveRequest{
		ConflictID:   "c1",
		TerminalID:   "T",
		EntityType:   entity.Product,
		EntityID:     "p1",
		Resolution:   "TERMINAL_WINS",
		ResolvedData: entity.Data{"name": "terminal"},
	}

	resp, err := svc.ResolveConflict(ctx, "T", req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(4), resp.NewSyncVersion)

	stored, _ := repo.GetEntity(ctx, entity.Product, "p1")
	assert.Equal(t, "terminal", stored.Data["name"])
	assert.Equal(t, int64(4), stored.SyncVersion)

	again, err := svc.ResolveConflict(ctx, "T", req)
	require.NoError(t, err)
	assert.Equal(t, int64(4), again.NewSyncVersion)
	stored, _ = repo.GetEntity(ctx, entity.Product, "p1")
	assert.Equal(t, int64(4), stored.SyncVersion)
}

func TestService_ResolveConflict_RestoresDeleted(t *testing.T) {
	repo := newMemRepository(terminalT)
	gone := product("p1", 2, "x")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gone.IsActive = false
	gone.DeletedAt = &at
	repo.put(gone)
	svc := newTestService(t, repo)

	resp, err := svc.ResolveConflict(context.Background(), "T", ResolveRequest{
		ConflictID: "c2", TerminalID: "T", EntityType: entity.Product, EntityID: "p1",
		Resolution: "TERMINAL_WINS", ResolvedData: entity.Data{"name": "back"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.NewSyncVersion)

	stored, _ := repo.GetEntity(context.Background(), entity.Product, "p1")
	assert.False(t, stored.Deleted())
}

func TestService_ResolveConflict_CentralWinsRecordsOnly(t *testing.T) {
	repo := newMemRepository(terminalT)
	repo.put(product("p1", 3, "central"))
	svc := newTestService(t, repo)

	resp, err := svc.ResolveConflict(context.Background(), "T", ResolveRequest{
		ConflictID: "c3", TerminalID: "T", EntityType: entity.Product, EntityID: "p1", Resolution: "CENTRAL_WINS",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.NewSyncVersion)
	assert.Equal(t, "CENTRAL_WINS", repo.resolutions["c3"].Resolution)

	_, err = svc.ResolveConflict(context.Background(), "T", ResolveRequest{
		ConflictID: "c4", EntityType: entity.Product, EntityID: "p1", Resolution: "PENDING",
	})
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestService_HeartbeatAndStatus(t *testing.T) {
	repo := newMemRepository(terminalT, terminalU)
	svc := newTestService(t, repo)
	ctx := context.Background()

	err := svc.Heartbeat(ctx, HeartbeatRequest{
		TerminalID: "T",
		Status:     TerminalOnline,
		Stats: map[string]TypeStats{
			"Product":  {Pending: 5, Failed: 1},
			"Customer": {Conflicts: 2},
			"Voucher":  {Pending: 100},
		},
	})
	require.NoError(t, err)

	_, err = svc.ProcessPush(ctx, "U", []Change{{EntityType: entity.Brand, EntityID: "b1", Operation: outbox.OpCreate, Data: entity.Data{"name": "A"}}})
	require.NoError(t, err)

	status, err := svc.GetSyncStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "all", status.TerminalID)
	assert.Len(t, status.Tables, 10)
	assert.Equal(t, StatusCounts{Pending: 5, Failed: 1}, status.Tables["Product"])
	assert.Equal(t, StatusCounts{Conflicts: 2}, status.Tables["Customer"])
	assert.Equal(t, StatusCounts{Synced: 1}, status.Tables["Brand"])
	assert.Equal(t, StatusCounts{Pending: 5, Failed: 1, Synced: 1, Conflicts: 2}, status.Totals)
	assert.Equal(t, StatusSummary{TotalTables: 10, TablesWithPending: 1, TablesWithFailed: 1, TablesWithConflicts: 1}, status.Summary)

	own, err := svc.GetSyncStatus(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Synced: 1}, own.Totals)

	err = svc.Heartbeat(ctx, HeartbeatRequest{TerminalID: "T", Status: "BROKEN"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestService_GetActiveTerminals(t *testing.T) {
	repo := new(MockRepository)
	svc := newTestService(t, repo)
	ctx := context.Background()

	repo.On("ListActiveTerminals", ctx).Return([]*Terminal{terminalT}, nil).Once()
	repo.On("ListActiveTerminals", ctx).Return(nil, errors.New("db down")).Once()

	terminals, err := svc.GetActiveTerminals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*Terminal{terminalT}, terminals)

	_, err = svc.GetActiveTerminals(ctx)
	assert.Error(t, err)
	repo.AssertExpectations(t)
}
