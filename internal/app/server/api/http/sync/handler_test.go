package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"possync/internal/app/server/api/http/middleware/auth"
	"possync/internal/domain/entity"
	"possync/internal/domain/outbox"
	"possync/internal/domain/sync"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) ProcessPush(ctx context.Context, terminalID string, changes []sync.Change) (*sync.PushResponse, error) {
	args := m.Called(ctx, terminalID, changes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sync.PushResponse), args.Error(1)
}

func (m *MockService) GetChangesSince(ctx context.Context, terminalID string, t entity.Type, since time.Time) ([]sync.PulledEntity, error) {
	args := m.Called(ctx, terminalID, t, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]sync.PulledEntity), args.Error(1)
}

func (m *MockService) ResolveConflict(ctx context.Context, terminalID string, req sync.ResolveRequest) (*sync.ResolveResponse, error) {
	args := m.Called(ctx, terminalID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sync.ResolveResponse), args.Error(1)
}

func (m *MockService) Heartbeat(ctx context.Context, req sync.HeartbeatRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockService) UpdateTerminalStatus(ctx context.Context, terminalID string, status sync.TerminalStatus) error {
	args := m.Called(ctx, terminalID, status)
	return args.Error(0)
}

func (m *MockService) GetActiveTerminals(ctx context.Context) ([]*sync.Terminal, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*sync.Terminal), args.Error(1)
}

func (m *MockService) GetSyncStatus(ctx context.Context, terminalID string) (*sync.StatusResponse, error) {
	args := m.Called(ctx, terminalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sync.StatusResponse), args.Error(1)
}

func (m *MockService) TriggerFullSync(ctx context.Context, terminalID string) (*sync.FullSyncResult, error) {
	args := m.Called(ctx, terminalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sync.FullSyncResult), args.Error(1)
}

func (m *MockService) TriggerFullSyncAll(ctx context.Context) ([]*sync.FullSyncResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*sync.FullSyncResult), args.Error(1)
}

func terminalCtx(id string) context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{TerminalID: id, Role: auth.RoleTerminal})
}

func adminCtx() context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{Role: auth.RoleAdmin})
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.ErrorAs(t, err, &se)
	return se.GetStatus()
}

func TestHandler_Push(t *testing.T) {
	changes := []sync.Change{{EntityType: entity.Product, EntityID: "p1", Operation: outbox.OpCreate, Data: entity.Data{"name": "Cola"}}}

	t.Run("own terminal", func(t *testing.T) {
		svc := new(MockService)
		h := NewHandler(svc, slog.Default(), nil, nil)
		ctx := terminalCtx("T")
		want := &sync.PushResponse{Success: true, Processed: 1, Results: []sync.ChangeResult{{EntityID: "p1", Success: true, NewSyncVersion: 1}}}
		svc.On("ProcessPush", ctx, "T", changes).Return(want, nil)

		out, err := h.push(ctx, &pushInput{Body: sync.PushRequest{TerminalID: "T", Changes: changes}})

		require.NoError(t, err)
		assert.Equal(t, *want, out.Body)
		svc.AssertExpectations(t)
	})

	t.Run("foreign terminal", func(t *testing.T) {
		h := NewHandler(new(MockService), slog.Default(), nil, nil)

		_, err := h.push(terminalCtx("T"), &pushInput{Body: sync.PushRequest{TerminalID: "U", Changes: changes}})

		assert.Equal(t, http.StatusForbidden, statusOf(t, err))
	})

	t.Run("no identity", func(t *testing.T) {
		h := NewHandler(new(MockService), slog.Default(), nil, nil)

		_, err := h.push(context.Background(), &pushInput{Body: sync.PushRequest{TerminalID: "T"}})

		assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
	})

	t.Run("service errors", func(t *testing.T) {
		tests := []struct {
			err  error
			want int
		}{
			{sync.ErrTerminalNotFound, http.StatusNotFound},
			{sync.ErrTerminalInactive, http.StatusForbidden},
			{fmt.Errorf("%w: 2000 > 1000", sync.ErrTooManyChanges), http.StatusRequestEntityTooLarge},
			{errors.New("pool closed"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			svc := new(MockService)
			h := NewHandler(svc, slog.Default(), nil, nil)
			svc.On("ProcessPush", mock.Anything, "T", mock.Anything).Return(nil, tt.err)

			_, err := h.push(terminalCtx("T"), &pushInput{Body: sync.PushRequest{TerminalID: "T"}})

			assert.Equal(t, tt.want, statusOf(t, err), tt.err.Error())
		}
	})
}

func TestHandler_Pull(t *testing.T) {
	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil, nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	ctx := terminalCtx("T")

	since := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.On("GetChangesSince", ctx, "T", entity.Product, since).
		Return([]sync.PulledEntity{{ID: "p1", EntityType: entity.Product, SyncVersion: 2}}, nil)
	svc.On("GetChangesSince", ctx, "T", entity.Brand, time.Time{}).Return(nil, nil)
	svc.On("GetChangesSince", ctx, "T", entity.Type("Voucher"), time.Time{}).Return(nil, sync.ErrUnsupportedEntity)

	out, err := h.pull(ctx, &pullInput{EntityType: "Product", LastSync: "2024-01-01T12:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Body.Count)
	assert.Equal(t, now, out.Body.ServerTime)

	out, err = h.pull(ctx, &pullInput{EntityType: "Brand"})
	require.NoError(t, err)
	assert.NotNil(t, out.Body.Entities)
	assert.Empty(t, out.Body.Entities)

	_, err = h.pull(ctx, &pullInput{EntityType: "Voucher"})
	assert.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))

	_, err = h.pull(ctx, &pullInput{EntityType: "Product", LastSync: "yesterday"})
	assert.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))
}

func TestHandler_Heartbeat_UsesTokenTerminal(t *testing.T) {
	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil, nil)
	ctx := terminalCtx("T")

	svc.On("Heartbeat", ctx, sync.HeartbeatRequest{TerminalID: "T", Status: sync.TerminalOnline}).Return(nil)

	out, err := h.heartbeat(ctx, &heartbeatInput{Body: sync.HeartbeatRequest{Status: sync.TerminalOnline}})

	require.NoError(t, err)
	assert.True(t, out.Body.Success)
	svc.AssertExpectations(t)
}

func TestHandler_Status(t *testing.T) {
	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil, nil)

	admin := adminCtx()
	svc.On("GetSyncStatus", admin, "").Return(&sync.StatusResponse{TerminalID: "all"}, nil)
	out, err := h.status(admin, &statusInput{})
	require.NoError(t, err)
	assert.Equal(t, "all", out.Body.TerminalID)

	terminal := terminalCtx("T")
	svc.On("GetSyncStatus", terminal, "T").Return(&sync.StatusResponse{TerminalID: "T"}, nil)
	out, err = h.status(terminal, &statusInput{})
	require.NoError(t, err)
	assert.Equal(t, "T", out.Body.TerminalID)

	_, err = h.status(terminal, &statusInput{TerminalID: "U"})
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))
}

func TestHandler_Resolve(t *testing.T) {
	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil, nil)
	ctx := terminalCtx("T")
	req := sync.ResolveRequest{ConflictID: "c1", TerminalID: "T", EntityType: entity.Product, EntityID: "p1", Resolution: "TERMINAL_WINS"}

	svc.On("ResolveConflict", ctx, "T", req).Return(&sync.ResolveResponse{Success: true, NewSyncVersion: 4}, nil)

	out, err := h.resolve(ctx, &resolveInput{Body: req})

	require.NoError(t, err)
	assert.Equal(t, int64(4), out.Body.NewSyncVersion)
}

func TestHandler_FullSync(t *testing.T) {
	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil, nil)
	ctx := adminCtx()

	svc.On("TriggerFullSync", ctx, "T").Return(&sync.FullSyncResult{TerminalID: "T"}, nil)
	svc.On("TriggerFullSyncAll", ctx).Return([]*sync.FullSyncResult{{TerminalID: "T"}, {TerminalID: "U"}}, nil)

	out, err := h.fullSync(ctx, &fullSyncInput{TerminalID: "T"})
	require.NoError(t, err)
	assert.Len(t, out.Body.Results, 1)

	out, err = h.fullSync(ctx, &fullSyncInput{})
	require.NoError(t, err)
	assert.Len(t, out.Body.Results, 2)
}

func TestHandler_Terminals(t *testing.T) {
	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), nil, nil)

	svc.On("GetActiveTerminals", mock.Anything).Return(nil, nil)

	out, err := h.terminals(adminCtx(), nil)

	require.NoError(t, err)
	assert.NotNil(t, out.Body.Terminals)
}
