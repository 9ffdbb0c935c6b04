// Центральный API синхронизации точек продаж.
//
//POST /sync/push        # Изменения терминала (auth)
//GET  /sync/pull        # Изменения центра по типу сущности (auth)
//POST /sync/resolve     # Решение конфликта (auth)
//POST /sync/heartbeat   # Статус и очередь терминала (auth)
//GET  /sync/status      # Сводка по типам (auth)
//GET  /sync/terminals   # Активные терминалы (admin)
//POST /sync/all         # Полная пересинхронизация (admin)
//GET  /sync/ws          # Уведомления терминалу (auth, WebSocket)
//GET  /api/v1/health    # Проверка (публичный)
//GET  /metrics          # Prometheus (публичный)

package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	healthAPI "possync/internal/app/server/api/http/health"
	"possync/internal/app/server/api/http/middleware"
	"possync/internal/app/server/api/http/middleware/auth"
	"possync/internal/app/server/api/http/middleware/logger"
	"possync/internal/app/server/api/http/middleware/ratelimit"
	syncAPI "possync/internal/app/server/api/http/sync"
	"possync/internal/app/server/metrics"
	"possync/internal/app/server/notify"
	"possync/internal/config"
	"possync/internal/domain/entity"
	"possync/internal/domain/sync"
	"possync/internal/infrastructure/storage/postgres"
)

type Handlers struct {
	Health *healthAPI.Handler
	Sync   *syncAPI.Handler
}

// API собранный роутер и компоненты, которые нужно остановить при завершении
type API struct {
	Router *chi.Mux
	Hub    *notify.Hub
}

// New создает *chi.Mux с ВСЕМИ операциями через huma.Register
func New(cfg *config.Config, storage *postgres.Storage, registry *entity.Registry, log *slog.Logger) *API {
	mux := chi.NewMux()

	humaConfig := huma.DefaultConfig("POS Sync API", "1.0.0")
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}

	humaAPI := humachi.New(mux, humaConfig)

	collector := metrics.New()
	hub := notify.NewHub(notify.DefaultConfig(), collector, log)
	authMW := auth.New(cfg.Auth.JWTSecret, log)

	h := handlers(cfg, storage, registry, authMW, hub, collector, log)
	h.Health.SetupRoutes(humaAPI)
	h.Sync.SetupRoutes(humaAPI)

	mux.With(authMW.HTTPMiddleware).Get("/sync/ws", hub.ServeHTTP)
	mux.Handle("/metrics", collector.Handler())

	return &API{Router: mux, Hub: hub}
}

func handlers(
	cfg *config.Config,
	storage *postgres.Storage,
	registry *entity.Registry,
	authMW *auth.Auth,
	hub *notify.Hub,
	collector *metrics.Collector,
	log *slog.Logger,
) *Handlers {
	loggerMW := logger.New(log)
	limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, nil, log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(storage, log, middlewares.GetAllAndClear())

	syncRepo := postgres.NewSyncRepository(storage.Pool(), log)
	syncService := sync.NewService(syncRepo, registry, log,
		&sync.ServiceConfig{
			TerminalCacheTTL: cfg.Sync.TerminalCacheTTL,
			ChangeSettle:     cfg.Sync.ChangeSettle,
		},
		sync.WithNotifier(hub),
		sync.WithMetrics(collector),
	)
	terminalMW := middlewares.Add(authMW.Middleware(), loggerMW.Middleware(), limiter.Middleware()).GetAllAndClear()
	adminMW := middlewares.Add(authMW.Middleware(), authMW.AdminOnly(), loggerMW.Middleware()).GetAllAndClear()
	syncHandler := syncAPI.NewHandler(syncService, log, terminalMW, adminMW)

	return &Handlers{
		Health: healthHandler,
		Sync:   syncHandler,
	}
}
