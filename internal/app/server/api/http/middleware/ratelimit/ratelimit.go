package ratelimit

import (
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"possync/internal/app/server/api/http/middleware"
	"possync/internal/app/server/api/http/middleware/auth"
	"possync/internal/utils/cache"
)

// idleTTL сколько хранить лимитер идентичности без запросов
const idleTTL = 10 * time.Minute

// Limiter ограничивает частоту запросов на одну идентичность (терминал или адрес клиента)
type Limiter struct {
	rps      rate.Limit
	burst    int
	limiters *cache.TTL[string, *rate.Limiter]
	log      *slog.Logger
}

func New(rps float64, burst int, clock cache.Clock, log *slog.Logger) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: cache.NewTTL[string, *rate.Limiter](idleTTL, clock),
		log:      log.With(slog.String("component", "rate_limiter")),
	}
}

// Allow расходует один токен идентичности
func (l *Limiter) Allow(identity string) bool {
	lim := l.limiters.GetOrSet(identity, func() *rate.Limiter {
		return rate.NewLimiter(l.rps, l.burst)
	})
	return lim.Allow()
}

// Purge удаляет лимитеры простаивающих идентичностей
func (l *Limiter) Purge() int {
	return l.limiters.Purge()
}

func (l *Limiter) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		identity := "addr:" + ctx.RemoteAddr()
		if claims, ok := auth.GetClaims(ctx.Context()); ok {
			identity = claims.Identity()
		}

		if !l.Allow(identity) {
			l.log.Warn("rate limit exceeded", "identity", identity, "path", ctx.URL().Path)
			ctx.SetHeader("Retry-After", "1")
			if err := middleware.WriteError(ctx, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded"); err != nil {
				l.log.Error("failed to write response", "error", err)
			}
			return
		}

		next(ctx)
	}
}
