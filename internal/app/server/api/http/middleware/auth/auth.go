package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/exp/slog"

	"possync/internal/app/server/api/http/middleware"
)

const (
	RoleTerminal = "terminal"
	RoleAdmin    = "admin"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims идентичность вызывающего: терминал (со своей областью видимости) или администратор
type Claims struct {
	TerminalID string `json:"terminalId,omitempty"`
	StoreID    string `json:"storeId,omitempty"`
	BranchID   string `json:"branchId,omitempty"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// CanActFor терминал действует только от своего имени, администратор от любого
func (c *Claims) CanActFor(terminalID string) bool {
	if c.IsAdmin() {
		return true
	}
	return c.TerminalID != "" && c.TerminalID == terminalID
}

// Identity ключ для лимитов и логов
func (c *Claims) Identity() string {
	if c.TerminalID != "" {
		return "terminal:" + c.TerminalID
	}
	return c.Role + ":" + c.Subject
}

type Auth struct {
	secret []byte
	log    *slog.Logger
}

func New(secret string, log *slog.Logger) *Auth {
	return &Auth{
		secret: []byte(secret),
		log:    log.With(slog.String("component", "auth_middleware")),
	}
}

type contextKey string

const claimsKey contextKey = "claims"

// Parse проверяет подпись HS256 и срок действия токена
func (a *Auth) Parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin && claims.TerminalID == "" {
		return nil, fmt.Errorf("%w: terminal token without terminalId", ErrInvalidToken)
	}

	return claims, nil
}

// Sign выпускает токен с заданными claims
func Sign(secret string, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func bearer(header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Middleware возвращает middleware для Huma с сигнатурой func(ctx Context, next func(Context))
func (a *Auth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		raw, err := bearer(ctx.Header("Authorization"))
		if err != nil {
			a.unauthorized(ctx, err)
			return
		}

		claims, err := a.Parse(raw)
		if err != nil {
			a.unauthorized(ctx, err)
			return
		}

		next(huma.WithContext(ctx, WithClaims(ctx.Context(), claims)))
	}
}

// AdminOnly ставится после Middleware
func (a *Auth) AdminOnly() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		claims, ok := GetClaims(ctx.Context())
		if !ok || !claims.IsAdmin() {
			a.log.Warn("admin operation denied", "path", ctx.URL().Path)
			if err := middleware.WriteError(ctx, http.StatusForbidden, "Forbidden", "admin role required"); err != nil {
				a.log.Error("failed to write response", "error", err)
			}
			return
		}
		next(ctx)
	}
}

// HTTPMiddleware то же для обычных chi-маршрутов (WebSocket).
// Браузерный клиент может передать токен в параметре token.
func (a *Auth) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearer(r.Header.Get("Authorization"))
		if err != nil {
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := a.Parse(raw)
		if err != nil {
			a.log.Warn("websocket auth failed", "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (a *Auth) unauthorized(ctx huma.Context, cause error) {
	a.log.Warn("request rejected", "path", ctx.URL().Path, "error", cause)
	if err := middleware.WriteError(ctx, http.StatusUnauthorized, "Unauthorized", cause.Error()); err != nil {
		a.log.Error("failed to write response", "error", err)
	}
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
