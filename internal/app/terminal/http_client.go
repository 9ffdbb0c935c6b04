package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/exp/slog"

	"possync/internal/domain/entity"
	"possync/internal/domain/sync"
)

// Central API центрального сервера, которым пользуется терминал
type Central interface {
	Push(ctx context.Context, req sync.PushRequest) (*sync.PushResponse, error)
	Pull(ctx context.Context, terminalID string, t entity.Type, since time.Time) ([]sync.PulledEntity, error)
	Resolve(ctx context.Context, req sync.ResolveRequest) (*sync.ResolveResponse, error)
	Heartbeat(ctx context.Context, req sync.HeartbeatRequest) error
}

// StatusError ответ центра с кодом >= 400
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ошибка сервера: статус %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("ошибка сервера: статус %d", e.Code)
}

// IsTransient ошибку имеет смысл повторить: сеть, таймаут, 5xx, 429
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	return false
}

type httpClient struct {
	client    *http.Client
	log       *slog.Logger
	baseURL   string
	token     string
	userAgent string
}

var _ Central = (*httpClient)(nil)

func NewHTTPClient(baseURL, token string, timeout time.Duration, log *slog.Logger) *httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 10,
		},
	}

	return &httpClient{
		client:    client,
		log:       log.With(slog.String("component", "central_client")),
		baseURL:   baseURL,
		token:     token,
		userAgent: "possync-terminal/1.0",
	}
}

// HealthCheck проверяет доступность центра
func (h *httpClient) HealthCheck(ctx context.Context) error {
	resp, err := h.doRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	return h.parseResponse(resp, nil)
}

func (h *httpClient) Push(ctx context.Context, req sync.PushRequest) (*sync.PushResponse, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, "/sync/push", req)
	if err != nil {
		return nil, err
	}

	var out sync.PushResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type pullResponse struct {
	EntityType entity.Type         `json:"entityType"`
	Count      int                 `json:"count"`
	Entities   []sync.PulledEntity `json:"entities"`
	ServerTime time.Time           `json:"serverTime"`
}

func (h *httpClient) Pull(ctx context.Context, terminalID string, t entity.Type, since time.Time) ([]sync.PulledEntity, error) {
	q := url.Values{}
	q.Set("terminalId", terminalID)
	q.Set("entityType", string(t))
	if !since.IsZero() {
		q.Set("lastSync", since.UTC().Format(time.RFC3339Nano))
	}

	resp, err := h.doRequest(ctx, http.MethodGet, "/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out pullResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (h *httpClient) Resolve(ctx context.Context, req sync.ResolveRequest) (*sync.ResolveResponse, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, "/sync/resolve", req)
	if err != nil {
		return nil, err
	}

	var out sync.ResolveResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) Heartbeat(ctx context.Context, req sync.HeartbeatRequest) error {
	resp, err := h.doRequest(ctx, http.MethodPost, "/sync/heartbeat", req)
	if err != nil {
		return err
	}
	return h.parseResponse(resp, nil)
}

// Status сводка центра по терминалу
func (h *httpClient) Status(ctx context.Context, terminalID string) (*sync.StatusResponse, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, "/sync/status?terminalId="+url.QueryEscape(terminalID), nil)
	if err != nil {
		return nil, err
	}

	var out sync.StatusResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ошибка маршалинга тела запроса: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	h.log.Debug("Отправка запроса", "method", method, "url", req.URL.String())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}

	return resp, nil
}

func (h *httpClient) parseResponse(resp *http.Response, result any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	h.log.Debug("Получен ответ", "status", resp.StatusCode, "size", len(body))

	if resp.StatusCode >= 400 {
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		se := &StatusError{Code: resp.StatusCode}
		if err := json.Unmarshal(body, &problem); err == nil {
			se.Detail = problem.Detail
			if se.Detail == "" {
				se.Detail = problem.Title
			}
		}
		return se
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("ошибка парсинга ответа: %w", err)
		}
	}

	return nil
}
