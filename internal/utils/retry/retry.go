package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("retry attempts exhausted")

// Manager повторяет операцию с экспоненциальной задержкой
type Manager struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable решает, имеет ли смысл повторять ошибку. nil - повторять любую.
	Retryable func(error) bool
	// Sleep подменяется в тестах
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(maxAttempts int, baseDelay time.Duration) *Manager {
	return &Manager{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    30 * time.Second,
	}
}

// Execute выполняет op не более MaxAttempts раз и возвращает последнюю ошибку
func (m *Manager) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := m.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := m.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if m.Retryable != nil && !m.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, m.delay(attempt)); err != nil {
			return fmt.Errorf("%w: %w", lastErr, err)
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (m *Manager) delay(attempt int) time.Duration {
	d := m.BaseDelay << (attempt - 1)
	if m.MaxDelay > 0 && (d > m.MaxDelay || d <= 0) {
		d = m.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
