package terminal

import (
	"context"
	"time"

	"possync/internal/app/terminal/config"
	"possync/internal/utils/retry"
)

// EngineConfig общие параметры движков push и pull
type EngineConfig struct {
	TerminalID      string
	BatchSize       int
	PushConcurrency int
	PullConcurrency int
	// MaxAttempts попыток у элемента outbox до FAILED (между циклами)
	MaxAttempts int
	// RetryAttempts попыток одной отправки внутри цикла
	RetryAttempts int
	RetryDelay    time.Duration
	// Timeout на одну сетевую операцию
	Timeout time.Duration
}

func EngineConfigFrom(cfg *config.Config) EngineConfig {
	return EngineConfig{
		TerminalID:      cfg.TerminalID,
		BatchSize:       cfg.Sync.PushBatchSize,
		PushConcurrency: cfg.Sync.PushConcurrency,
		PullConcurrency: cfg.Sync.PullConcurrency,
		MaxAttempts:     cfg.Sync.MaxRetries,
		RetryAttempts:   cfg.Sync.RetryAttempts,
		RetryDelay:      cfg.Sync.RetryDelay,
		Timeout:         cfg.Sync.Timeout,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PushConcurrency <= 0 {
		c.PushConcurrency = 4
	}
	if c.PullConcurrency <= 0 {
		c.PullConcurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

func (c EngineConfig) retryManager() *retry.Manager {
	m := retry.New(c.RetryAttempts, c.RetryDelay)
	m.Retryable = IsTransient
	return m
}

// withTimeout вызывает op с таймаутом одной операции
func withTimeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return op(opCtx)
}
