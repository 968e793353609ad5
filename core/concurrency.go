package core

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter bounds in-flight provider calls per model. A permit is
// held for one call only, never across a backoff wait.
type ConcurrencyLimiter struct {
	defaultLimit int64
	limits       map[string]int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewConcurrencyLimiter(cfg ConcurrencyConfig) *ConcurrencyLimiter {
	defaultLimit := int64(cfg.DefaultLimit)
	if defaultLimit <= 0 {
		defaultLimit = defaultConcurrencyLimit
	}
	limits := make(map[string]int64, len(cfg.ModelLimits))
	for model, limit := range cfg.ModelLimits {
		if limit <= 0 {
			continue
		}
		limits[normalizeModel(model)] = int64(limit)
	}
	return &ConcurrencyLimiter{
		defaultLimit: defaultLimit,
		limits:       limits,
		sems:         map[string]*semaphore.Weighted{},
	}
}

func (l *ConcurrencyLimiter) Acquire(ctx context.Context, model string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	sem := l.semaphore(normalizeModel(model))
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

func (l *ConcurrencyLimiter) Limit(model string) int {
	if l == nil {
		return 0
	}
	if limit, ok := l.limits[normalizeModel(model)]; ok {
		return int(limit)
	}
	return int(l.defaultLimit)
}

func (l *ConcurrencyLimiter) semaphore(model string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[model]
	if !ok {
		sem = semaphore.NewWeighted(int64(l.Limit(model)))
		l.sems[model] = sem
	}
	return sem
}

func normalizeModel(model string) string {
	return strings.TrimSpace(strings.ToLower(model))
}
