// Package spike provides a primitive to handle spike-like load on retrieving external resources.
// Concurrent requests for the same key share one fetch and successful results are cached for a short time.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = time.Minute
	DefaultFetchTimeout    = 10 * time.Second
)

type FetchFunc[T any] func(ctx context.Context, k string) (T, error)

type Manager[T any] struct {
	fetch    FetchFunc[T]
	cache    *gocache.Cache
	cacheFor time.Duration

	// FetchTimeout bounds a single fetch, it is not tied to any caller's context
	// so a cancelled caller does not fail the others waiting on the same key.
	FetchTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// NewManager creates a Manager, results are cached for cacheFor (0 disables caching, only concurrent
// callers are collapsed).
func NewManager[T any](fetch FetchFunc[T], cacheFor time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:        fetch,
		cache:        gocache.New(cacheFor, defaultCleanupInterval),
		cacheFor:     cacheFor,
		FetchTimeout: DefaultFetchTimeout,
		inflight:     make(map[string]*call[T]),
	}
}

func (m *Manager[T]) cached(k string) (T, bool) {
	v, ok := m.cache.Get(k)
	if !ok {
		var zero T
		return zero, false
	}
	//nolint:forcetypeassert
	return v.(T), true
}

func (m *Manager[T]) GetResult(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if v, ok := m.cached(k); ok {
		return v, nil
	}

	m.mu.Lock()
	if v, ok := m.cached(k); ok {
		m.mu.Unlock()
		return v, nil
	}
	c, ok := m.inflight[k]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.inflight[k] = c
		go m.run(k, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}

func (m *Manager[T]) run(k string, c *call[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.FetchTimeout)
	defer cancel()

	c.v, c.err = m.fetch(ctx, k)

	m.mu.Lock()
	if c.err == nil && m.cacheFor > 0 {
		m.cache.Set(k, c.v, m.cacheFor)
	}
	delete(m.inflight, k)
	m.mu.Unlock()
	close(c.done)
}
