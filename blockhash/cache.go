// Package blockhash keeps one recent blockhash shared by all submissions that can't use a durable nonce.
package blockhash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/808putnam/qtrade-relayer/spike"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

var (
	ErrNoBlockhash   = errors.New("no recent blockhash available")
	ErrInvalidConfig = errors.New("invalid blockhash cache config")
)

const directFetchKey = "latest"

type Fetcher interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
}

type Token struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

type Config struct {
	RefreshInterval time.Duration
	MaxAge          time.Duration
	FetchTimeout    time.Duration
}

var DefaultConfig = Config{
	RefreshInterval: time.Second,
	MaxAge:          90 * time.Second,
	FetchTimeout:    5 * time.Second,
}

// ConfigFromEnv loads `blockhash` config from environment.
// - `BLOCKHASH_REFRESH_MS`
// - `BLOCKHASH_MAX_AGE_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig
	if val := os.Getenv("BLOCKHASH_REFRESH_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.RefreshInterval = time.Duration(ms) * time.Millisecond
	}
	if val := os.Getenv("BLOCKHASH_MAX_AGE_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.MaxAge = time.Duration(ms) * time.Millisecond
	}
	return config, config.Validate()
}

func (c Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("%w: refresh interval must be positive, got %s", ErrInvalidConfig, c.RefreshInterval)
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("%w: max age must be positive, got %s", ErrInvalidConfig, c.MaxAge)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive, got %s", ErrInvalidConfig, c.FetchTimeout)
	}
	return nil
}

type Cache struct {
	log     *zap.Logger
	fetcher Fetcher
	cfg     Config
	direct  *spike.Manager[Token]

	mu      sync.RWMutex
	current Token

	lifecycleMu sync.Mutex
	cancel      func()
	wg          sync.WaitGroup
}

func New(log *zap.Logger, fetcher Fetcher, cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		log:     log.Named("blockhash"),
		fetcher: fetcher,
		cfg:     cfg,
	}
	// direct fetches from concurrent callers collapse into one request per refresh window
	c.direct = spike.NewManager(func(ctx context.Context, _ string) (Token, error) {
		return c.fetch(ctx)
	}, cfg.RefreshInterval)
	c.direct.FetchTimeout = cfg.FetchTimeout
	return c, nil
}

func (c *Cache) fetch(ctx context.Context) (Token, error) {
	hash, height, err := c.fetcher.LatestBlockhash(ctx)
	if err != nil {
		return Token{}, err
	}
	return Token{Hash: hash, LastValidBlockHeight: height, FetchedAt: time.Now()}, nil
}

func (c *Cache) store(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.FetchedAt.After(c.current.FetchedAt) {
		c.current = t
	}
}

// Get returns the cached token, or fetches directly when the cached one is older than MaxAge.
func (c *Cache) Get(ctx context.Context) (Token, error) {
	c.mu.RLock()
	t := c.current
	c.mu.RUnlock()
	if !t.FetchedAt.IsZero() && time.Since(t.FetchedAt) <= c.cfg.MaxAge {
		return t, nil
	}

	metrics.IncBlockhashDirectFetch()
	t, err := c.direct.GetResult(ctx, directFetchKey)
	if err != nil {
		return Token{}, errors.Join(ErrNoBlockhash, err)
	}
	c.store(t)
	return t, nil
}

func (c *Cache) refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()
	t, err := c.fetch(fetchCtx)
	if err != nil {
		metrics.IncBlockhashRefreshFailure()
		c.log.Warn("Failed to refresh blockhash", zap.Error(err))
		return
	}
	c.store(t)
}

// Start refreshes the token immediately and then every RefreshInterval.
func (c *Cache) Start(ctx context.Context) *sync.WaitGroup {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()

		c.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
	return &c.wg
}

func (c *Cache) Stop() {
	c.lifecycleMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
