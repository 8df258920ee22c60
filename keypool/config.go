package keypool

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

var ErrInvalidConfig = errors.New("invalid key pool config")

type Config struct {
	Mode Mode

	Cold         []solana.PrivateKey
	Intermediate []solana.PrivateKey
	Disposable   []solana.PrivateKey
	Single       solana.PrivateKey

	Params           BalanceParams
	Interval         time.Duration
	OperationTimeout time.Duration
}

var DefaultConfig = Config{
	Mode: ModeTiered,
	Params: BalanceParams{
		MinDisposable:             5,
		CreateBatch:               3,
		TargetDisposableBalance:   10_000_000,
		TargetIntermediateBalance: 100_000_000,
	},
	Interval:         60 * time.Second,
	OperationTimeout: 30 * time.Second,
}

// parseKeys parses a comma separated list of base58 secret keys. Errors never include the key material.
func parseKeys(name, val string) ([]solana.PrivateKey, error) {
	var keys []solana.PrivateKey
	for i, s := range strings.Split(val, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key, err := solana.PrivateKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid key at position %d", name, i) //nolint:goerr113
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ConfigFromEnv loads `keypool` config from environment.
// - `KEY_POOL_MODE` tiered (default) or single
// - `COLD_KEYS`, `INTERMEDIATE_KEYS`, `DISPOSABLE_KEYS` comma separated base58 secret keys
// - `SINGLE_TIER_KEY` base58 secret key used in single-tier mode
// - `MIN_DISPOSABLE_KEYS`
// - `DISPOSABLE_CREATE_BATCH`
// - `DISPOSABLE_TARGET_LAMPORTS`
// - `INTERMEDIATE_TARGET_LAMPORTS`
// - `BALANCE_INTERVAL_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	switch mode := os.Getenv("KEY_POOL_MODE"); mode {
	case "", "tiered":
		config.Mode = ModeTiered
	case "single":
		config.Mode = ModeSingleTier
	default:
		return config, fmt.Errorf("KEY_POOL_MODE: unknown mode %q", mode) //nolint:goerr113
	}

	var err error
	for _, tier := range []struct {
		name string
		dst  *[]solana.PrivateKey
	}{
		{"COLD_KEYS", &config.Cold},
		{"INTERMEDIATE_KEYS", &config.Intermediate},
		{"DISPOSABLE_KEYS", &config.Disposable},
	} {
		if val := os.Getenv(tier.name); val != "" {
			if *tier.dst, err = parseKeys(tier.name, val); err != nil {
				return config, err
			}
		}
	}
	if val := os.Getenv("SINGLE_TIER_KEY"); val != "" {
		keys, err := parseKeys("SINGLE_TIER_KEY", val)
		if err != nil {
			return config, err
		}
		if len(keys) != 1 {
			return config, fmt.Errorf("SINGLE_TIER_KEY: expected exactly one key") //nolint:goerr113
		}
		config.Single = keys[0]
	}

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"MIN_DISPOSABLE_KEYS", &config.Params.MinDisposable},
		{"DISPOSABLE_CREATE_BATCH", &config.Params.CreateBatch},
	} {
		if val := os.Getenv(v.name); val != "" {
			if *v.dst, err = strconv.Atoi(val); err != nil {
				return config, fmt.Errorf("%s: %w", v.name, err)
			}
		}
	}
	for _, v := range []struct {
		name string
		dst  *uint64
	}{
		{"DISPOSABLE_TARGET_LAMPORTS", &config.Params.TargetDisposableBalance},
		{"INTERMEDIATE_TARGET_LAMPORTS", &config.Params.TargetIntermediateBalance},
	} {
		if val := os.Getenv(v.name); val != "" {
			if *v.dst, err = strconv.ParseUint(val, 10, 64); err != nil {
				return config, fmt.Errorf("%s: %w", v.name, err)
			}
		}
	}
	if val := os.Getenv("BALANCE_INTERVAL_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.Interval = time.Duration(ms) * time.Millisecond
	}
	return config, config.Validate()
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: balance interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("%w: operation timeout must be positive, got %s", ErrInvalidConfig, c.OperationTimeout)
	}
	if c.Params.MinDisposable < 0 || c.Params.CreateBatch < 0 {
		return fmt.Errorf("%w: disposable key counts can't be negative", ErrInvalidConfig)
	}
	return nil
}
