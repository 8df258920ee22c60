package noncepool

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

var ErrInvalidConfig = errors.New("invalid nonce pool config")

type Config struct {
	Accounts            []solana.PublicKey
	Authority           solana.PrivateKey
	MaintenanceInterval time.Duration
	OperationTimeout    time.Duration
}

var DefaultConfig = Config{
	MaintenanceInterval: 5 * time.Second,
	OperationTimeout:    10 * time.Second,
}

// ConfigFromEnv loads `noncepool` config from environment.
// - `NONCE_ACCOUNTS` comma separated base58 addresses
// - `NONCE_AUTHORITY_SECRET` base58 secret key of the nonce authority
// - `NONCE_MAINTENANCE_INTERVAL_MS`
// - `NONCE_OPERATION_TIMEOUT_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	if val := os.Getenv("NONCE_ACCOUNTS"); val != "" {
		for _, s := range strings.Split(val, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			pk, err := solana.PublicKeyFromBase58(s)
			if err != nil {
				return config, fmt.Errorf("NONCE_ACCOUNTS: invalid address %q: %w", s, err)
			}
			config.Accounts = append(config.Accounts, pk)
		}
	}
	if val := os.Getenv("NONCE_AUTHORITY_SECRET"); val != "" {
		key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(val))
		if err != nil {
			// the value is secret, do not echo it back
			return config, fmt.Errorf("NONCE_AUTHORITY_SECRET: invalid key") //nolint:goerr113
		}
		config.Authority = key
	}
	if val := os.Getenv("NONCE_MAINTENANCE_INTERVAL_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.MaintenanceInterval = time.Duration(ms) * time.Millisecond
	}
	if val := os.Getenv("NONCE_OPERATION_TIMEOUT_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.OperationTimeout = time.Duration(ms) * time.Millisecond
	}
	return config, config.Validate()
}

func (c Config) Validate() error {
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("%w: maintenance interval must be positive, got %s", ErrInvalidConfig, c.MaintenanceInterval)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("%w: operation timeout must be positive, got %s", ErrInvalidConfig, c.OperationTimeout)
	}
	return nil
}
