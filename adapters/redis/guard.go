// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RequestGuard makes sure a request id is executed by one relayer replica at a time.
type RequestGuard struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRequestGuard(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RequestGuard {
	return &RequestGuard{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// Claim returns false if the request id is already claimed.
func (r *RequestGuard) Claim(ctx context.Context, requestID string) (bool, error) {
	return r.client.SetNX(ctx, r.keyPrefix+"claim:"+requestID, time.Now().UnixMilli(), r.expireDuration).Result()
}

func (r *RequestGuard) Release(ctx context.Context, requestID string) error {
	return r.client.Del(ctx, r.keyPrefix+"claim:"+requestID).Err()
}

// IncAttempts counts how many times a request id was claimed. The counter expires with the claim.
func (r *RequestGuard) IncAttempts(ctx context.Context, requestID string) (uint64, error) {
	attempts, err := r.client.Incr(ctx, r.keyPrefix+"attempts:"+requestID).Result()
	if err != nil {
		return 0, err
	}
	// ignore expiry error as it is not critical
	_ = r.client.Expire(ctx, r.keyPrefix+"attempts:"+requestID, r.expireDuration).Err()
	return uint64(attempts), nil
}
