// Package cache provides the Redis backed store for reference fingerprints.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/fingerprint"
	"github.com/example/mri-check/internal/logging"
)

const keyPrefix = "fingerprint:"

// Cmdable is the subset of the go-redis client used by the cache.
type Cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisFingerprintCache stores fingerprints as hex strings under fingerprint:<sha1>.
type RedisFingerprintCache struct {
	client         Cmdable
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisFingerprintCache constructs a cache adapter over client.
func NewRedisFingerprintCache(client Cmdable, ttl time.Duration, logger *zap.Logger) *RedisFingerprintCache {
	return &RedisFingerprintCache{
		client:         client,
		ttl:            ttl,
		logger:         logger.Named("fingerprint_cache"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Get returns the cached fingerprint for key. A missing key is not an error.
func (c *RedisFingerprintCache) Get(ctx context.Context, key string) (fingerprint.Fingerprint, bool, error) {
	var raw string
	err := c.withRetry(ctx, "cache.get.fingerprint", key, func() error {
		value, err := c.client.Get(ctx, keyPrefix+key).Result()
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	fp, err := fingerprint.Parse(raw)
	if err != nil {
		return 0, false, logging.NewOperationError("cache.decode.fingerprint", key, err)
	}
	return fp, true, nil
}

// Set stores fp under key with the configured TTL.
func (c *RedisFingerprintCache) Set(ctx context.Context, key string, fp fingerprint.Fingerprint) error {
	return c.withRetry(ctx, "cache.set.fingerprint", key, func() error {
		return c.client.Set(ctx, keyPrefix+key, fp.String(), c.ttl).Err()
	})
}

func (c *RedisFingerprintCache) withRetry(ctx context.Context, operation, key string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = c.maxBackoff
	policy.MaxElapsedTime = 0

	var retries uint64
	if c.retryAttempts > 1 {
		retries = c.retryAttempts - 1
	}

	opLogger := logging.WithOperation(c.logger, operation, "").With(zap.String("key", key))
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) || !isTransientError(err) {
			return backoff.Permanent(err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))

	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt))
	return logging.NewOperationError(operation, "", err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
