// Package redis provides the cross-process claim lock and the catalog cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// NewClient connects to Redis and pings it.
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// ClaimLocker serializes claim mutations across processes. It satisfies
// claim.Locker. The TTL bounds how long a crashed holder blocks others.
type ClaimLocker struct {
	locker  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

func NewClaimLocker(client goredis.UniversalClient, ttl time.Duration, logger *zap.Logger) *ClaimLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &ClaimLocker{
		locker:  redislock.New(client),
		ttl:     ttl,
		backoff: 25 * time.Millisecond,
		logger:  logger,
	}
}

// Lock waits for the key until the TTL elapses or ctx is done. A lock that
// cannot be obtained is reported as a conflict so callers may retry.
func (l *ClaimLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	attempts := int(l.ttl / l.backoff)
	lock, err := l.locker.Obtain(ctx, "lock:"+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), attempts),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, errs.Conflict("%s is locked by another worker", key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// the TTL expired while the holder was still working
			l.logger.Warn("claim lock expired before release", zap.String("key", key))
			return nil
		}
		return err
	}, nil
}
