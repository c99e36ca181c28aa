package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/pkg/circuitbreaker"
)

// Store is the key-value surface the cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type clientStore struct {
	client goredis.UniversalClient
}

// NewStore adapts a go-redis client to Store.
func NewStore(client goredis.UniversalClient) Store {
	return clientStore{client: client}
}

func (s clientStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s clientStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s clientStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// CachedCatalog serves catalog lookups from Redis and falls through to the
// origin on a miss. Redis failures trip the breaker and every lookup goes to
// the origin until it closes; the cache never turns a lookup into an error.
// Missing plans are not cached.
type CachedCatalog struct {
	origin  coverage.Catalog
	store   Store
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
	logger  *zap.Logger
}

var _ coverage.Catalog = (*CachedCatalog)(nil)

func NewCachedCatalog(origin coverage.Catalog, store Store, breaker *circuitbreaker.CircuitBreaker, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{origin: origin, store: store, breaker: breaker, ttl: ttl, logger: logger}
}

func (c *CachedCatalog) Plan(ctx context.Context, planID string) (*coverage.Plan, error) {
	return cached(ctx, c, "catalog:plan:"+planID, func(ctx context.Context) (*coverage.Plan, error) {
		return c.origin.Plan(ctx, planID)
	})
}

func (c *CachedCatalog) Rules(ctx context.Context, planID string, category coverage.Category) ([]coverage.CoverageRule, error) {
	return cached(ctx, c, "catalog:rules:"+planID+":"+string(category), func(ctx context.Context) ([]coverage.CoverageRule, error) {
		return c.origin.Rules(ctx, planID, category)
	})
}

func (c *CachedCatalog) Tariffs(ctx context.Context, planID string, itemType coverage.ItemType, itemCode string) ([]coverage.TariffEntry, error) {
	key := "catalog:tariffs:" + planID + ":" + string(itemType.Category()) + ":" + itemCode
	return cached(ctx, c, key, func(ctx context.Context) ([]coverage.TariffEntry, error) {
		return c.origin.Tariffs(ctx, planID, itemType, itemCode)
	})
}

func (c *CachedCatalog) ReferenceTariffs(ctx context.Context, item coverage.ItemRef) ([]coverage.ReferenceTariff, error) {
	key := "catalog:reference:" + string(item.Type.Category()) + ":" + item.Code + ":" + item.ExternalID
	return cached(ctx, c, key, func(ctx context.Context) ([]coverage.ReferenceTariff, error) {
		return c.origin.ReferenceTariffs(ctx, item)
	})
}

// InvalidatePlan drops the cached plan record. Rules and tariffs expire by TTL.
func (c *CachedCatalog) InvalidatePlan(ctx context.Context, planID string) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.store.Del(ctx, "catalog:plan:"+planID)
	})
}

func cached[T any](ctx context.Context, c *CachedCatalog, key string, load func(context.Context) (T, error)) (T, error) {
	var (
		out T
		hit bool
	)
	_ = c.breaker.DoWithFallback(ctx,
		func(ctx context.Context) error {
			raw, ok, err := c.store.Get(ctx, key)
			if err != nil || !ok {
				return err
			}
			var decoded T
			if err := json.Unmarshal(raw, &decoded); err != nil {
				c.logger.Warn("ignoring undecodable cache entry", zap.String("key", key), zap.Error(err))
				return nil
			}
			out, hit = decoded, true
			return nil
		},
		func(context.Context, error) error { return nil },
	)
	if hit {
		return out, nil
	}

	out, err := load(ctx)
	if err != nil {
		return out, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return out, nil
	}
	if err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.store.Set(ctx, key, raw, c.ttl)
	}); err != nil {
		c.logger.Debug("catalog cache write skipped", zap.String("key", key), zap.Error(err))
	}
	return out, nil
}
