// Package oracle caches the latest externally-supplied risk-offset costs
// per coverage class and the trigger-metric observations used for claim
// auto-verification. The quote cache is Redis-backed so redundant workers
// share one view; the cache TTL equals the staleness bound, and consumers
// additionally check quote age so a stale quote is refused, never reused.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

// Store is the minimal key-value surface the cache needs. Satisfied by
// redisStore in production and an in-memory map in tests.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

type redisStore struct {
	client *redis.Client
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// NewRedisStore wraps a go-redis client as a quote Store.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

// Cache holds the latest PriceQuote per coverage class.
type Cache struct {
	store          Store
	stalenessBound time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewCache creates a quote cache with the given staleness bound.
func NewCache(store Store, stalenessBound time.Duration, logger *zap.Logger) *Cache {
	return &Cache{store: store, stalenessBound: stalenessBound, logger: logger, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func quoteKey(ct models.CoverageType) string {
	return fmt.Sprintf("meridian:quote:%s", ct)
}

// Put overwrites the cached quote for its coverage class. The entry TTL
// equals the staleness bound, so an unrefreshed entry expires on its own.
func (c *Cache) Put(ctx context.Context, quote models.PriceQuote) error {
	payload, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	if err := c.store.Set(ctx, quoteKey(quote.CoverageType), payload, c.stalenessBound); err != nil {
		return fmt.Errorf("store quote: %w", err)
	}
	c.logger.Debug("quote refreshed",
		zap.String("coverage_type", string(quote.CoverageType)),
		zap.Int("venues", len(quote.VenueCosts)))
	return nil
}

// LatestQuote returns the cached quote, or a StaleQuote error when the
// quote is missing or older than the staleness bound.
func (c *Cache) LatestQuote(ctx context.Context, ct models.CoverageType) (models.PriceQuote, error) {
	payload, found, err := c.store.Get(ctx, quoteKey(ct))
	if err != nil {
		return models.PriceQuote{}, errors.Wrap(errors.CodeStaleQuote, "quote cache unavailable", err)
	}
	if !found {
		return models.PriceQuote{}, errors.NewStaleQuote(string(ct), c.stalenessBound, c.stalenessBound)
	}
	var quote models.PriceQuote
	if err := json.Unmarshal(payload, &quote); err != nil {
		return models.PriceQuote{}, errors.Wrap(errors.CodeStaleQuote, "corrupt cached quote", err)
	}
	if age := quote.Age(c.now()); age > c.stalenessBound {
		return models.PriceQuote{}, errors.NewStaleQuote(string(ct), age, c.stalenessBound)
	}
	return quote, nil
}
