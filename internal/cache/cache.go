// Package cache is the hot-path read layer: order books and quotes live
// in Redis under short TTLs so the detector never touches a venue API.
// A missing or expired key means "no data"; callers treat cache errors
// the same way and fall through to their staleness policy.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"marketarb/internal/config"
	"marketarb/pkg/types"
)

const (
	// BookTTL bounds how long a book can serve reads. The detector has
	// its own, tighter staleness gate on top of this.
	BookTTL  = 10 * time.Second
	QuoteTTL = 10 * time.Second

	// Memo TTLs for derived values that are cheap to recompute but
	// requested often (status snapshot fragments and the like).
	MemoTTLMin = 3 * time.Second
	MemoTTLMax = 60 * time.Second
)

// Cache wraps the Redis client with the key schema and serialization.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis and pings once to fail fast on bad config.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger.With("component", "cache")}, nil
}

// NewFromClient wraps an existing client; used by tests with redismock.
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger.With("component", "cache")}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

func bookKey(v types.Venue, externalID string) string {
	return "orderbook:" + string(v) + ":" + externalID
}

func quoteKey(v types.Venue, externalID string) string {
	return "quote:" + string(v) + ":" + externalID
}

// SetOrderBook stores a normalized book under its venue-scoped key.
func (c *Cache) SetOrderBook(ctx context.Context, book *types.OrderBook) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("marshal orderbook %s: %w", book.Key(), err)
	}
	if err := c.rdb.Set(ctx, bookKey(book.Venue, book.ExternalID), data, BookTTL).Err(); err != nil {
		return fmt.Errorf("set orderbook %s: %w", book.Key(), err)
	}
	return nil
}

// GetOrderBook returns the cached book, or (nil, nil) when the key is
// absent, expired, or Redis is unreachable. Degraded cache reads must
// look identical to missing data so the detector's skip logic engages.
func (c *Cache) GetOrderBook(ctx context.Context, v types.Venue, externalID string) (*types.OrderBook, error) {
	data, err := c.rdb.Get(ctx, bookKey(v, externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "key", bookKey(v, externalID), "error", err)
		return nil, nil
	}
	var book types.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		c.logger.Warn("corrupt cached orderbook, treating as miss", "key", bookKey(v, externalID), "error", err)
		return nil, nil
	}
	return &book, nil
}

// SetQuote stores a top-of-book quote under its venue-scoped key.
func (c *Cache) SetQuote(ctx context.Context, q *types.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote %s: %w", q.Key(), err)
	}
	if err := c.rdb.Set(ctx, quoteKey(q.Venue, q.ExternalID), data, QuoteTTL).Err(); err != nil {
		return fmt.Errorf("set quote %s: %w", q.Key(), err)
	}
	return nil
}

// GetQuote returns the cached quote with the same miss semantics as
// GetOrderBook.
func (c *Cache) GetQuote(ctx context.Context, v types.Venue, externalID string) (*types.Quote, error) {
	data, err := c.rdb.Get(ctx, quoteKey(v, externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "key", quoteKey(v, externalID), "error", err)
		return nil, nil
	}
	var q types.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		c.logger.Warn("corrupt cached quote, treating as miss", "key", quoteKey(v, externalID), "error", err)
		return nil, nil
	}
	return &q, nil
}

// SetMemo stores an arbitrary derived value under memo:<name>. TTL is
// clamped into the memo range.
func (c *Cache) SetMemo(ctx context.Context, name string, value any, ttl time.Duration) error {
	if ttl < MemoTTLMin {
		ttl = MemoTTLMin
	}
	if ttl > MemoTTLMax {
		ttl = MemoTTLMax
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal memo %s: %w", name, err)
	}
	return c.rdb.Set(ctx, "memo:"+name, data, ttl).Err()
}

// GetMemo unmarshals a memo into out, returning false on a miss.
func (c *Cache) GetMemo(ctx context.Context, name string, out any) (bool, error) {
	data, err := c.rdb.Get(ctx, "memo:"+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, nil
	}
	return true, nil
}
