// Package oracle reads external price observations and grades them
// against the exchange guard rails.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// ErrFeedNotFound is returned for a feed with no observation.
var ErrFeedNotFound = errors.New("oracle: feed not found")

// Source returns the latest observation of a price feed.
type Source interface {
	GetPrice(ctx context.Context, feed string) (model.OraclePriceData, error)
}

// MemorySource is a Source backed by a map. Used for tests and local runs.
type MemorySource struct {
	mu     sync.RWMutex
	prices map[string]model.OraclePriceData
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{prices: make(map[string]model.OraclePriceData)}
}

// Set stores the observation for feed.
func (s *MemorySource) Set(feed string, data model.OraclePriceData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[feed] = data
}

func (s *MemorySource) GetPrice(_ context.Context, feed string) (model.OraclePriceData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.prices[feed]
	if !ok {
		return model.OraclePriceData{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed)
	}
	return data, nil
}

// RedisSource reads observations that a price feeder writes as Redis hashes:
//
//	HSET oracle:SOL-USD price 21500000 conf 10000 publish_ts 1700000000 sufficient 1
//
// Prices are in PRICE precision. Delay is the age of publish_ts in seconds.
type RedisSource struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisSource creates a RedisSource on rdb.
func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb, now: time.Now}
}

func feedKey(feed string) string { return "oracle:" + feed }

func (s *RedisSource) GetPrice(ctx context.Context, feed string) (model.OraclePriceData, error) {
	fields, err := s.rdb.HGetAll(ctx, feedKey(feed)).Result()
	if err != nil {
		return model.OraclePriceData{}, fmt.Errorf("read feed %s: %w", feed, err)
	}
	if len(fields) == 0 {
		return model.OraclePriceData{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed)
	}

	price, err := fixedpoint.Parse(fields["price"])
	if err != nil {
		return model.OraclePriceData{}, fmt.Errorf("feed %s price: %w", feed, err)
	}
	conf, err := fixedpoint.Parse(fields["conf"])
	if err != nil {
		return model.OraclePriceData{}, fmt.Errorf("feed %s conf: %w", feed, err)
	}
	publishTS, err := strconv.ParseInt(fields["publish_ts"], 10, 64)
	if err != nil {
		return model.OraclePriceData{}, fmt.Errorf("feed %s publish_ts: %w", feed, err)
	}

	return model.OraclePriceData{
		Price:                   price,
		Confidence:              conf,
		Delay:                   max(0, s.now().Unix()-publishTS),
		HasSufficientDataPoints: fields["sufficient"] != "0",
	}, nil
}
