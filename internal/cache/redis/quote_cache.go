package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yxzhao/perpbot/internal/domain"
)

// quoteTTL bounds how long a cached quote outlives its writer. A crashed
// process must not leave week-old prices behind for the next one to trust.
const quoteTTL = 24 * time.Hour

// QuoteCache implements domain.QuoteCache using Redis hashes. Each symbol's
// quote is stored at key "quote:{symbol}" with fields "price", "funding",
// and "ts" (Unix nanosecond timestamp).
type QuoteCache struct {
	rdb *redis.Client
}

var _ domain.QuoteCache = (*QuoteCache)(nil)

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// SetQuote stores the latest quote for a symbol.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.Symbol)
	fields := map[string]interface{}{
		"price":   strconv.FormatFloat(q.Price, 'f', -1, 64),
		"funding": strconv.FormatFloat(q.FundingRate, 'f', -1, 64),
		"ts":      strconv.FormatInt(q.AsOf.UnixNano(), 10),
	}

	pipe := qc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Symbol, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for a symbol. It returns
// domain.ErrNotFound when the key does not exist.
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote price %s: %w", symbol, err)
	}

	var funding float64
	if s, ok := vals["funding"]; ok {
		funding, _ = strconv.ParseFloat(s, 64)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote ts %s: %w", symbol, err)
	}

	return domain.Quote{
		Symbol:      symbol,
		Price:       price,
		FundingRate: funding,
		AsOf:        time.Unix(0, tsNano),
	}, nil
}
