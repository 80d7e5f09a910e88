// Package feed keeps fresh mark-price quotes flowing to the engine. It memos
// quotes with a short TTL, polls the exchange for watched symbols, accepts
// pushed quotes from a streaming source, and degrades to cached data when the
// exchange is unreachable.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
	"github.com/yxzhao/perpbot/internal/engine"
)

// Config holds the feed's freshness and retry parameters.
type Config struct {
	// TTL is how long a memoized quote is served without refetching.
	TTL time.Duration
	// PollInterval is how often watched symbols are refreshed.
	PollInterval time.Duration
	// MaxRetries is the number of fetch attempts per refresh.
	MaxRetries int
	// RetryBase is the first retry's backoff; subsequent retries double it.
	RetryBase time.Duration
	// TickBuffer is the capacity of the Ticks channel.
	TickBuffer int
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = 256
	}
}

// PriceFeed serves the latest quote per symbol and streams fresh quotes to
// the scheduler. Reads hit an in-process memo first, then the exchange, then
// the shared cache; a quote served from fallback is flagged Stale so the
// monitor can suppress evaluation instead of acting on dead data.
type PriceFeed struct {
	cfg     Config
	adapter domain.ExchangeAdapter
	cache   domain.QuoteCache // nil disables the shared cache
	clock   engine.Clock
	logger  *slog.Logger

	mu      sync.RWMutex
	memo    map[string]domain.Quote
	watched map[string]struct{}

	ticks chan domain.Quote
}

var _ engine.PriceSource = (*PriceFeed)(nil)

// NewPriceFeed creates a PriceFeed. cache may be nil.
func NewPriceFeed(cfg Config, adapter domain.ExchangeAdapter, cache domain.QuoteCache, clock engine.Clock, logger *slog.Logger) *PriceFeed {
	cfg.applyDefaults()
	return &PriceFeed{
		cfg:     cfg,
		adapter: adapter,
		cache:   cache,
		clock:   clock,
		logger:  logger.With(slog.String("component", "price_feed")),
		memo:    make(map[string]domain.Quote),
		watched: make(map[string]struct{}),
		ticks:   make(chan domain.Quote, cfg.TickBuffer),
	}
}

// Ticks streams fresh quotes for watched symbols.
func (f *PriceFeed) Ticks() <-chan domain.Quote { return f.ticks }

// Watch adds a symbol to the polling set.
func (f *PriceFeed) Watch(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watched[symbol]; ok {
		return
	}
	f.watched[symbol] = struct{}{}
	f.logger.Info("watching symbol", slog.String("symbol", symbol))
}

// Unwatch removes a symbol from the polling set. The memoized quote stays so
// Latest can still serve it within the TTL.
func (f *PriceFeed) Unwatch(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watched[symbol]; !ok {
		return
	}
	delete(f.watched, symbol)
	f.logger.Info("unwatching symbol", slog.String("symbol", symbol))
}

// Latest returns the freshest quote available for the symbol. Within the TTL
// it is served from the memo without touching the exchange; otherwise the
// exchange is queried with retries, and on total failure the last known
// quote (memo, then shared cache) is returned flagged Stale. Only when no
// quote has ever been seen does Latest fail, wrapping domain.ErrUnavailable.
func (f *PriceFeed) Latest(ctx context.Context, symbol string) (domain.Quote, error) {
	now := f.clock.Now()

	f.mu.RLock()
	memo, ok := f.memo[symbol]
	f.mu.RUnlock()
	if ok && !memo.Stale && memo.Age(now) <= f.cfg.TTL {
		return memo, nil
	}

	q, err := f.fetch(ctx, symbol)
	if err == nil {
		f.store(q)
		return q, nil
	}
	f.logger.Warn("quote fetch failed, falling back",
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)

	if ok {
		memo.Stale = true
		return memo, nil
	}
	if f.cache != nil {
		cached, cacheErr := f.cache.GetQuote(ctx, symbol)
		if cacheErr == nil {
			cached.Stale = true
			f.mu.Lock()
			f.memo[symbol] = cached
			f.mu.Unlock()
			return cached, nil
		}
	}
	return domain.Quote{}, fmt.Errorf("feed: no quote for %s: %w: %w", symbol, domain.ErrUnavailable, err)
}

// Ingest accepts a quote pushed from a streaming source (the exchange
// WebSocket). It refreshes the memo, writes through to the shared cache, and
// emits a tick.
func (f *PriceFeed) Ingest(ctx context.Context, q domain.Quote) {
	if q.AsOf.IsZero() {
		q.AsOf = f.clock.Now()
	}
	f.store(q)
	f.emit(ctx, q)
}

// Run polls the exchange for every watched symbol at the configured interval
// and emits a tick per refresh. It blocks until ctx is canceled.
func (f *PriceFeed) Run(ctx context.Context) error {
	f.logger.Info("price feed started", slog.Duration("poll_interval", f.cfg.PollInterval))
	defer f.logger.Info("price feed stopped")

	for {
		timer := f.clock.NewTimer(f.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
		f.refreshWatched(ctx)
	}
}

func (f *PriceFeed) refreshWatched(ctx context.Context) {
	f.mu.RLock()
	symbols := make([]string, 0, len(f.watched))
	for sym := range f.watched {
		symbols = append(symbols, sym)
	}
	f.mu.RUnlock()

	for _, sym := range symbols {
		q, err := f.fetch(ctx, sym)
		if err != nil {
			f.logger.Warn("poll refresh failed",
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
			continue
		}
		f.store(q)
		f.emit(ctx, q)
	}
}

// fetch queries the exchange with bounded exponential backoff.
func (f *PriceFeed) fetch(ctx context.Context, symbol string) (domain.Quote, error) {
	var lastErr error
	backoff := f.cfg.RetryBase
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		q, err := f.adapter.GetMarkPrice(ctx, symbol)
		if err == nil {
			if q.AsOf.IsZero() {
				q.AsOf = f.clock.Now()
			}
			return q, nil
		}
		lastErr = err
		if attempt == f.cfg.MaxRetries {
			break
		}
		timer := f.clock.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Quote{}, ctx.Err()
		case <-timer.C():
		}
		backoff *= 2
	}
	return domain.Quote{}, fmt.Errorf("feed: fetch %s after %d attempts: %w", symbol, f.cfg.MaxRetries, lastErr)
}

func (f *PriceFeed) store(q domain.Quote) {
	f.mu.Lock()
	f.memo[q.Symbol] = q
	f.mu.Unlock()

	if f.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.cache.SetQuote(ctx, q); err != nil {
			f.logger.Debug("quote cache write failed",
				slog.String("symbol", q.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// emit delivers a tick without ever blocking the producer. When the consumer
// lags, the oldest buffered tick is dropped; the newest quote always wins.
func (f *PriceFeed) emit(ctx context.Context, q domain.Quote) {
	select {
	case f.ticks <- q:
		return
	default:
	}
	select {
	case <-f.ticks:
	default:
	}
	select {
	case f.ticks <- q:
	case <-ctx.Done():
	}
}
