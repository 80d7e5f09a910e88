package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yxzhao/perpbot/internal/domain"
	"github.com/yxzhao/perpbot/internal/engine"
)

// instantClock is a settable clock whose timers fire immediately, so retry
// backoffs cost nothing in tests.
type instantClock struct {
	mu  sync.Mutex
	now time.Time
}

func newInstantClock() *instantClock {
	return &instantClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *instantClock) NewTimer(time.Duration) engine.Timer {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return instantTimer{ch: ch}
}

type instantTimer struct{ ch chan time.Time }

func (t instantTimer) C() <-chan time.Time { return t.ch }
func (t instantTimer) Stop() bool          { return false }

// stubAdapter serves scripted responses per call.
type stubAdapter struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, symbol string) (domain.Quote, error)
}

func (a *stubAdapter) GetMarkPrice(_ context.Context, symbol string) (domain.Quote, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()
	return a.fn(call, symbol)
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// stubQuoteCache is an in-memory domain.QuoteCache.
type stubQuoteCache struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
}

func newStubQuoteCache() *stubQuoteCache {
	return &stubQuoteCache{quotes: make(map[string]domain.Quote)}
}

func (c *stubQuoteCache) SetQuote(_ context.Context, q domain.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Symbol] = q
	return nil
}

func (c *stubQuoteCache) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func feedLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLatestServesMemoWithinTTL(t *testing.T) {
	clock := newInstantClock()
	adapter := &stubAdapter{fn: func(_ int, symbol string) (domain.Quote, error) {
		return domain.Quote{Symbol: symbol, Price: 50000, AsOf: clock.Now()}, nil
	}}
	f := NewPriceFeed(Config{TTL: 5 * time.Second}, adapter, nil, clock, feedLogger())
	ctx := context.Background()

	q, err := f.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 50000, q.Price, 1e-9)
	require.Equal(t, 1, adapter.callCount())

	// Within the TTL the memo answers without touching the exchange.
	_, err = f.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 1, adapter.callCount())

	// Past the TTL the exchange is queried again.
	clock.Advance(6 * time.Second)
	_, err = f.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 2, adapter.callCount())
}

func TestLatestRetriesWithBackoff(t *testing.T) {
	clock := newInstantClock()
	adapter := &stubAdapter{fn: func(call int, symbol string) (domain.Quote, error) {
		if call < 3 {
			return domain.Quote{}, errors.New("connection reset")
		}
		return domain.Quote{Symbol: symbol, Price: 50000, AsOf: clock.Now()}, nil
	}}
	f := NewPriceFeed(Config{MaxRetries: 3}, adapter, nil, clock, feedLogger())

	q, err := f.Latest(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 50000, q.Price, 1e-9)
	require.Equal(t, 3, adapter.callCount())
	require.False(t, q.Stale)
}

func TestLatestFallsBackToStaleMemo(t *testing.T) {
	clock := newInstantClock()
	var failing bool
	adapter := &stubAdapter{fn: func(_ int, symbol string) (domain.Quote, error) {
		if failing {
			return domain.Quote{}, errors.New("exchange down")
		}
		return domain.Quote{Symbol: symbol, Price: 50000, AsOf: clock.Now()}, nil
	}}
	f := NewPriceFeed(Config{TTL: 5 * time.Second, MaxRetries: 1}, adapter, nil, clock, feedLogger())
	ctx := context.Background()

	_, err := f.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)

	failing = true
	clock.Advance(time.Minute)

	q, err := f.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, q.Stale, "fallback quotes must be flagged stale")
	require.InDelta(t, 50000, q.Price, 1e-9)
}

func TestLatestFallsBackToSharedCache(t *testing.T) {
	clock := newInstantClock()
	adapter := &stubAdapter{fn: func(int, string) (domain.Quote, error) {
		return domain.Quote{}, errors.New("exchange down")
	}}
	cache := newStubQuoteCache()
	require.NoError(t, cache.SetQuote(context.Background(), domain.Quote{
		Symbol: "BTCUSDT",
		Price:  49000,
		AsOf:   clock.Now().Add(-time.Hour),
	}))
	f := NewPriceFeed(Config{MaxRetries: 1}, adapter, cache, clock, feedLogger())

	q, err := f.Latest(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, q.Stale)
	require.InDelta(t, 49000, q.Price, 1e-9)
}

func TestLatestFailsWhenNothingKnown(t *testing.T) {
	clock := newInstantClock()
	adapter := &stubAdapter{fn: func(int, string) (domain.Quote, error) {
		return domain.Quote{}, errors.New("exchange down")
	}}
	f := NewPriceFeed(Config{MaxRetries: 2}, adapter, nil, clock, feedLogger())

	_, err := f.Latest(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	require.Equal(t, 2, adapter.callCount())
}

func TestIngestMemoizesAndEmitsTick(t *testing.T) {
	clock := newInstantClock()
	adapter := &stubAdapter{fn: func(int, string) (domain.Quote, error) {
		return domain.Quote{}, errors.New("should not be called")
	}}
	cache := newStubQuoteCache()
	f := NewPriceFeed(Config{TTL: 5 * time.Second}, adapter, cache, clock, feedLogger())
	ctx := context.Background()

	f.Ingest(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 50500})

	select {
	case q := <-f.Ticks():
		require.InDelta(t, 50500, q.Price, 1e-9)
		require.Equal(t, clock.Now(), q.AsOf, "zero AsOf is stamped at ingest")
	default:
		t.Fatal("expected a tick")
	}

	// The pushed quote serves Latest from the memo, no exchange call.
	q, err := f.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 50500, q.Price, 1e-9)
	require.Zero(t, adapter.callCount())

	// And it was written through to the shared cache.
	cached, err := cache.GetQuote(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 50500, cached.Price, 1e-9)
}

func TestEmitDropsOldestWhenConsumerLags(t *testing.T) {
	clock := newInstantClock()
	adapter := &stubAdapter{fn: func(int, string) (domain.Quote, error) {
		return domain.Quote{}, errors.New("unused")
	}}
	f := NewPriceFeed(Config{TickBuffer: 2}, adapter, nil, clock, feedLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.Ingest(ctx, domain.Quote{Symbol: "BTCUSDT", Price: float64(50000 + i)})
	}

	// The buffer holds the newest quotes; the producer never blocked.
	var prices []float64
	for {
		select {
		case q := <-f.Ticks():
			prices = append(prices, q.Price)
			continue
		default:
		}
		break
	}
	require.Len(t, prices, 2)
	require.InDelta(t, 50004, prices[len(prices)-1], 1e-9, "newest quote always wins")
}
