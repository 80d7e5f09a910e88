package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
	"github.com/yxzhao/perpbot/internal/platform/binance"
)

// StreamFeed connects to the exchange mark-price WebSocket for a set of
// symbols and pushes every update into the PriceFeed. It supplements the
// REST polling loop: the poller guarantees a floor on freshness, the stream
// lowers the latency between a price move and the tick the engine sees.
type StreamFeed struct {
	wsURL     string
	symbols   []string
	sink      *PriceFeed
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamFeed creates a stream feed for the given symbols.
func NewStreamFeed(wsURL string, symbols []string, sink *PriceFeed, logger *slog.Logger) *StreamFeed {
	return &StreamFeed{
		wsURL:   wsURL,
		symbols: symbols,
		sink:    sink,
		logger:  logger.With(slog.String("component", "stream_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes, and blocks until ctx is canceled. Reconnects
// with a delay on disconnect.
func (f *StreamFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to stream, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("stream disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *StreamFeed) runConnection(ctx context.Context) error {
	client := binance.NewWSClient(f.wsURL)
	defer client.Close()

	client.OnQuote(func(q domain.Quote) {
		f.sink.Ingest(ctx, q)
	})

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := client.Subscribe(ctx, f.symbols); err != nil {
		return err
	}
	f.logger.Info("mark price stream subscribed", slog.Int("symbols", len(f.symbols)))

	<-ctx.Done()
	return ctx.Err()
}

// Close stops the feed.
func (f *StreamFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
