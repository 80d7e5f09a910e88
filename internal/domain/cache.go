package domain

import (
	"context"
	"io"
	"time"
)

// QuoteCache provides shared access to the latest quote per symbol. The
// price feed writes through to it so quotes survive restarts and are visible
// to other processes.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// StreamMessage is a single entry read back from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out for live events (alerts, liquidations)
// plus a durable, bounded stream for event history.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}

// BlobInfo describes one object in cold storage.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// BlobReader retrieves archived objects from cold storage. Get fails with
// ErrNotFound (wrapped) when no object exists at the path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// RateLimiter enforces a sliding-window request budget per key.
type RateLimiter interface {
	// Allow reports whether a request for key fits within limit requests per
	// window, counting it when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides process-exclusive locks so background jobs run once
// across replicas. Acquire fails with ErrLockHeld when another holder owns
// the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
