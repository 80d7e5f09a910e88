package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions so they survive process restarts. The
// ledger writes through on open and on every terminal transition, and
// restores open positions at startup.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListByProfile(ctx context.Context, profileID string, opts ListOpts) ([]Position, error)
	// ListTerminalBefore returns closed/liquidated positions whose close time
	// is before cutoff, oldest first, for cold-storage archival.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// AuditEntry is a single row of the append-only activity log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists the activity log: opens, closes, liquidations, alerts,
// and skipped evaluation cycles.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
