package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yxzhao/perpbot/internal/domain"
)

// fundingInterval is the perpetual funding period. Payments land on the
// 8-hour UTC boundaries (00:00, 08:00, 16:00).
const fundingInterval = 8 * time.Hour

// LedgerConfig holds the ledger's validation and fee parameters.
type LedgerConfig struct {
	// MaxLeverage caps the leverage accepted by Open.
	MaxLeverage float64
	// TakerFeeRate is the flat fee rate applied to notional on entry and on
	// exit.
	TakerFeeRate float64
}

// TickUpdate is the result of re-valuing one open position against a price
// tick.
type TickUpdate struct {
	Position   domain.Position
	Liquidated bool
}

// Ledger is the exclusive owner of all position records. It recomputes
// unrealized PnL, margin ratio, and liquidation crossings on every tick and
// enforces the monotonic status lifecycle: OPEN transitions to CLOSED or
// LIQUIDATED exactly once and terminal positions are immutable.
//
// The ledger is not safe for concurrent use. Only the scheduler goroutine
// calls its mutating methods, which is what guarantees that no two mutations
// of a single position are applied out of order relative to the ticks that
// produced them.
type Ledger struct {
	cfg    LedgerConfig
	store  domain.PositionStore // nil disables persistence
	model  domain.LiquidationModel
	clock  Clock
	logger *slog.Logger

	positions map[string]*domain.Position
	// Secondary indexes over OPEN positions only.
	bySymbol  map[string]map[string]*domain.Position
	byProfile map[string]map[string]*domain.Position
	// Last funding accrual per open position.
	lastFunding map[string]time.Time
}

// NewLedger creates a Ledger. store may be nil, in which case positions live
// only in memory.
func NewLedger(cfg LedgerConfig, store domain.PositionStore, model domain.LiquidationModel, clock Clock, logger *slog.Logger) *Ledger {
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = 100
	}
	return &Ledger{
		cfg:       cfg,
		store:     store,
		model:     model,
		clock:     clock,
		logger:    logger.With(slog.String("component", "position_ledger")),
		positions:   make(map[string]*domain.Position),
		bySymbol:    make(map[string]map[string]*domain.Position),
		byProfile:   make(map[string]map[string]*domain.Position),
		lastFunding: make(map[string]time.Time),
	}
}

// Restore loads all open positions from the store, typically at startup.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	open, err := l.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("ledger: restore open positions: %w", err)
	}
	for i := range open {
		p := open[i]
		if p.LiquidationPrice == 0 {
			p.LiquidationPrice = l.model.LiquidationPrice(p)
		}
		l.index(&p)
	}
	l.logger.Info("restored open positions", slog.Int("count", len(open)))
	return nil
}

// Open validates the parameters, charges the entry fee, computes the
// liquidation price, persists the new position, and indexes it. It fails
// with domain.ErrInvalidParameters (wrapped) for non-positive quantity,
// leverage, or margin, or leverage above the configured cap.
func (l *Ledger) Open(ctx context.Context, profileID, symbol string, side domain.PositionSide, entryPrice, quantity, leverage, margin float64) (domain.Position, error) {
	switch {
	case !side.Valid():
		return domain.Position{}, fmt.Errorf("ledger: side %q: %w", side, domain.ErrInvalidParameters)
	case entryPrice <= 0:
		return domain.Position{}, fmt.Errorf("ledger: entry price %.8f: %w", entryPrice, domain.ErrInvalidParameters)
	case quantity <= 0:
		return domain.Position{}, fmt.Errorf("ledger: quantity %.8f: %w", quantity, domain.ErrInvalidParameters)
	case leverage <= 0:
		return domain.Position{}, fmt.Errorf("ledger: leverage %.2f: %w", leverage, domain.ErrInvalidParameters)
	case leverage > l.cfg.MaxLeverage:
		return domain.Position{}, fmt.Errorf("ledger: leverage %.2f exceeds cap %.2f: %w", leverage, l.cfg.MaxLeverage, domain.ErrInvalidParameters)
	case margin <= 0:
		return domain.Position{}, fmt.Errorf("ledger: margin %.8f: %w", margin, domain.ErrInvalidParameters)
	}

	now := l.clock.Now()
	p := domain.Position{
		ID:              uuid.NewString(),
		ProfileID:       profileID,
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      entryPrice,
		Quantity:        quantity,
		Leverage:        leverage,
		Margin:          margin,
		Status:          domain.StatusOpen,
		AccumulatedFees: entryPrice * quantity * l.cfg.TakerFeeRate,
		MarkPrice:       entryPrice,
		OpenedAt:        now,
	}
	p.LiquidationPrice = l.model.LiquidationPrice(p)
	p.UnrealizedPnL = p.ComputeUnrealizedPnL(entryPrice)
	p.MarginRatio = p.ComputeMarginRatio(p.UnrealizedPnL)

	if l.store != nil {
		if err := l.store.Create(ctx, p); err != nil {
			return domain.Position{}, fmt.Errorf("ledger: persist open: %w", err)
		}
	}
	l.index(&p)

	l.logger.Info("position opened",
		slog.String("position_id", p.ID),
		slog.String("profile_id", profileID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("entry_price", entryPrice),
		slog.Float64("quantity", quantity),
		slog.Float64("leverage", leverage),
		slog.Float64("liquidation_price", p.LiquidationPrice),
	)
	return p, nil
}

// Close transitions an open position to CLOSED at the given exit price and
// returns the realized PnL (net of entry and exit fees). It fails with
// domain.ErrNotFound for unknown IDs and domain.ErrNotOpen when the position
// is already terminal.
func (l *Ledger) Close(ctx context.Context, id string, exitPrice float64, reason domain.CloseReason) (float64, error) {
	p, ok := l.positions[id]
	if !ok {
		return 0, fmt.Errorf("ledger: close %s: %w", id, domain.ErrNotFound)
	}
	if p.Status.Terminal() {
		return 0, fmt.Errorf("ledger: close %s (status %s): %w", id, p.Status, domain.ErrNotOpen)
	}

	exitFee := exitPrice * p.Quantity * l.cfg.TakerFeeRate
	p.AccumulatedFees += exitFee
	realized := p.ComputeUnrealizedPnL(exitPrice)
	l.terminate(p, domain.StatusClosed, exitPrice, realized, reason)

	if err := l.persistTerminal(ctx, p); err != nil {
		l.logger.Error("persist close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}

	l.logger.Info("position closed",
		slog.String("position_id", id),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", realized),
	)
	return realized, nil
}

// ApplyTick re-values every open position on the quote's symbol and returns
// one update per position. Funding accrues first when an interval boundary
// has been crossed since the last tick, so the revaluation already reflects
// the payment. A position whose liquidation price is crossed in the adverse
// direction is transitioned to LIQUIDATED atomically with this tick; the
// transition cannot be reverted.
func (l *Ledger) ApplyTick(ctx context.Context, q domain.Quote) []TickUpdate {
	open := l.bySymbol[q.Symbol]
	if len(open) == 0 {
		return nil
	}

	// Deterministic iteration keeps mutation order stable for a given tick.
	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := l.clock.Now()
	updates := make([]TickUpdate, 0, len(ids))
	for _, id := range ids {
		p := open[id]
		if p.Status.Terminal() {
			// The open indexes must never hold a terminal position; this is
			// state-machine corruption, not a recoverable condition.
			panic(fmt.Sprintf("ledger: terminal position %s in open index", p.ID))
		}

		l.accrueFunding(p, q, now)
		p.MarkPrice = q.Price
		p.UnrealizedPnL = p.ComputeUnrealizedPnL(q.Price)
		p.MarginRatio = p.ComputeMarginRatio(p.UnrealizedPnL)

		liquidated := l.model.Crossed(*p, q.Price)
		if liquidated {
			realized := p.UnrealizedPnL
			l.terminate(p, domain.StatusLiquidated, q.Price, realized, domain.CloseReasonLiquidation)
			if err := l.persistTerminal(ctx, p); err != nil {
				l.logger.Error("persist liquidation failed",
					slog.String("position_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
			l.logger.Warn("position liquidated",
				slog.String("position_id", p.ID),
				slog.String("profile_id", p.ProfileID),
				slog.String("symbol", p.Symbol),
				slog.Float64("mark_price", q.Price),
				slog.Float64("liquidation_price", p.LiquidationPrice),
				slog.Float64("realized_pnl", realized),
			)
		}
		updates = append(updates, TickUpdate{Position: *p, Liquidated: liquidated})
	}
	return updates
}

// accrueFunding charges the funding payments for every interval boundary
// crossed since the position last accrued. Longs pay when the rate is
// positive and shorts receive, and vice versa for a negative rate; the
// payment folds into AccumulatedFees so it flows through PnL like any other
// fee.
func (l *Ledger) accrueFunding(p *domain.Position, q domain.Quote, now time.Time) {
	since, ok := l.lastFunding[p.ID]
	if !ok {
		l.lastFunding[p.ID] = now
		return
	}
	boundary := since.Truncate(fundingInterval).Add(fundingInterval)
	if boundary.After(now) {
		return
	}
	crossed := 1 + int(now.Sub(boundary)/fundingInterval)
	l.lastFunding[p.ID] = now
	if q.FundingRate == 0 {
		return
	}

	payment := q.FundingRate * q.Price * p.Quantity * p.Leverage * float64(crossed) * p.Side.Sign()
	p.AccumulatedFees += payment
	l.logger.Debug("funding accrued",
		slog.String("position_id", p.ID),
		slog.Float64("funding_rate", q.FundingRate),
		slog.Int("intervals", crossed),
		slog.Float64("payment", payment),
	)
}

// Get returns a copy of the position.
func (l *Ledger) Get(id string) (domain.Position, error) {
	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", id, domain.ErrNotFound)
	}
	return *p, nil
}

// ListOpen returns copies of the profile's open positions, oldest first.
func (l *Ledger) ListOpen(profileID string) []domain.Position {
	open := l.byProfile[profileID]
	out := make([]domain.Position, 0, len(open))
	for _, p := range open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Snapshot returns copies of every position known for the profile, open and
// terminal, for reporting.
func (l *Ledger) Snapshot(profileID string) []domain.Position {
	var out []domain.Position
	for _, p := range l.positions {
		if p.ProfileID == profileID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// OpenSymbols returns the distinct symbols that currently have open
// positions, which is the set the price feed must keep fresh.
func (l *Ledger) OpenSymbols() []string {
	out := make([]string, 0, len(l.bySymbol))
	for sym, open := range l.bySymbol {
		if len(open) > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// OpenCount returns the number of open positions across all profiles.
func (l *Ledger) OpenCount() int {
	n := 0
	for _, open := range l.bySymbol {
		n += len(open)
	}
	return n
}

// terminate applies the one-way transition out of OPEN. It panics when asked
// to transition an already-terminal position, since that indicates the
// lifecycle invariant has been violated upstream.
func (l *Ledger) terminate(p *domain.Position, status domain.PositionStatus, exitPrice, realized float64, reason domain.CloseReason) {
	if p.Status.Terminal() {
		panic(fmt.Sprintf("ledger: double terminal transition for position %s (%s -> %s)", p.ID, p.Status, status))
	}
	now := l.clock.Now()
	p.Status = status
	p.ExitPrice = &exitPrice
	p.RealizedPnL = &realized
	p.ClosedAt = &now
	p.CloseReason = reason
	l.unindex(p)
}

func (l *Ledger) persistTerminal(ctx context.Context, p *domain.Position) error {
	if l.store == nil {
		return nil
	}
	return l.store.Update(ctx, *p)
}

func (l *Ledger) index(p *domain.Position) {
	l.positions[p.ID] = p
	if p.Status != domain.StatusOpen {
		return
	}
	if l.bySymbol[p.Symbol] == nil {
		l.bySymbol[p.Symbol] = make(map[string]*domain.Position)
	}
	l.bySymbol[p.Symbol][p.ID] = p
	if l.byProfile[p.ProfileID] == nil {
		l.byProfile[p.ProfileID] = make(map[string]*domain.Position)
	}
	l.byProfile[p.ProfileID][p.ID] = p
	// Funding starts accruing from when the ledger takes ownership; a
	// restored position is not charged retroactively for downtime.
	l.lastFunding[p.ID] = l.clock.Now()
}

func (l *Ledger) unindex(p *domain.Position) {
	delete(l.bySymbol[p.Symbol], p.ID)
	delete(l.byProfile[p.ProfileID], p.ID)
	delete(l.lastFunding, p.ID)
}
