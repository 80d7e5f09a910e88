// Package domain defines the core types shared across the perpbot engine:
// positions, triggers, quotes, alerts, decision actions, and the store and
// collaborator interfaces implemented by the infrastructure packages.
package domain

import "time"

// PositionSide is the direction of a perpetual-futures position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Sign returns +1 for long positions and -1 for short positions, used when
// applying price deltas to PnL.
func (s PositionSide) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Valid reports whether the side is one of the two known values.
func (s PositionSide) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionStatus tracks the lifecycle of a position. Transitions are
// monotonic: OPEN becomes CLOSED or LIQUIDATED exactly once, and both
// terminal states are immutable afterwards.
type PositionStatus string

const (
	StatusOpen       PositionStatus = "open"
	StatusClosed     PositionStatus = "closed"
	StatusLiquidated PositionStatus = "liquidated"
)

// Terminal reports whether the status is one of the immutable end states.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// CloseReason records why a position left the OPEN state.
type CloseReason string

const (
	CloseReasonManual      CloseReason = "manual"
	CloseReasonDecision    CloseReason = "decision"
	CloseReasonTakeProfit  CloseReason = "take_profit"
	CloseReasonStopLoss    CloseReason = "stop_loss"
	CloseReasonLiquidation CloseReason = "liquidation"
)

// Position is a leveraged perpetual-futures position. It is owned exclusively
// by the engine's ledger; all mutation goes through the ledger API.
type Position struct {
	ID        string       `json:"id"`
	ProfileID string       `json:"profile_id"`
	Symbol    string       `json:"symbol"`
	Side      PositionSide `json:"side"`

	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	Leverage   float64 `json:"leverage"`
	Margin     float64 `json:"margin"`

	Status          PositionStatus `json:"status"`
	AccumulatedFees float64        `json:"accumulated_fees"`

	// Live valuation, recomputed by the ledger on every price tick.
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	MarginRatio      float64 `json:"margin_ratio"`
	LiquidationPrice float64 `json:"liquidation_price"`

	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
	ExitPrice   *float64    `json:"exit_price,omitempty"`
	RealizedPnL *float64    `json:"realized_pnl,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
}

// Notional returns the leveraged notional value at entry.
func (p Position) Notional() float64 {
	return p.EntryPrice * p.Quantity * p.Leverage
}

// ComputeUnrealizedPnL returns the PnL at the given mark price, net of the
// fees accumulated so far.
func (p Position) ComputeUnrealizedPnL(markPrice float64) float64 {
	return (markPrice-p.EntryPrice)*p.Quantity*p.Side.Sign()*p.Leverage - p.AccumulatedFees
}

// ComputeMarginRatio returns the fraction of the position's margin still
// backed by equity at the given unrealized PnL. 1.0 means fully backed,
// 0 means the margin is consumed.
func (p Position) ComputeMarginRatio(unrealizedPnL float64) float64 {
	notional := p.Notional()
	if notional == 0 {
		return 0
	}
	return (p.Margin + unrealizedPnL) / notional
}

// ROI returns the return on investment as a percentage of margin.
func (p Position) ROI(pnl float64) float64 {
	if p.Margin == 0 {
		return 0
	}
	return pnl / p.Margin * 100
}
