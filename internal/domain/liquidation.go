package domain

// LiquidationModel computes the liquidation price for a position and decides
// when a mark price has crossed it. The exact formula is exchange-specific
// (isolated vs. cross margin, maintenance-margin tiers), so the ledger takes
// the model as a dependency rather than hard-coding one convention.
type LiquidationModel interface {
	// LiquidationPrice returns the mark price at which the position's margin
	// is fully consumed.
	LiquidationPrice(p Position) float64

	// Crossed reports whether the given mark price is at or beyond the
	// position's liquidation price in the adverse direction.
	Crossed(p Position, markPrice float64) bool
}

// IsolatedMarginModel is the standard isolated-margin liquidation model for
// USDT-margined perpetuals:
//
//	long:  entry * (1 - 1/leverage + mmr)
//	short: entry * (1 + 1/leverage - mmr)
//
// where mmr is the maintenance-margin rate (typically 0.5% for major USDT
// pairs).
type IsolatedMarginModel struct {
	MaintenanceMarginRate float64
}

// DefaultMaintenanceMarginRate is the flat maintenance-margin rate applied
// when none is configured.
const DefaultMaintenanceMarginRate = 0.005

// NewIsolatedMarginModel returns an IsolatedMarginModel with the given
// maintenance-margin rate; a non-positive rate falls back to the default.
func NewIsolatedMarginModel(mmr float64) IsolatedMarginModel {
	if mmr < 0 {
		mmr = DefaultMaintenanceMarginRate
	}
	return IsolatedMarginModel{MaintenanceMarginRate: mmr}
}

// LiquidationPrice implements LiquidationModel.
func (m IsolatedMarginModel) LiquidationPrice(p Position) float64 {
	if p.Leverage <= 0 {
		return 0
	}
	var price float64
	if p.Side == SideLong {
		price = p.EntryPrice * (1 - 1/p.Leverage + m.MaintenanceMarginRate)
	} else {
		price = p.EntryPrice * (1 + 1/p.Leverage - m.MaintenanceMarginRate)
	}
	if price < 0 {
		return 0
	}
	return price
}

// Crossed implements LiquidationModel. Long positions liquidate when the mark
// price falls to or below the liquidation price, shorts when it rises to or
// above it.
func (m IsolatedMarginModel) Crossed(p Position, markPrice float64) bool {
	liq := p.LiquidationPrice
	if liq == 0 {
		liq = m.LiquidationPrice(p)
	}
	if p.Side == SideLong {
		return markPrice <= liq
	}
	return markPrice >= liq
}

// Compile-time interface check.
var _ LiquidationModel = IsolatedMarginModel{}
